// Package extract wraps the external text-understanding service: it turns one
// text unit plus a field schema into zero or more partial entity records.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/prompts"
	"github.com/timmy/stratum/internal/template"
)

// CodeField is the field name carrying the identifying code in extracted
// records.
const CodeField = "artifact_code"

// Config holds configuration for the extraction client.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   RetryPolicy
}

// Client calls an OpenAI-compatible chat-completions endpoint to extract
// structured records from report text.
type Client struct {
	client   *resty.Client
	model    string
	endpoint string
	retry    RetryPolicy
}

// NewClient creates a new extraction client.
func NewClient(cfg *Config) *Client {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	return &Client{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
		retry:    retry,
	}
}

// Model returns the model name being used.
func (c *Client) Model() string {
	return c.model
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Extract runs one extraction call for a single text unit against one entity
// kind's field schema. Returned partial records are tagged with the unit name
// and validated against the template; unknown fields are dropped and reported
// through the second return value.
func (c *Client) Extract(ctx context.Context, tpl *template.Template, unit, text string) ([]domain.PartialRecord, []string, error) {
	prompt := buildPrompt(tpl, unit, text)

	var content string
	err := c.retry.Do(ctx, func() error {
		var err error
		content, err = c.complete(ctx, prompt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	raws, err := decodeRecords(content)
	if err != nil {
		return nil, nil, &ServiceError{Op: "decode", Err: err}
	}

	var records []domain.PartialRecord
	var dropped []string
	for _, raw := range raws {
		confidence := extractConfidence(raw)
		delete(raw, "extraction_confidence")

		fields, unknown := tpl.Normalize(raw)
		dropped = append(dropped, unknown...)

		code := ""
		if v, ok := fields[CodeField]; ok && !v.IsNull() {
			code = strings.TrimSpace(v.String())
		}
		records = append(records, domain.PartialRecord{
			Kind:       tpl.Kind,
			Code:       code,
			Fields:     fields,
			Unit:       unit,
			Confidence: confidence,
		})
	}
	return records, dropped, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   4096,
	}

	var resp chatResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.endpoint)

	if err != nil {
		return "", &ServiceError{Op: "call", Err: err}
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		msg := fmt.Errorf("%s", strings.TrimSpace(string(httpResp.Body())))
		if resp.Error != nil {
			msg = fmt.Errorf("%s", resp.Error.Message)
		}
		return "", &ServiceError{Op: "call", Status: httpResp.StatusCode(), Err: msg}
	}

	if resp.Error != nil {
		return "", &ServiceError{Op: "call", Err: fmt.Errorf("%s", resp.Error.Message)}
	}

	if len(resp.Choices) == 0 {
		return "", &ServiceError{Op: "call", Err: fmt.Errorf("no choices in response")}
	}

	return resp.Choices[0].Message.Content, nil
}

func buildPrompt(tpl *template.Template, unit, text string) string {
	var b strings.Builder
	b.WriteString("实体类型: ")
	b.WriteString(tpl.Kind)
	b.WriteString("\n文本单元: ")
	b.WriteString(unit)
	b.WriteString("\n\n字段表:\n")
	for _, f := range tpl.Fields {
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(string(f.Type))
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteString("\n")
	}
	if guidance := prompts.Guidance(tpl.Kind); guidance != "" {
		b.WriteString("\n")
		b.WriteString(guidance)
		b.WriteString("\n")
	}
	b.WriteString("\n报告文本:\n")
	b.WriteString(text)
	return b.String()
}

// decodeRecords parses the model output into raw record objects. Fenced code
// blocks are stripped and truncated arrays are repaired before giving up;
// service responses are routinely cut off near the token limit.
func decodeRecords(content string) ([]map[string]interface{}, error) {
	s := stripFences(content)
	if s == "" {
		return nil, nil
	}

	if records, err := decodeOnce(s); err == nil {
		return records, nil
	}

	repaired := repairTruncated(s)
	records, err := decodeOnce(repaired)
	if err != nil {
		return nil, fmt.Errorf("malformed extraction response: %w", err)
	}
	return records, nil
}

func decodeOnce(s string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, err
		}
		return []map[string]interface{}{obj}, nil
	}
	var list []map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// repairTruncated closes an unterminated string and rebalances brackets so a
// response cut off mid-array still yields its complete leading records.
func repairTruncated(s string) string {
	s = strings.TrimSpace(s)
	if strings.Count(s, `"`)%2 != 0 {
		s += `"`
	}
	// Drop a trailing partial object: cut back to the last complete '}'.
	if !strings.HasSuffix(s, "}") && !strings.HasSuffix(s, "]") {
		if i := strings.LastIndex(s, "}"); i >= 0 {
			s = s[:i+1]
		}
	}
	open := strings.Count(s, "{") - strings.Count(s, "}")
	for ; open > 0; open-- {
		s += "}"
	}
	if strings.Count(s, "[") > strings.Count(s, "]") {
		s = strings.TrimRight(s, ",")
		s += "]"
	}
	return s
}

func extractConfidence(raw map[string]interface{}) float64 {
	if v, ok := raw["extraction_confidence"]; ok {
		if f, ok := v.(float64); ok && f > 0 && f <= 1 {
			return f
		}
	}
	return 1.0
}
