// Package template loads spreadsheet field-schema templates and validates
// extracted field maps against them.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/timmy/stratum/internal/domain"
)

// FieldType is the declared value type of a template field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
)

// Field is one declared template field.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
}

// Template is the parsed field schema for one entity kind.
type Template struct {
	Kind   string
	Fields []Field

	byName map[string]int
}

// Header aliases accepted in the template spreadsheet's first row.
var (
	nameHeaders     = []string{"field_name", "字段名", "字段名称", "name"}
	typeHeaders     = []string{"type", "字段类型", "类型"}
	requiredHeaders = []string{"required", "必填"}
	descHeaders     = []string{"description", "说明", "描述", "字段说明"}
)

// Load reads an .xlsx template into a field schema for the given entity kind.
// The first sheet is used; the first row is treated as a header. Rows without
// a field name are skipped.
func Load(path, kind string) (*Template, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("template %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("template %s has no field rows", path)
	}

	nameCol, typeCol, reqCol, descCol := locateColumns(rows[0])
	if nameCol == -1 {
		// No recognisable header; fall back to positional columns.
		nameCol, typeCol, descCol = 0, 1, 2
	}

	t := &Template{Kind: kind, byName: make(map[string]int)}
	for _, row := range rows[1:] {
		name := cell(row, nameCol)
		if name == "" {
			continue
		}
		field := Field{
			Name:        name,
			Type:        parseType(cell(row, typeCol)),
			Required:    parseBool(cell(row, reqCol)),
			Description: cell(row, descCol),
		}
		if _, dup := t.byName[name]; dup {
			continue
		}
		t.byName[name] = len(t.Fields)
		t.Fields = append(t.Fields, field)
	}

	if len(t.Fields) == 0 {
		return nil, fmt.Errorf("template %s declares no fields", path)
	}
	return t, nil
}

// New builds a template in memory, used by tests and fixtures.
func New(kind string, fields []Field) *Template {
	t := &Template{Kind: kind, Fields: fields, byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		t.byName[f.Name] = i
	}
	return t
}

// FieldNames returns the declared field names in template order.
func (t *Template) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the declared field by name.
func (t *Template) Lookup(name string) (Field, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Field{}, false
	}
	return t.Fields[i], true
}

// RequiredFields returns the names of fields marked required.
func (t *Template) RequiredFields() []string {
	var names []string
	for _, f := range t.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// Normalize validates a raw extracted object against the template: known
// fields are coerced to their declared type, unknown fields are dropped and
// returned so the caller can log them.
func (t *Template) Normalize(raw map[string]interface{}) (domain.FieldMap, []string) {
	fields := make(domain.FieldMap, len(raw))
	var unknown []string

	for key, rv := range raw {
		decl, ok := t.Lookup(strings.TrimSpace(key))
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		fields[decl.Name] = coerce(decl.Type, rv)
	}
	return fields, unknown
}

func coerce(ft FieldType, raw interface{}) domain.Value {
	switch v := raw.(type) {
	case nil:
		return domain.NullValue()
	case float64:
		if ft == FieldNumber {
			return domain.NumberValue(v)
		}
		return domain.TextValue(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		if ft == FieldNumber {
			return domain.NumberValue(float64(v))
		}
		return domain.TextValue(strconv.Itoa(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return domain.NullValue()
		}
		if ft == FieldNumber {
			// Measurements often arrive with units ("高8.8厘米"); take the
			// first numeric token.
			if m := numberPattern.FindString(s); m != "" {
				if f, err := strconv.ParseFloat(m, 64); err == nil {
					return domain.NumberValue(f)
				}
			}
			return domain.NullValue()
		}
		return domain.TextValue(s)
	default:
		return domain.TextValue(fmt.Sprintf("%v", raw))
	}
}

func locateColumns(header []string) (name, typ, req, desc int) {
	name, typ, req, desc = -1, -1, -1, -1
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		switch {
		case name == -1 && matches(key, nameHeaders):
			name = i
		case typ == -1 && matches(key, typeHeaders):
			typ = i
		case req == -1 && matches(key, requiredHeaders):
			req = i
		case desc == -1 && matches(key, descHeaders):
			desc = i
		}
	}
	return
}

func matches(key string, aliases []string) bool {
	for _, a := range aliases {
		if key == a {
			return true
		}
	}
	return false
}

func parseType(s string) FieldType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "number", "numeric", "float", "int", "数值", "数字":
		return FieldNumber
	default:
		return FieldText
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "是", "必填":
		return true
	default:
		return false
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
