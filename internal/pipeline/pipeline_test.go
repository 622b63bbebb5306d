package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/extract"
	"github.com/timmy/stratum/internal/imagelink"
	"github.com/timmy/stratum/internal/logger"
	"github.com/timmy/stratum/internal/template"
)

type memStore struct {
	mu      sync.Mutex
	records []domain.ConsolidatedRecord
	images  []domain.ImageDescriptor
	links   []domain.ArtifactImageLink
	logs    []domain.JobLog

	upsertErr error
}

func (m *memStore) UpsertRecords(_ context.Context, records []domain.ConsolidatedRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memStore) SaveImages(_ context.Context, images []domain.ImageDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, images...)
	return nil
}

func (m *memStore) SaveLinks(_ context.Context, links []domain.ArtifactImageLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, links...)
	return nil
}

func (m *memStore) AppendLog(_ context.Context, entry *domain.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) hasLogContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.logs {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	fn    func(kind, unit, text string) ([]domain.PartialRecord, error)
}

func (f *fakeExtractor) Extract(_ context.Context, tpl *template.Template, unit, text string) ([]domain.PartialRecord, []string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tpl.Kind+":"+unit)
	f.mu.Unlock()

	if f.fn == nil {
		return nil, nil, nil
	}
	records, err := f.fn(tpl.Kind, unit, text)
	return records, nil, err
}

func writeTemplate(t *testing.T, dir, name string, fields [][]string) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]string{"字段名", "类型", "必填"}))
	for i, row := range fields {
		cell := fmt.Sprintf("A%d", i+2)
		line := []string{row[0], row[1], row[2]}
		require.NoError(t, f.SetSheetRow(sheet, cell, &line))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func potteryTemplatePath(t *testing.T, dir string) string {
	return writeTemplate(t, dir, "pottery.xlsx", [][]string{
		{"artifact_code", "文本", "是"},
		{"subtype", "文本", ""},
		{"clay_type", "文本", ""},
		{"jade_type", "文本", ""},
		{"height", "数值", ""},
	})
}

func writeReport(t *testing.T, text string) string {
	t.Helper()
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "full.md"), []byte(text), 0o644))
	return folder
}

func addImages(t *testing.T, folder string, items []imagelink.ContentItem, hashes ...string) {
	t.Helper()
	require.NoError(t, os.Mkdir(filepath.Join(folder, "images"), 0o755))
	for _, hash := range hashes {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		img.Set(0, 0, color.White)
		f, err := os.Create(filepath.Join(folder, "images", hash+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(folder, "report_content_list.json"), data, 0o644))
}

func partial(code, unit string, fields domain.FieldMap) domain.PartialRecord {
	return domain.PartialRecord{Kind: domain.KindPottery, Code: code, Unit: unit, Fields: fields, Confidence: 0.8}
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error"})
}

const reportText = `# M1
M1:1 陶罐，泥质红陶，高8.8厘米。
## M2
M2:3 陶钵，夹砂灰陶。
`

func TestRunConsolidatesAcrossUnits(t *testing.T) {
	folder := writeReport(t, reportText)
	addImages(t, folder, []imagelink.ContentItem{
		{Type: "text", Text: "M1:1 陶罐出土于墓底。"},
		{Type: "image", ImgPath: "images/aaa.png"},
	}, "aaa")

	templates := t.TempDir()
	ext := &fakeExtractor{fn: func(kind, unit, _ string) ([]domain.PartialRecord, error) {
		switch unit {
		case "M1":
			return []domain.PartialRecord{
				partial("M1:1", unit, domain.FieldMap{"subtype": domain.TextValue("罐"), "height": domain.NumberValue(8.8)}),
			}, nil
		case "M2":
			return []domain.PartialRecord{
				partial("M1:1", unit, domain.FieldMap{"subtype": domain.TextValue("陶罐"), "clay_type": domain.TextValue("泥质红陶")}),
				partial("M2:3", unit, domain.FieldMap{"subtype": domain.TextValue("钵")}),
			}, nil
		}
		return nil, nil
	}}

	store := &memStore{}
	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-1",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	require.NoError(t, p.Run(context.Background(), job))

	require.Len(t, store.records, 2)
	byCode := map[string]domain.ConsolidatedRecord{}
	for _, r := range store.records {
		byCode[r.Code] = r
	}

	merged := byCode["M1:1"]
	assert.Equal(t, domain.KindPottery, merged.Kind)
	assert.Equal(t, domain.TextValue("陶罐"), merged.Fields["subtype"])
	assert.Equal(t, domain.NumberValue(8.8), merged.Fields["height"])
	assert.Equal(t, domain.StringArray{"M1", "M2"}, merged.Units)
	assert.True(t, merged.HasImages)
	assert.NotEmpty(t, merged.PrimaryImageID)

	assert.Equal(t, 2, job.Counts[domain.KindPottery])
	assert.Equal(t, 1, job.ImageCount)
	require.NotEmpty(t, store.links)
	assert.Equal(t, merged.ID, store.links[0].RecordID)
}

func TestRunSkipsKindsWithoutTemplate(t *testing.T) {
	folder := writeReport(t, reportText)
	templates := t.TempDir()
	ext := &fakeExtractor{}
	store := &memStore{}

	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-2",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	require.NoError(t, p.Run(context.Background(), job))

	for _, call := range ext.calls {
		assert.Contains(t, call, domain.KindPottery+":")
	}
	assert.NotContains(t, job.Counts, domain.KindJade)
	assert.NotContains(t, job.Counts, domain.KindSite)
}

func TestRunSurvivesServiceErrors(t *testing.T) {
	folder := writeReport(t, reportText)
	templates := t.TempDir()
	ext := &fakeExtractor{fn: func(_, unit, _ string) ([]domain.PartialRecord, error) {
		if unit == "M1" {
			return nil, &extract.ServiceError{Op: "call", Status: 502, Err: errors.New("bad gateway")}
		}
		return []domain.PartialRecord{
			partial("M2:3", unit, domain.FieldMap{"subtype": domain.TextValue("钵")}),
		}, nil
	}}
	store := &memStore{}

	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-3",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	require.NoError(t, p.Run(context.Background(), job))

	require.Len(t, store.records, 1)
	assert.Equal(t, "M2:3", store.records[0].Code)
	assert.True(t, store.hasLogContaining("extraction failed for M1"))
}

func TestRunFailsOnPersistenceError(t *testing.T) {
	folder := writeReport(t, reportText)
	templates := t.TempDir()
	ext := &fakeExtractor{fn: func(_, unit, _ string) ([]domain.PartialRecord, error) {
		return []domain.PartialRecord{
			partial("M1:1", unit, domain.FieldMap{"subtype": domain.TextValue("罐")}),
		}, nil
	}}
	store := &memStore{upsertErr: errors.New("disk full")}

	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-4",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist pottery records")
}

func TestRunFallsBackToFullTextUnit(t *testing.T) {
	folder := writeReport(t, "没有任何墓葬标记的报告文本。")
	templates := t.TempDir()
	ext := &fakeExtractor{}
	store := &memStore{}

	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-5",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	require.NoError(t, p.Run(context.Background(), job))
	assert.Equal(t, []string{domain.KindPottery + ":full_text"}, ext.calls)
}

func TestRunFiltersCrossKindContamination(t *testing.T) {
	folder := writeReport(t, reportText)
	templates := t.TempDir()
	ext := &fakeExtractor{fn: func(_, unit, _ string) ([]domain.PartialRecord, error) {
		if unit != "M1" {
			return nil, nil
		}
		return []domain.PartialRecord{
			partial("M1:1", unit, domain.FieldMap{"subtype": domain.TextValue("罐")}),
			partial("M1:2", unit, domain.FieldMap{"jade_type": domain.TextValue("透闪石玉")}),
		}, nil
	}}
	store := &memStore{}

	p := New(store, ext, testLogger(), Config{})
	job := &domain.Job{
		ID:          "job-6",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: potteryTemplatePath(t, templates)},
	}
	require.NoError(t, p.Run(context.Background(), job))

	require.Len(t, store.records, 1)
	assert.Equal(t, "M1:1", store.records[0].Code)
	assert.True(t, store.hasLogContaining("discarded M1:2"))
}

func TestRunMandatoryGapFailsWhenConfigured(t *testing.T) {
	folder := writeReport(t, reportText)
	templates := t.TempDir()
	path := writeTemplate(t, templates, "strict.xlsx", [][]string{
		{"artifact_code", "文本", "是"},
		{"subtype", "文本", "是"},
	})
	ext := &fakeExtractor{fn: func(_, unit, _ string) ([]domain.PartialRecord, error) {
		if unit != "M1" {
			return nil, nil
		}
		return []domain.PartialRecord{partial("M1:1", unit, domain.FieldMap{})}, nil
	}}
	store := &memStore{}

	p := New(store, ext, testLogger(), Config{FailOnMandatoryGap: true})
	job := &domain.Job{
		ID:          "job-7",
		DocumentRef: folder,
		Templates:   domain.TemplateRefs{domain.KindPottery: path},
	}
	err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing mandatory fields")
}

func TestRunMissingReportFails(t *testing.T) {
	store := &memStore{}
	p := New(store, &fakeExtractor{}, testLogger(), Config{})
	job := &domain.Job{ID: "job-8", DocumentRef: t.TempDir(), Templates: domain.TemplateRefs{domain.KindPottery: "x.xlsx"}}
	err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read report text")
}

func TestRunTwiceYieldsSameRowIdentities(t *testing.T) {
	folder := writeReport(t, reportText)
	addImages(t, folder, []imagelink.ContentItem{
		{Type: "text", Text: "M1:1 陶罐出土于墓底。"},
		{Type: "image", ImgPath: "images/aaa.png"},
	}, "aaa")

	templates := t.TempDir()
	tplPath := potteryTemplatePath(t, templates)
	ext := &fakeExtractor{fn: func(_, unit, _ string) ([]domain.PartialRecord, error) {
		if unit == "M1" {
			return []domain.PartialRecord{
				partial("M1:1", unit, domain.FieldMap{"subtype": domain.TextValue("陶罐")}),
			}, nil
		}
		return nil, nil
	}}

	run := func(jobID string) *memStore {
		store := &memStore{}
		p := New(store, ext, testLogger(), Config{})
		job := &domain.Job{
			ID:          jobID,
			DocumentRef: folder,
			Templates:   domain.TemplateRefs{domain.KindPottery: tplPath},
		}
		require.NoError(t, p.Run(context.Background(), job))
		return store
	}

	first := run("job-a")
	second := run("job-b")

	// The record, image and link primary keys derive from natural identity,
	// so a re-run writes the same rows instead of minting keys that the
	// identity upserts would discard.
	require.Len(t, first.records, 1)
	require.Len(t, second.records, 1)
	assert.Equal(t, first.records[0].ID, second.records[0].ID)

	require.Len(t, first.images, 1)
	require.Len(t, second.images, 1)
	assert.Equal(t, first.images[0].ID, second.images[0].ID)

	require.Len(t, first.links, 1)
	require.Len(t, second.links, 1)
	assert.Equal(t, first.links[0].ID, second.links[0].ID)

	// Links always reference rows written in the same run.
	assert.Equal(t, second.records[0].ID, second.links[0].RecordID)
	assert.Equal(t, second.images[0].ID, second.links[0].ImageID)
	assert.Equal(t, second.images[0].ID, second.records[0].PrimaryImageID)
}
