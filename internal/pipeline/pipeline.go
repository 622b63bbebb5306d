// Package pipeline runs the staged extraction workflow for one job: index
// images, segment the report, extract partial records per unit, consolidate
// them, link images, persist.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/extract"
	"github.com/timmy/stratum/internal/imagelink"
	"github.com/timmy/stratum/internal/logger"
	"github.com/timmy/stratum/internal/merge"
	"github.com/timmy/stratum/internal/segment"
	"github.com/timmy/stratum/internal/source"
	"github.com/timmy/stratum/internal/template"
)

// Extractor turns one text unit and a field schema into partial records.
type Extractor interface {
	Extract(ctx context.Context, tpl *template.Template, unit, text string) ([]domain.PartialRecord, []string, error)
}

// Store is the persistence surface the pipeline writes to. A failed write is
// fatal to the job; the pipeline never retries persistence.
type Store interface {
	UpsertRecords(ctx context.Context, records []domain.ConsolidatedRecord) error
	SaveImages(ctx context.Context, images []domain.ImageDescriptor) error
	SaveLinks(ctx context.Context, links []domain.ArtifactImageLink) error
	AppendLog(ctx context.Context, entry *domain.JobLog) error
}

// Config holds configuration for the pipeline.
type Config struct {
	ChunkSize          int // characters per extraction call, 0 means 3000
	ChunkOverlap       int // overlap between chunks, 0 means 300
	SiteTextLimit      int // leading characters used for site extraction, 0 means 5000
	ExtractWorkers     int // concurrent extraction calls per kind, 0 means 2
	KeepPreamble       bool
	FailOnMandatoryGap bool
	Merge              merge.Policy
}

// Pipeline executes the extraction workflow. It satisfies the scheduler's
// Runner interface.
type Pipeline struct {
	store     Store
	extractor Extractor
	logger    *logger.Logger
	cfg       Config
}

// New creates a pipeline.
func New(store Store, extractor Extractor, log *logger.Logger, cfg Config) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3000
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = 300
	}
	if cfg.SiteTextLimit <= 0 {
		cfg.SiteTextLimit = 5000
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 2
	}
	return &Pipeline{store: store, extractor: extractor, logger: log, cfg: cfg}
}

// kindOrder fixes the stage order: site context first, artifacts after, so
// artifact records can be attributed to the site of the same run.
var kindOrder = []string{domain.KindSite, domain.KindPeriod, domain.KindPottery, domain.KindJade}

// nameFields supply the identifying code for kinds that have no specimen
// code of their own.
var nameFields = map[string]string{
	domain.KindSite:   "site_name",
	domain.KindPeriod: "period_name",
}

// Run executes the full workflow for one job. A context cancellation is
// honoured between stages and between extraction calls; the partial results
// of a cancelled job stay persisted.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job) error {
	if p.logger != nil {
		ctx = p.logger.WithContext(ctx)
	}
	ctx = logger.SetJobID(ctx, job.ID)
	ctx = logger.SetDocumentRef(ctx, job.DocumentRef)

	fullText, err := p.readReport(job.DocumentRef)
	if err != nil {
		p.jobLog(ctx, job.ID, domain.LogError, err.Error())
		return err
	}

	linker, imageCount, err := p.indexImages(ctx, job)
	if err != nil {
		return err
	}
	job.ImageCount = imageCount

	if job.Counts == nil {
		job.Counts = domain.CountMap{}
	}
	for _, kind := range kindOrder {
		ref, ok := job.Templates[kind]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tpl, err := template.Load(ref, kind)
		if err != nil {
			err = fmt.Errorf("load %s template: %w", kind, err)
			p.jobLog(ctx, job.ID, domain.LogError, err.Error())
			return err
		}

		count, err := p.runKind(logger.SetKind(ctx, kind), job, tpl, fullText, linker)
		if err != nil {
			return err
		}
		job.Counts[kind] = count
		p.jobLog(ctx, job.ID, domain.LogInfo, fmt.Sprintf("%s extraction finished: %d records", kind, count))
	}
	return nil
}

func (p *Pipeline) readReport(reportFolder string) (string, error) {
	path := filepath.Join(reportFolder, source.ReportFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report text: %w", err)
	}
	return string(data), nil
}

func (p *Pipeline) indexImages(ctx context.Context, job *domain.Job) (*imagelink.Linker, int, error) {
	items, err := imagelink.LoadContentList(job.DocumentRef)
	if err != nil {
		p.jobLog(ctx, job.ID, domain.LogWarning, fmt.Sprintf("content list unavailable: %v", err))
	}

	descriptors, err := imagelink.Index(job.DocumentRef, job.DocumentRef, items)
	if err != nil {
		p.jobLog(ctx, job.ID, domain.LogWarning, fmt.Sprintf("image indexing failed: %v", err))
		return imagelink.NewLinker(items, nil), 0, nil
	}
	if len(descriptors) > 0 {
		if err := p.store.SaveImages(ctx, descriptors); err != nil {
			err = fmt.Errorf("persist images: %w", err)
			p.jobLog(ctx, job.ID, domain.LogError, err.Error())
			return nil, 0, err
		}
	}
	p.jobLog(ctx, job.ID, domain.LogInfo, fmt.Sprintf("indexed %d images", len(descriptors)))
	return imagelink.NewLinker(items, descriptors), len(descriptors), nil
}

func (p *Pipeline) runKind(ctx context.Context, job *domain.Job, tpl *template.Template, fullText string, linker *imagelink.Linker) (int, error) {
	units := p.unitsFor(tpl.Kind, fullText)
	p.jobLog(ctx, job.ID, domain.LogInfo, fmt.Sprintf("%s: %d text units", tpl.Kind, len(units)))

	partials, err := p.extractUnits(ctx, job, tpl, units)
	if err != nil {
		return 0, err
	}

	partials = p.assignCodes(tpl.Kind, job, partials)
	partials = merge.Prepare(partials)
	partials = p.filterContamination(ctx, job, tpl.Kind, partials)

	merged, warnings := merge.Merge(partials, tpl, p.cfg.Merge)
	for _, w := range warnings {
		p.jobLog(ctx, job.ID, domain.LogWarning, w.String())
	}
	p.jobLog(ctx, job.ID, domain.LogInfo,
		fmt.Sprintf("%s: consolidated %d partial records into %d", tpl.Kind, len(partials), len(merged)))

	if err := p.checkMandatoryFields(ctx, job, tpl, merged); err != nil {
		return 0, err
	}

	records, links := p.buildRecords(job, tpl.Kind, merged, linker)
	if len(records) > 0 {
		if err := p.store.UpsertRecords(ctx, records); err != nil {
			err = fmt.Errorf("persist %s records: %w", tpl.Kind, err)
			p.jobLog(ctx, job.ID, domain.LogError, err.Error())
			return 0, err
		}
	}
	if len(links) > 0 {
		if err := p.store.SaveLinks(ctx, links); err != nil {
			err = fmt.Errorf("persist %s image links: %w", tpl.Kind, err)
			p.jobLog(ctx, job.ID, domain.LogError, err.Error())
			return 0, err
		}
		p.jobLog(ctx, job.ID, domain.LogInfo, fmt.Sprintf("%s: linked %d images", tpl.Kind, len(links)))
	}
	return len(records), nil
}

// unitsFor selects the text a kind is extracted from. Site details live in
// the report's opening pages and period discussion follows them; artifact
// kinds get the burial segmentation.
func (p *Pipeline) unitsFor(kind, fullText string) []segment.Unit {
	switch kind {
	case domain.KindSite:
		return []segment.Unit{{Name: segment.UnitFullText, Text: runeSlice(fullText, 0, p.cfg.SiteTextLimit)}}
	case domain.KindPeriod:
		return []segment.Unit{{Name: segment.UnitFullText, Text: runeSlice(fullText, p.cfg.SiteTextLimit, 3*p.cfg.SiteTextLimit)}}
	default:
		return segment.Split(fullText, segment.Options{KeepPreamble: p.cfg.KeepPreamble})
	}
}

type chunkTask struct {
	index int
	unit  string
	text  string
}

// extractUnits runs the extraction calls for one kind, chunking oversized
// units and bounding call concurrency. Results are joined back in unit and
// chunk order, so downstream merging sees a canonical sequence no matter how
// the calls interleave. A failed call loses only its own chunk.
func (p *Pipeline) extractUnits(ctx context.Context, job *domain.Job, tpl *template.Template, units []segment.Unit) ([]domain.PartialRecord, error) {
	var tasks []chunkTask
	for _, unit := range units {
		chunks := segment.SplitLong(unit.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
		for _, chunk := range chunks {
			tasks = append(tasks, chunkTask{index: len(tasks), unit: unit.Name, text: chunk})
		}
	}
	if len(tasks) > 1 {
		p.jobLog(ctx, job.ID, domain.LogInfo, fmt.Sprintf("%s: extracting %d chunks", tpl.Kind, len(tasks)))
	}

	results := make([][]domain.PartialRecord, len(tasks))
	taskChan := make(chan chunkTask)

	var wg sync.WaitGroup
	workers := p.cfg.ExtractWorkers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				records, dropped, err := p.extractor.Extract(ctx, tpl, task.unit, task.text)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					// Recoverable: the unit's contribution is absent, the
					// job goes on.
					p.jobLog(ctx, job.ID, levelFor(err),
						fmt.Sprintf("%s: extraction failed for %s: %v", tpl.Kind, task.unit, err))
					continue
				}
				if len(dropped) > 0 {
					p.jobLog(ctx, job.ID, domain.LogWarning,
						fmt.Sprintf("%s: dropped unknown fields in %s: %s", tpl.Kind, task.unit, strings.Join(dropped, ", ")))
				}
				results[task.index] = records
			}
		}()
	}

	for _, task := range tasks {
		select {
		case taskChan <- task:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(taskChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var partials []domain.PartialRecord
	for _, records := range results {
		partials = append(partials, records...)
	}
	return partials, nil
}

func levelFor(err error) domain.LogLevel {
	if extract.IsServiceError(err) {
		return domain.LogWarning
	}
	return domain.LogError
}

// assignCodes fills the identifying code for kinds whose entities are named
// rather than numbered. A site with no extractable name falls back to the
// report folder name.
func (p *Pipeline) assignCodes(kind string, job *domain.Job, partials []domain.PartialRecord) []domain.PartialRecord {
	nameField, ok := nameFields[kind]
	if !ok {
		return partials
	}
	for i := range partials {
		if partials[i].Code != "" {
			continue
		}
		if v, ok := partials[i].Fields[nameField]; ok && !v.IsNull() {
			partials[i].Code = strings.TrimSpace(v.String())
		} else if kind == domain.KindSite {
			partials[i].Code = filepath.Base(job.DocumentRef)
			partials[i].Fields[nameField] = domain.TextValue(partials[i].Code)
		}
	}
	return partials
}

// filterContamination drops records that plainly belong to the other
// artifact kind: the extraction service occasionally reports jade specimens
// in a pottery pass and vice versa.
func (p *Pipeline) filterContamination(ctx context.Context, job *domain.Job, kind string, partials []domain.PartialRecord) []domain.PartialRecord {
	if kind != domain.KindPottery && kind != domain.KindJade {
		return partials
	}

	kept := partials[:0]
	for _, rec := range partials {
		if reason := contaminationReason(kind, rec.Fields); reason != "" {
			p.jobLog(ctx, job.ID, domain.LogWarning,
				fmt.Sprintf("%s: discarded %s: %s", kind, rec.Code, reason))
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

func contaminationReason(kind string, fields domain.FieldMap) string {
	text := func(name string) string {
		if v, ok := fields[name]; ok && !v.IsNull() {
			return v.String()
		}
		return ""
	}

	switch kind {
	case domain.KindPottery:
		if text("jade_type") != "" {
			return "jade material in a pottery record"
		}
	case domain.KindJade:
		if text("clay_type") != "" {
			return "clay material in a jade record"
		}
		if strings.Contains(text("category_level1"), "陶") {
			return "pottery category in a jade record"
		}
		if j := text("jade_type"); j == "陶" || strings.Contains(j, "陶器") {
			return "pottery material in a jade record"
		}
	}
	return ""
}

func (p *Pipeline) checkMandatoryFields(ctx context.Context, job *domain.Job, tpl *template.Template, merged []merge.Result) error {
	required := tpl.RequiredFields()
	if len(required) == 0 {
		return nil
	}

	for _, rec := range merged {
		var missing []string
		for _, name := range required {
			if v, ok := rec.Fields[name]; !ok || v.IsNull() {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			continue
		}
		msg := fmt.Sprintf("%s %s is missing mandatory fields: %s", tpl.Kind, rec.Code, strings.Join(missing, ", "))
		if p.cfg.FailOnMandatoryGap {
			p.jobLog(ctx, job.ID, domain.LogError, msg)
			return fmt.Errorf("%s", msg)
		}
		p.jobLog(ctx, job.ID, domain.LogWarning, msg)
	}
	return nil
}

// linkFields are the descriptive fields mined for image-matching keywords.
var linkFields = []string{
	"subtype", "category_level1", "category_level2",
	"jade_type", "clay_type", "shape_unit", "decoration_unit",
}

func (p *Pipeline) buildRecords(job *domain.Job, kind string, merged []merge.Result, linker *imagelink.Linker) ([]domain.ConsolidatedRecord, []domain.ArtifactImageLink) {
	now := time.Now()
	var records []domain.ConsolidatedRecord
	var allLinks []domain.ArtifactImageLink

	for _, result := range merged {
		record := domain.ConsolidatedRecord{
			ID:          domain.RecordID(job.DocumentRef, kind, result.Code),
			JobID:       job.ID,
			DocumentRef: job.DocumentRef,
			Kind:        kind,
			Code:        result.Code,
			Fields:      result.Fields,
			Units:       domain.StringArray(result.Units),
			Confidence:  result.Confidence,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if kind == domain.KindPottery || kind == domain.KindJade {
			links := linker.Link(result.Code, keywordsFor(result.Fields))
			if len(links) > 0 {
				record.HasImages = true
				if primary := imagelink.Primary(links); primary != nil {
					record.PrimaryImageID = primary.Image.ID
				}
			}
			for _, link := range links {
				allLinks = append(allLinks, domain.ArtifactImageLink{
					ID:           domain.LinkID(record.ID, link.Image.ID, link.Role),
					RecordID:     record.ID,
					ImageID:      link.Image.ID,
					Role:         link.Role,
					DisplayOrder: link.DisplayOrder,
					Confidence:   link.Confidence,
					Method:       link.Method,
					CreatedAt:    now,
				})
			}
		}
		records = append(records, record)
	}
	return records, allLinks
}

func keywordsFor(fields domain.FieldMap) []string {
	var keywords []string
	for _, name := range linkFields {
		if v, ok := fields[name]; ok && !v.IsNull() {
			if s := v.String(); len([]rune(s)) > 1 {
				keywords = append(keywords, s)
			}
		}
	}
	return keywords
}

func (p *Pipeline) jobLog(ctx context.Context, jobID string, level domain.LogLevel, message string) {
	entry := &domain.JobLog{JobID: jobID, Level: level, Message: message, CreatedAt: time.Now()}
	if err := p.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to append job log")
	}

	log := logger.FromContext(ctx)
	switch level {
	case domain.LogError:
		log.Error(message)
	case domain.LogWarning:
		log.Warn(message)
	default:
		log.Info(message)
	}
}

func runeSlice(s string, from, to int) string {
	runes := []rune(s)
	if from >= len(runes) {
		return ""
	}
	if to > len(runes) {
		to = len(runes)
	}
	return string(runes[from:to])
}
