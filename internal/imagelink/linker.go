package imagelink

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/timmy/stratum/internal/domain"
)

// Link is one proposed association between a record and an indexed image.
type Link struct {
	Image        *domain.ImageDescriptor
	Role         domain.ImageRole
	Confidence   float64
	Method       domain.MatchMethod
	DisplayOrder int

	distance int
}

// Linker matches record codes and descriptions against the report's content
// list. It is read-only over its inputs and safe for concurrent use.
type Linker struct {
	items  []ContentItem
	images map[string]*domain.ImageDescriptor
}

// NewLinker builds a linker over one report's content list and indexed
// images.
func NewLinker(items []ContentItem, images []domain.ImageDescriptor) *Linker {
	byHash := make(map[string]*domain.ImageDescriptor, len(images))
	for i := range images {
		byHash[images[i].Hash] = &images[i]
	}
	return &Linker{items: items, images: byHash}
}

// Link proposes images for one record, trying strategies in decreasing order
// of precision: explicit figure references near the code, reading-order
// proximity to the code itself, descriptive keyword matches, and finally the
// record's burial unit as loose context. Duplicates keep the link from the
// most precise strategy; results are ordered by confidence, then by distance
// from the matching text.
func (l *Linker) Link(code string, keywords []string) []Link {
	if code == "" {
		return nil
	}

	candidates := [][]Link{
		l.byFigureReference(code),
		l.byCodeProximity(code),
		l.byKeywords(keywords),
		l.byUnit(code),
	}

	seen := make(map[string]bool)
	var links []Link
	for _, list := range candidates {
		for _, link := range list {
			if seen[link.Image.Hash] {
				continue
			}
			seen[link.Image.Hash] = true
			links = append(links, link)
		}
	}

	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Confidence != links[j].Confidence {
			return links[i].Confidence > links[j].Confidence
		}
		return links[i].distance < links[j].distance
	})
	for i := range links {
		links[i].DisplayOrder = i
		links[i].Role = inferRole(links[i], i)
	}
	return links
}

// Primary selects the record's headline image: the best code-proximity match
// when one exists, otherwise the highest-confidence link.
func Primary(links []Link) *Link {
	for i := range links {
		if links[i].Method == domain.MatchCode {
			return &links[i]
		}
	}
	if len(links) > 0 {
		return &links[0]
	}
	return nil
}

var figureRefPattern = regexp.MustCompile(`(图版|图|Fig\.?|Figure)\s*([一二三四五六七八九十\d]+)`)

// byFigureReference resolves "见图一"-style references: figure numbers named
// in the same paragraph as the code, matched against image captions and file
// names.
func (l *Linker) byFigureReference(code string) []Link {
	refs := make(map[string]bool)
	for _, item := range l.items {
		if item.Type != "text" || !containsCode(item.Text, code) {
			continue
		}
		for _, m := range figureRefPattern.FindAllStringSubmatch(item.Text, -1) {
			refs[m[1]+m[2]] = true
		}
	}
	if len(refs) == 0 {
		return nil
	}

	var links []Link
	for i, item := range l.items {
		if item.Type != "image" {
			continue
		}
		img := l.images[item.Hash()]
		if img == nil {
			continue
		}
		for ref := range refs {
			if strings.Contains(img.Hash, ref) || captionNames(img.Caption, ref) {
				links = append(links, Link{
					Image:      img,
					Confidence: 0.95,
					Method:     domain.MatchReference,
					distance:   i,
				})
				break
			}
		}
	}
	return links
}

func captionNames(caption, ref string) bool {
	if caption == "" {
		return false
	}
	return strings.HasPrefix(caption, ref) || strings.Contains(caption, " "+ref+" ")
}

// byCodeProximity finds images in the reading-order window around paragraphs
// that mention the exact code.
func (l *Linker) byCodeProximity(code string) []Link {
	var links []Link
	for i, item := range l.items {
		if item.Type != "text" || !containsCode(item.Text, code) {
			continue
		}
		links = append(links, l.nearby(i, 5, 0.9, domain.MatchCode)...)
	}
	return links
}

// byKeywords matches descriptive vocabulary (subtype, material, decoration)
// against paragraph text, tolerating small OCR variations. A paragraph must
// hit at least two keywords to count.
func (l *Linker) byKeywords(keywords []string) []Link {
	if len(keywords) == 0 {
		return nil
	}

	var links []Link
	for i, item := range l.items {
		if item.Type != "text" {
			continue
		}
		hits := 0
		for _, kw := range keywords {
			if fuzzyContains(item.Text, kw) {
				hits++
			}
		}
		if hits < 2 {
			continue
		}
		confidence := 0.4 + 0.1*float64(hits)
		if confidence > 0.7 {
			confidence = 0.7
		}
		links = append(links, l.nearby(i, 3, confidence, domain.MatchKeyword)...)
	}
	return links
}

var unitCodePattern = regexp.MustCompile(`^(M\d+)`)

// byUnit is the last resort: images near any mention of the record's burial
// unit. Low confidence, context role.
func (l *Linker) byUnit(code string) []Link {
	m := unitCodePattern.FindStringSubmatch(code)
	if m == nil {
		return nil
	}
	unit := m[1]

	var links []Link
	for i, item := range l.items {
		if item.Type != "text" {
			continue
		}
		if !strings.Contains(item.Text, unit) || !strings.Contains(item.Text, "墓") {
			continue
		}
		links = append(links, l.nearby(i, 10, 0.3, domain.MatchUnit)...)
	}
	return links
}

func (l *Linker) nearby(textIdx, window int, confidence float64, method domain.MatchMethod) []Link {
	start := textIdx - window
	if start < 0 {
		start = 0
	}
	end := textIdx + window
	if end > len(l.items)-1 {
		end = len(l.items) - 1
	}

	var links []Link
	for i := start; i <= end; i++ {
		if l.items[i].Type != "image" {
			continue
		}
		img := l.images[l.items[i].Hash()]
		if img == nil {
			continue
		}
		links = append(links, Link{
			Image:      img,
			Confidence: confidence,
			Method:     method,
			distance:   abs(i - textIdx),
		})
	}
	return links
}

func inferRole(link Link, index int) domain.ImageRole {
	caption := strings.ToLower(link.Image.Caption)
	switch {
	case strings.Contains(caption, "照片") || strings.Contains(caption, "photo"):
		return domain.RolePhoto
	case strings.Contains(caption, "线图") || strings.Contains(caption, "drawing") || strings.Contains(caption, "图"):
		return domain.RoleDrawing
	case strings.Contains(caption, "细部") || strings.Contains(caption, "局部") || strings.Contains(caption, "detail"):
		return domain.RoleDetail
	case strings.Contains(caption, "位置") || strings.Contains(caption, "墓"):
		return domain.RoleContext
	}

	switch link.Method {
	case domain.MatchReference:
		return domain.RolePhoto
	case domain.MatchCode:
		if index == 0 {
			return domain.RolePhoto
		}
		return domain.RoleDrawing
	case domain.MatchUnit:
		return domain.RoleContext
	}
	if index == 0 {
		return domain.RolePhoto
	}
	return domain.RoleDetail
}

var codeCleaner = strings.NewReplacer(" ", "", "-", "", "_", "", "：", ":")

func containsCode(text, code string) bool {
	if strings.Contains(text, code) {
		return true
	}
	return strings.Contains(codeCleaner.Replace(text), codeCleaner.Replace(code))
}

// fuzzyContains reports whether text contains kw exactly or a near-miss of it
// (edit similarity at least 0.8 over a sliding window of kw's length).
func fuzzyContains(text, kw string) bool {
	if kw == "" {
		return false
	}
	if strings.Contains(text, kw) {
		return true
	}

	kwRunes := []rune(kw)
	if len(kwRunes) < 3 {
		return false
	}
	textRunes := []rune(text)
	if len(textRunes) < len(kwRunes) {
		return false
	}
	for i := 0; i+len(kwRunes) <= len(textRunes); i++ {
		window := string(textRunes[i : i+len(kwRunes)])
		if levenshtein.Match(kw, window, nil) >= 0.8 {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
