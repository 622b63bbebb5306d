// Package segment splits an excavation report's full text into named,
// non-overlapping units keyed by burial marker headings.
package segment

import (
	"regexp"
	"strings"
)

// Unit is one bounded, named slice of the document text.
type Unit struct {
	Name string
	Text string
}

// Synthetic unit names for text outside any marker.
const (
	UnitPreamble = "preamble"
	UnitFullText = "full_text"
)

// Options controls how text outside the markers is handled.
type Options struct {
	// KeepPreamble assigns text before the first marker to a synthetic
	// "preamble" unit instead of discarding it.
	KeepPreamble bool
}

var cnNumerals = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5, "六": 6,
	"七": 7, "八": 8, "九": 9, "十": 10, "十一": 11, "十二": 12,
}

// Burial heading formats seen in digitised reports:
//
//	# 第一节 一号墓
//	## M1 墓葬  /  ## M1
//	# 一号墓
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{1,3}\s*(?:第[一二三四五六七八九十]+节\s+)?(一|二|三|四|五|六|七|八|九|十|十一|十二)号墓`),
	regexp.MustCompile(`^#{1,3}\s*M(\d+)(?:\s*墓葬)?\s*$`),
}

// Split divides full text into ordered units by burial markers. When no
// marker matches, the whole document becomes a single "full_text" unit; that
// fallback is deliberate, not an error. Characters are never duplicated
// across units and unit order follows their appearance in the text.
func Split(fullText string, opts Options) []Unit {
	lines := strings.Split(fullText, "\n")

	var units []Unit
	var current string
	var buf []string

	flush := func() {
		if current == "" {
			return
		}
		units = append(units, Unit{Name: current, Text: strings.TrimSpace(strings.Join(buf, "\n"))})
		buf = buf[:0]
	}

	var preamble []string
	for _, line := range lines {
		name, ok := matchHeading(line)
		if ok {
			flush()
			current = name
			continue
		}
		if current == "" {
			preamble = append(preamble, line)
			continue
		}
		buf = append(buf, line)
	}
	flush()

	if len(units) == 0 {
		return []Unit{{Name: UnitFullText, Text: fullText}}
	}

	if opts.KeepPreamble {
		if pre := strings.TrimSpace(strings.Join(preamble, "\n")); pre != "" {
			units = append([]Unit{{Name: UnitPreamble, Text: pre}}, units...)
		}
	}
	return units
}

func matchHeading(line string) (string, bool) {
	for i, re := range headingPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if i == 1 {
			return "M" + m[1], true
		}
		if n, ok := cnNumerals[m[1]]; ok {
			return "M" + itoa(n), true
		}
		return m[1] + "号墓", true
	}
	return "", false
}

var unitNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^M(\d+)`),
	regexp.MustCompile(`^(\d+)号墓`),
	regexp.MustCompile(`^(一|二|三|四|五|六|七|八|九|十|十一|十二)号墓`),
}

// NormalizeUnitName maps the spellings a burial marker takes in running text
// ("M6", "6号墓", "六号墓") onto the canonical "M6" form. Names that are not
// burial markers pass through unchanged.
func NormalizeUnitName(name string) string {
	name = strings.TrimSpace(name)
	for i, re := range unitNamePatterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if i == 2 {
			if n, ok := cnNumerals[m[1]]; ok {
				return "M" + itoa(n)
			}
			return name
		}
		return "M" + m[1]
	}
	return name
}

func itoa(n int) string {
	digits := "0123456789"
	if n < 10 {
		return string(digits[n])
	}
	return string(digits[n/10]) + string(digits[n%10])
}

// SplitLong slices an oversized unit text into chunks of roughly chunkSize
// characters with overlap, preferring newline then sentence boundaries so an
// entity description is not cut mid-sentence. The merger reconciles entities
// that still straddle a boundary, but the overlap keeps identifying codes
// intact.
func SplitLong(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if chunkSize <= 0 || len(runes) <= chunkSize {
		return []string{text}
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		searchStart := end - overlap
		if searchStart < start {
			searchStart = start
		}
		cut := lastIndexOf(runes, '\n', searchStart, end)
		if cut == -1 {
			cut = lastIndexOf(runes, '。', searchStart, end)
		}
		actualEnd := end
		if cut != -1 {
			actualEnd = cut + 1
		}

		chunks = append(chunks, string(runes[start:actualEnd]))

		next := actualEnd - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func lastIndexOf(runes []rune, r rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
