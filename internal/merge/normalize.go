package merge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/segment"
)

// Prepare cleans partial records before grouping: unit names are canonicalized
// and codes that denote a range or list of specimens are expanded into one
// record per specimen. Merge assumes its input has passed through here.
func Prepare(partials []domain.PartialRecord) []domain.PartialRecord {
	out := make([]domain.PartialRecord, 0, len(partials))
	for _, p := range partials {
		p.Unit = segment.NormalizeUnitName(p.Unit)
		p.Code = strings.TrimSpace(p.Code)
		out = append(out, expandCode(p)...)
	}
	return out
}

// Specimen codes in report prose sometimes cover several objects at once:
//
//	M7:1~3        three specimens M7:1, M7:2, M7:3
//	M7:63-1~3     sub-numbered specimens M7:63-1 .. M7:63-3
//	M7:1、3、5    an enumerated list
var (
	codeRangePattern = regexp.MustCompile(`^(.*?)(\d+)\s*[~～]\s*(\d+)$`)
	codeListSep      = regexp.MustCompile(`[、，,]`)
	codePrefix       = regexp.MustCompile(`^(.*?)(\d+)$`)
)

func expandCode(p domain.PartialRecord) []domain.PartialRecord {
	if p.Code == "" {
		return []domain.PartialRecord{p}
	}

	if codes := expandList(p.Code); len(codes) > 1 {
		var out []domain.PartialRecord
		for _, code := range codes {
			for _, q := range expandRange(code) {
				clone := p
				clone.Code = q
				out = append(out, clone)
			}
		}
		return out
	}

	codes := expandRange(p.Code)
	out := make([]domain.PartialRecord, 0, len(codes))
	for _, code := range codes {
		clone := p
		clone.Code = code
		out = append(out, clone)
	}
	return out
}

// expandList splits an enumerated code onto full codes, re-attaching the
// prefix of the first element to bare trailing numbers ("M7:1、3" keeps "M7:"
// for the 3).
func expandList(code string) []string {
	parts := codeListSep.Split(code, -1)
	if len(parts) < 2 {
		return []string{code}
	}

	prefix := ""
	if m := codePrefix.FindStringSubmatch(strings.TrimSpace(parts[0])); m != nil {
		prefix = m[1]
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := strconv.Atoi(part); err == nil && prefix != "" {
			part = prefix + part
		}
		out = append(out, part)
	}
	return out
}

func expandRange(code string) []string {
	m := codeRangePattern.FindStringSubmatch(code)
	if m == nil {
		return []string{code}
	}
	lo, _ := strconv.Atoi(m[2])
	hi, _ := strconv.Atoi(m[3])
	// Unbounded expansion from a mis-read range would flood the merge; cap it.
	if lo >= hi || hi-lo > 50 {
		return []string{code}
	}

	out := make([]string, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		out = append(out, fmt.Sprintf("%s%d", m[1], n))
	}
	return out
}
