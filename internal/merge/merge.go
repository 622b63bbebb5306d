// Package merge consolidates partial records sharing an identifying code into
// one authoritative record per code.
package merge

import (
	"fmt"
	"strings"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/template"
)

// Policy controls the merge rules. The numeric max-wins and textual
// longest-wins defaults are heuristics carried over from field practice, not
// ground truth, which is why they are configuration and not constants.
type Policy struct {
	// KeepOrphans retains partial records without an identifying code as
	// singleton records under a synthesized "<unit>#n" code. When false,
	// orphans are dropped (the default).
	KeepOrphans bool

	// NumericTolerance is the relative difference above which discarded
	// numeric values are reported as conflicts. Zero reports any difference.
	NumericTolerance float64

	// DescriptiveFields are concatenated with " | " instead of taking the
	// longest value, so no observation is lost for free-text description
	// fields.
	DescriptiveFields []string
}

// Warning reports a value discarded by the merge rules; it is informational,
// never an error.
type Warning struct {
	Code   string
	Field  string
	Kept   string
	Values []string
}

func (w Warning) String() string {
	return fmt.Sprintf("merge conflict on %s.%s: kept %q of [%s]",
		w.Code, w.Field, w.Kept, strings.Join(w.Values, ", "))
}

// Result is one consolidated entity produced by Merge, not yet persisted.
type Result struct {
	Kind       string
	Code       string
	Fields     domain.FieldMap
	Units      []string
	Confidence float64
}

// Merge consolidates all partial records of one entity kind into one result
// per identifying code. Groups preserve the order in which codes first appear
// in the input; within a group, field rules are applied independently per
// field. Callers that gather partials concurrently must present them in a
// canonical order (the pipeline uses segmentation order) so that first-seen
// tie-breaks are reproducible.
func Merge(partials []domain.PartialRecord, tpl *template.Template, policy Policy) ([]Result, []Warning) {
	if len(partials) == 0 {
		return nil, nil
	}

	groups := make(map[string][]domain.PartialRecord)
	var order []string
	orphanSeq := 0

	for _, p := range partials {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			if !policy.KeepOrphans {
				continue
			}
			orphanSeq++
			code = fmt.Sprintf("%s#%d", p.Unit, orphanSeq)
			p.Code = code
		}
		if _, seen := groups[code]; !seen {
			order = append(order, code)
		}
		groups[code] = append(groups[code], p)
	}

	var results []Result
	var warnings []Warning
	for _, code := range order {
		r, w := mergeGroup(code, groups[code], tpl, policy)
		results = append(results, r)
		warnings = append(warnings, w...)
	}
	return results, warnings
}

func mergeGroup(code string, group []domain.PartialRecord, tpl *template.Template, policy Policy) (Result, []Warning) {
	result := Result{
		Kind:   group[0].Kind,
		Code:   code,
		Fields: make(domain.FieldMap),
	}

	// Provenance: union of contributing units, first-appearance order.
	seenUnits := make(map[string]bool)
	for _, p := range group {
		if p.Unit != "" && !seenUnits[p.Unit] {
			seenUnits[p.Unit] = true
			result.Units = append(result.Units, p.Unit)
		}
	}

	// Aggregate confidence is the mean over the group.
	sum := 0.0
	for _, p := range group {
		sum += p.ConfidenceOrDefault()
	}
	result.Confidence = sum / float64(len(group))

	var warnings []Warning
	for _, field := range tpl.Fields {
		var values []domain.Value
		for _, p := range group {
			if v, ok := p.Fields[field.Name]; ok && !v.IsNull() {
				values = append(values, v)
			}
		}

		switch len(values) {
		case 0:
			result.Fields[field.Name] = domain.NullValue()
		case 1:
			result.Fields[field.Name] = values[0]
		default:
			merged, warn := mergeValues(code, field, values, policy)
			result.Fields[field.Name] = merged
			if warn != nil {
				warnings = append(warnings, *warn)
			}
		}
	}
	return result, warnings
}

func mergeValues(code string, field template.Field, values []domain.Value, policy Policy) (domain.Value, *Warning) {
	if field.Type == template.FieldNumber {
		return mergeNumeric(code, field.Name, values, policy)
	}
	if contains(policy.DescriptiveFields, field.Name) {
		return concatDistinct(values), nil
	}
	return mergeTextual(code, field.Name, values)
}

// mergeNumeric keeps the maximum: later, more careful passes tend to report
// the fuller measurement. Discarded values outside the tolerance are
// reported as conflicts.
func mergeNumeric(code, field string, values []domain.Value, policy Policy) (domain.Value, *Warning) {
	max := values[0]
	for _, v := range values[1:] {
		if v.Number > max.Number {
			max = v
		}
	}

	conflict := false
	for _, v := range values {
		if v.Number == max.Number {
			continue
		}
		diff := max.Number - v.Number
		if max.Number != 0 && diff/abs(max.Number) > policy.NumericTolerance {
			conflict = true
		} else if max.Number == 0 && diff != 0 {
			conflict = true
		}
	}

	if !conflict {
		return max, nil
	}
	return max, &Warning{Code: code, Field: field, Kept: max.String(), Values: renderAll(values)}
}

// mergeTextual keeps the longest string by rune count; ties resolve to the
// value appearing first in the (canonical) input order.
func mergeTextual(code, field string, values []domain.Value) (domain.Value, *Warning) {
	best := values[0]
	bestLen := runeLen(best)
	distinct := map[string]bool{best.String(): true}

	for _, v := range values[1:] {
		distinct[v.String()] = true
		if l := runeLen(v); l > bestLen {
			best, bestLen = v, l
		}
	}

	if len(distinct) == 1 {
		return best, nil
	}
	return best, &Warning{Code: code, Field: field, Kept: best.String(), Values: renderAll(values)}
}

func concatDistinct(values []domain.Value) domain.Value {
	var parts []string
	seen := make(map[string]bool)
	for _, v := range values {
		s := v.String()
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		parts = append(parts, s)
	}
	return domain.TextValue(strings.Join(parts, " | "))
}

func runeLen(v domain.Value) int {
	return len([]rune(v.String()))
}

func renderAll(values []domain.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
