package merge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/template"
)

func potteryTemplate() *template.Template {
	return template.New(domain.KindPottery, []template.Field{
		{Name: "artifact_code", Type: template.FieldText, Required: true},
		{Name: "subtype", Type: template.FieldText},
		{Name: "clay_type", Type: template.FieldText},
		{Name: "height", Type: template.FieldNumber},
		{Name: "description", Type: template.FieldText},
	})
}

func partial(code, unit string, confidence float64, fields domain.FieldMap) domain.PartialRecord {
	if fields == nil {
		fields = domain.FieldMap{}
	}
	return domain.PartialRecord{
		Kind:       domain.KindPottery,
		Code:       code,
		Unit:       unit,
		Confidence: confidence,
		Fields:     fields,
	}
}

func TestMergeNumericKeepsMaximumIgnoringNulls(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("M1:1", "M1", 1.0, domain.FieldMap{"height": domain.NumberValue(5.0)}),
		partial("M1:1", "M1", 1.0, domain.FieldMap{"height": domain.NullValue()}),
		partial("M1:1", "M1", 1.0, domain.FieldMap{"height": domain.NumberValue(12.3)}),
	}

	results, _ := Merge(partials, potteryTemplate(), Policy{NumericTolerance: 10})
	require.Len(t, results, 1)
	assert.Equal(t, domain.NumberValue(12.3), results[0].Fields["height"])
}

func TestMergeTextualKeepsLongest(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("M1:1", "M1", 1.0, domain.FieldMap{"clay_type": domain.TextValue("红陶")}),
		partial("M1:1", "M1", 1.0, domain.FieldMap{"clay_type": domain.TextValue("泥质红陶")}),
	}

	results, _ := Merge(partials, potteryTemplate(), Policy{})
	require.Len(t, results, 1)
	assert.Equal(t, domain.TextValue("泥质红陶"), results[0].Fields["clay_type"])
}

func TestMergeCrossUnitScenario(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("M1:1", "M1", 0.9, domain.FieldMap{
			"subtype": domain.TextValue("罐"),
			"height":  domain.NumberValue(8.8),
		}),
		partial("M1:1", "remainder", 0.7, domain.FieldMap{
			"subtype":   domain.TextValue("陶罐"),
			"clay_type": domain.TextValue("夹砂灰陶"),
		}),
	}

	results, _ := Merge(partials, potteryTemplate(), Policy{})
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, "M1:1", r.Code)
	assert.Equal(t, domain.NumberValue(8.8), r.Fields["height"])
	assert.Equal(t, domain.TextValue("陶罐"), r.Fields["subtype"])
	assert.Equal(t, domain.TextValue("夹砂灰陶"), r.Fields["clay_type"])
	assert.Equal(t, []string{"M1", "remainder"}, r.Units)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
}

func TestMergeDeterministicUnderPermutation(t *testing.T) {
	base := []domain.PartialRecord{
		partial("M1:1", "M1", 0.9, domain.FieldMap{"height": domain.NumberValue(8.8)}),
		partial("M1:1", "M2", 0.7, domain.FieldMap{"subtype": domain.TextValue("陶罐")}),
		partial("M1:1", "M3", 0.5, domain.FieldMap{"height": domain.NumberValue(5.0), "subtype": domain.TextValue("罐")}),
		partial("M2:4", "M2", 1.0, domain.FieldMap{"clay_type": domain.TextValue("泥质灰陶")}),
	}

	reference, _ := Merge(base, potteryTemplate(), Policy{NumericTolerance: 10})
	byCode := make(map[string]Result)
	for _, r := range reference {
		byCode[r.Code] = r
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]domain.PartialRecord, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		results, _ := Merge(shuffled, potteryTemplate(), Policy{NumericTolerance: 10})
		require.Len(t, results, len(reference))
		for _, r := range results {
			want := byCode[r.Code]
			assert.Equal(t, want.Fields, r.Fields)
			assert.InDelta(t, want.Confidence, r.Confidence, 1e-9)
		}
	}
}

func TestMergeOrphansDroppedByDefault(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("", "M1", 1.0, domain.FieldMap{"subtype": domain.TextValue("鼎")}),
		partial("M1:1", "M1", 1.0, domain.FieldMap{"subtype": domain.TextValue("罐")}),
	}

	results, _ := Merge(partials, potteryTemplate(), Policy{})
	require.Len(t, results, 1)
	assert.Equal(t, "M1:1", results[0].Code)
}

func TestMergeOrphansKeptWithSynthesizedCodes(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("", "M1", 1.0, domain.FieldMap{"subtype": domain.TextValue("鼎")}),
		partial("", "M2", 1.0, domain.FieldMap{"subtype": domain.TextValue("豆")}),
	}

	results, _ := Merge(partials, potteryTemplate(), Policy{KeepOrphans: true})
	require.Len(t, results, 2)
	assert.Equal(t, "M1#1", results[0].Code)
	assert.Equal(t, "M2#2", results[1].Code)
}

func TestMergeReportsNumericConflictBeyondTolerance(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("M1:1", "M1", 1.0, domain.FieldMap{"height": domain.NumberValue(8.8)}),
		partial("M1:1", "M2", 1.0, domain.FieldMap{"height": domain.NumberValue(4.0)}),
	}

	results, warnings := Merge(partials, potteryTemplate(), Policy{NumericTolerance: 0.1})
	require.Len(t, results, 1)
	assert.Equal(t, domain.NumberValue(8.8), results[0].Fields["height"])
	require.Len(t, warnings, 1)
	assert.Equal(t, "height", warnings[0].Field)
	assert.Equal(t, "M1:1", warnings[0].Code)
}

func TestMergeConcatenatesDescriptiveFields(t *testing.T) {
	partials := []domain.PartialRecord{
		partial("M1:1", "M1", 1.0, domain.FieldMap{"description": domain.TextValue("口微敛")}),
		partial("M1:1", "M2", 1.0, domain.FieldMap{"description": domain.TextValue("腹部饰弦纹")}),
		partial("M1:1", "M2", 1.0, domain.FieldMap{"description": domain.TextValue("口微敛")}),
	}

	policy := Policy{DescriptiveFields: []string{"description"}}
	results, _ := Merge(partials, potteryTemplate(), policy)
	require.Len(t, results, 1)
	assert.Equal(t, domain.TextValue("口微敛 | 腹部饰弦纹"), results[0].Fields["description"])
}

func TestPrepareExpandsCodeRanges(t *testing.T) {
	partials := Prepare([]domain.PartialRecord{
		partial("M7:1~3", "M7", 1.0, domain.FieldMap{"subtype": domain.TextValue("玉珠")}),
	})

	require.Len(t, partials, 3)
	assert.Equal(t, "M7:1", partials[0].Code)
	assert.Equal(t, "M7:2", partials[1].Code)
	assert.Equal(t, "M7:3", partials[2].Code)
	for _, p := range partials {
		assert.Equal(t, domain.TextValue("玉珠"), p.Fields["subtype"])
	}
}

func TestPrepareExpandsSubNumberedRanges(t *testing.T) {
	partials := Prepare([]domain.PartialRecord{
		partial("M7:63-1～3", "M7", 1.0, nil),
	})

	require.Len(t, partials, 3)
	assert.Equal(t, "M7:63-1", partials[0].Code)
	assert.Equal(t, "M7:63-3", partials[2].Code)
}

func TestPrepareExpandsEnumeratedLists(t *testing.T) {
	partials := Prepare([]domain.PartialRecord{
		partial("M7:1、3、5", "M7", 1.0, nil),
	})

	require.Len(t, partials, 3)
	assert.Equal(t, "M7:1", partials[0].Code)
	assert.Equal(t, "M7:3", partials[1].Code)
	assert.Equal(t, "M7:5", partials[2].Code)
}

func TestPrepareNormalizesUnitNames(t *testing.T) {
	partials := Prepare([]domain.PartialRecord{
		partial("M6:2", "六号墓", 1.0, nil),
		partial("M6:3", "6号墓", 1.0, nil),
		partial("", "remainder", 1.0, nil),
	})

	assert.Equal(t, "M6", partials[0].Unit)
	assert.Equal(t, "M6", partials[1].Unit)
	assert.Equal(t, "remainder", partials[2].Unit)
}
