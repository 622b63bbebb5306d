package template

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/timmy/stratum/internal/domain"
)

func writeTemplate(t *testing.T, rows [][]string) string {
	t.Helper()

	f := excelize.NewFile()
	for i, row := range rows {
		for j, val := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cell, val))
		}
	}
	path := filepath.Join(t.TempDir(), "template.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestLoadReadsFieldsInOrder(t *testing.T) {
	path := writeTemplate(t, [][]string{
		{"字段名", "类型", "必填", "说明"},
		{"artifact_code", "text", "是", "器物编号"},
		{"clay_type", "text", "", "陶土种类"},
		{"height", "数值", "", "通高,厘米"},
	})

	tpl, err := Load(path, domain.KindPottery)
	require.NoError(t, err)

	assert.Equal(t, domain.KindPottery, tpl.Kind)
	assert.Equal(t, []string{"artifact_code", "clay_type", "height"}, tpl.FieldNames())

	code, ok := tpl.Lookup("artifact_code")
	require.True(t, ok)
	assert.True(t, code.Required)
	assert.Equal(t, FieldText, code.Type)

	height, ok := tpl.Lookup("height")
	require.True(t, ok)
	assert.Equal(t, FieldNumber, height.Type)

	assert.Equal(t, []string{"artifact_code"}, tpl.RequiredFields())
}

func TestLoadWithoutHeaderFallsBackToPositional(t *testing.T) {
	path := writeTemplate(t, [][]string{
		{"whatever", "other"},
		{"subtype", "text"},
		{"diameter", "number"},
	})

	tpl, err := Load(path, domain.KindJade)
	require.NoError(t, err)
	assert.Equal(t, []string{"subtype", "diameter"}, tpl.FieldNames())
}

func TestNormalizeDropsUnknownAndCoerces(t *testing.T) {
	tpl := New(domain.KindPottery, []Field{
		{Name: "artifact_code", Type: FieldText},
		{Name: "height", Type: FieldNumber},
		{Name: "color", Type: FieldText},
	})

	fields, unknown := tpl.Normalize(map[string]interface{}{
		"artifact_code": "M1:1",
		"height":        "高8.8厘米",
		"color":         "",
		"出土位置":          "墓底",
	})

	assert.Equal(t, []string{"出土位置"}, unknown)
	assert.Equal(t, domain.TextValue("M1:1"), fields["artifact_code"])
	assert.Equal(t, domain.NumberValue(8.8), fields["height"])
	assert.True(t, fields["color"].IsNull())
}

func TestNormalizeNumericFromJSONNumber(t *testing.T) {
	tpl := New(domain.KindPottery, []Field{{Name: "height", Type: FieldNumber}})

	fields, unknown := tpl.Normalize(map[string]interface{}{"height": 12.3})
	assert.Empty(t, unknown)
	assert.Equal(t, domain.NumberValue(12.3), fields["height"])
}
