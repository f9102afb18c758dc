package report

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/techplay/ab-cli/internal/model"
)

func sampleReports() []*ExperimentReport {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []*ExperimentReport{
		Build("cta_copy", []model.VariantStats{
			{Variant: "A", Assignments: 40, Impressions: 40, Clicks: 4, Conversions: 2},
			{Variant: "B", Assignments: 60, Impressions: 50, Clicks: 10, Conversions: 5},
		}, at),
		Build("hero/banner", []model.VariantStats{
			{Variant: "control", Assignments: 3},
		}, at),
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleReports()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	sheet := f.Sheets[0]
	assert.Equal(t, "cta_copy", sheet.Name)
	require.Len(t, sheet.Rows, 4) // header, A, B, totals
	assert.Equal(t, "Variant", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "B", sheet.Rows[2].Cells[0].String())

	assigned, err := sheet.Rows[2].Cells[1].Int()
	require.NoError(t, err)
	assert.Equal(t, 60, assigned)

	ctr, err := sheet.Rows[2].Cells[5].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, ctr, 0.0001)

	totals := sheet.Rows[3]
	assert.Equal(t, "total", totals.Cells[0].String())
	conv, err := totals.Cells[6].Int()
	require.NoError(t, err)
	assert.Equal(t, 7, conv)

	assert.Equal(t, "hero_banner", f.Sheets[1].Name)
}

func TestSaveXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, SaveXLSX(path, sampleReports()[:1]))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	assert.Len(t, f.Sheets[0].Rows, 4)
}

func TestBuildXLSX_Empty(t *testing.T) {
	_, err := BuildXLSX(nil)
	assert.Error(t, err)
}

func TestSheetName(t *testing.T) {
	used := map[string]bool{}
	long := strings.Repeat("x", 40)

	assert.Equal(t, "a_b_c", sheetName("a:b*c", used))
	first := sheetName(long, used)
	assert.Len(t, first, maxSheetName)
	second := sheetName(long, used)
	assert.Len(t, second, maxSheetName)
	assert.True(t, strings.HasSuffix(second, "~2"))
	assert.Equal(t, "experiment", sheetName("", used))
}
