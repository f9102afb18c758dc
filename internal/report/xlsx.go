package report

import (
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/techplay/ab-cli/internal/model"
)

// maxSheetName is the Excel limit on worksheet name length.
const maxSheetName = 31

var xlsxHeader = []string{
	"Variant", "Assigned", "Share", "Impressions", "Clicks", "CTR", "Conversions", "CVR",
}

// WriteXLSX writes one worksheet per report to out.
func WriteXLSX(out io.Writer, reports []*ExperimentReport) error {
	f, err := BuildXLSX(reports)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(out), "report: write xlsx")
}

// SaveXLSX writes the workbook to path.
func SaveXLSX(path string, reports []*ExperimentReport) error {
	f, err := BuildXLSX(reports)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save xlsx %s", path)
}

// BuildXLSX lays the reports out as a workbook. Each sheet holds a header
// row, one row per variant and a totals row.
func BuildXLSX(reports []*ExperimentReport) (*xlsx.File, error) {
	if len(reports) == 0 {
		return nil, eris.New("report: no reports to export")
	}

	f := xlsx.NewFile()
	used := make(map[string]bool, len(reports))
	for _, rep := range reports {
		name := sheetName(rep.Experiment, used)
		sheet, err := f.AddSheet(name)
		if err != nil {
			return nil, eris.Wrapf(err, "report: add sheet for %s", rep.Experiment)
		}

		header := sheet.AddRow()
		for _, h := range xlsxHeader {
			header.AddCell().SetString(h)
		}
		for _, v := range rep.Variants {
			addStatsRow(sheet, v, rep.Share[v.Variant], true)
		}
		addStatsRow(sheet, rep.Totals, 0, false)
	}
	return f, nil
}

func addStatsRow(sheet *xlsx.Sheet, v model.VariantStats, share float64, withShare bool) {
	row := sheet.AddRow()
	row.AddCell().SetString(v.Variant)
	row.AddCell().SetInt(v.Assignments)
	if withShare {
		row.AddCell().SetFloatWithFormat(share, "0.0%")
	} else {
		row.AddCell()
	}
	row.AddCell().SetInt(v.Impressions)
	row.AddCell().SetInt(v.Clicks)
	row.AddCell().SetFloatWithFormat(v.ClickRate, "0.00%")
	row.AddCell().SetInt(v.Conversions)
	row.AddCell().SetFloatWithFormat(v.ConversionRate, "0.00%")
}

// sheetName makes key a valid, unique worksheet name.
func sheetName(key string, used map[string]bool) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, key)
	if name == "" {
		name = "experiment"
	}
	name = truncateRunes(name, maxSheetName)

	base := name
	for i := 2; used[name]; i++ {
		suffix := "~" + strconv.Itoa(i)
		name = truncateRunes(base, maxSheetName-len(suffix)) + suffix
	}
	used[name] = true
	return name
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
