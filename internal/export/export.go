// Package export writes measurement statistics to XLSX workbooks for the
// operations team.
package export

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/store"
)

// statusColumns fixes the per-status column order in the providers sheet.
var statusColumns = []model.OrderStatus{
	model.StatusPending,
	model.StatusOrdered,
	model.StatusProcessing,
	model.StatusDelivered,
	model.StatusFailed,
	model.StatusCancelled,
}

// WriteStats writes report statistics to an XLSX workbook at path.
func WriteStats(path string, stats *store.ReportStats) error {
	f, err := BuildStatsWorkbook(stats)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save workbook")
	}
	return nil
}

// BuildStatsWorkbook builds the statistics workbook in memory.
func BuildStatsWorkbook(stats *store.ReportStats) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	header := summary.AddRow()
	header.AddCell().Value = "Total Reports"
	header.AddCell().Value = "Providers"
	row := summary.AddRow()
	row.AddCell().SetInt(stats.Total)
	row.AddCell().SetInt(len(stats.Providers))

	providers, err := f.AddSheet("Providers")
	if err != nil {
		return nil, eris.Wrap(err, "export: add providers sheet")
	}
	head := providers.AddRow()
	head.AddCell().Value = "Provider"
	for _, s := range statusColumns {
		head.AddCell().Value = string(s)
	}
	head.AddCell().Value = "Avg Area (sqft)"
	head.AddCell().Value = "Avg Squares"
	head.AddCell().Value = "Avg Facets"

	for _, p := range stats.Providers {
		r := providers.AddRow()
		r.AddCell().Value = string(p.Provider)
		for _, s := range statusColumns {
			r.AddCell().SetInt(p.CountsByStatus[s])
		}
		r.AddCell().SetFloat(p.AvgArea)
		r.AddCell().SetFloat(p.AvgSquares)
		r.AddCell().SetFloat(p.AvgFacets)
	}

	return f, nil
}
