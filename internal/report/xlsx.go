package report

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// RecordsSheet is the name of the workbook sheet holding collected records.
const RecordsSheet = "Records"

// maxSheetName is the Excel limit on sheet name length.
const maxSheetName = 31

// WriteXLSX saves a workbook with a Records sheet followed by one sheet per
// aggregate.
func WriteXLSX(path string, res *model.SessionResult) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(RecordsSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add records sheet")
	}
	recs, prov := exportRows(res)
	cols := columns(recs)

	header := sheet.AddRow()
	if prov != nil {
		header.AddCell().SetString(ProvenanceColumn)
	}
	for _, name := range cols {
		header.AddCell().SetString(name)
	}
	for i, r := range recs {
		row := sheet.AddRow()
		if prov != nil {
			row.AddCell().SetString(string(prov[i]))
		}
		for _, name := range cols {
			cell := row.AddCell()
			if name == model.FieldComputedAmount || name == model.FieldComputedQuantity {
				if v, ok := r.Number(name); ok {
					cell.SetFloat(v)
					continue
				}
			}
			cell.SetString(r.Text(name))
		}
	}

	for _, name := range res.AggregateNames() {
		if err := addAggregateSheet(f, name, res.Aggregates[name]); err != nil {
			return err
		}
	}

	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

func addAggregateSheet(f *xlsx.File, name string, buckets []model.Bucket) error {
	title := name
	if len(title) > maxSheetName {
		title = title[:maxSheetName]
	}
	sheet, err := f.AddSheet(title)
	if err != nil {
		return eris.Wrapf(err, "xlsx: add sheet %s", title)
	}

	header := sheet.AddRow()
	for _, h := range []string{"key", "count", "sum", "sum_exact"} {
		header.AddCell().SetString(h)
	}
	for _, b := range buckets {
		row := sheet.AddRow()
		row.AddCell().SetString(b.Key)
		row.AddCell().SetInt(b.Count)
		row.AddCell().SetFloat(b.Sum)
		row.AddCell().SetString(b.SumExact)
	}
	return nil
}
