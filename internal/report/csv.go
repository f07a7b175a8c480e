package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// WriteCSV writes the session records, one column per field. Joined records
// carry a leading provenance column.
func WriteCSV(w io.Writer, res *model.SessionResult) error {
	recs, prov := exportRows(res)
	cols := columns(recs)

	cw := csv.NewWriter(w)
	header := cols
	if prov != nil {
		header = append([]string{ProvenanceColumn}, cols...)
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "report: csv header")
	}

	row := make([]string, len(header))
	for i, r := range recs {
		offset := 0
		if prov != nil {
			row[0] = string(prov[i])
			offset = 1
		}
		for j, name := range cols {
			row[offset+j] = r.Text(name)
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "report: csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: csv flush")
}

// WriteAggregatesCSV writes every bucket of every aggregate in rank order.
func WriteAggregatesCSV(w io.Writer, res *model.SessionResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"aggregate", "rank", "key", "count", "sum", "sum_exact"}); err != nil {
		return eris.Wrap(err, "report: csv header")
	}
	for _, name := range res.AggregateNames() {
		for i, b := range res.Aggregates[name] {
			if err := cw.Write([]string{
				name,
				strconv.Itoa(i + 1),
				b.Key,
				strconv.Itoa(b.Count),
				strconv.FormatFloat(b.Sum, 'f', -1, 64),
				b.SumExact,
			}); err != nil {
				return eris.Wrap(err, "report: csv row")
			}
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: csv flush")
}
