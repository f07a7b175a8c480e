// Package report writes session output files: collected records as CSV or
// XLSX, the session summary as JSON or YAML, and a human readable summary.
package report

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// Supported output formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// File names inside a session directory.
const (
	RecordsCSV    = "records.csv"
	AggregatesCSV = "aggregates.csv"
	WorkbookXLSX  = "report.xlsx"
	SummaryJSON   = "summary.json"
	SummaryYAML   = "summary.yaml"
	SummaryText   = "summary.txt"
)

// ProvenanceColumn is the leading column of joined record exports.
const ProvenanceColumn = "provenance"

// Write renders res into dir/<session-id>/ in each requested format and
// returns the written paths. Unknown formats are an error; nothing is written
// for a FAILED session except its summaries.
func Write(dir string, res *model.SessionResult, formats []string) ([]string, error) {
	if res == nil || res.ID == "" {
		return nil, eris.New("report: session has no id")
	}
	for _, f := range formats {
		if !knownFormat(f) {
			return nil, eris.Errorf("report: unsupported format %q", f)
		}
	}

	out := filepath.Join(dir, res.ID)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, eris.Wrapf(err, "report: create %s", out)
	}

	log := zap.L().With(zap.String("component", "report"), zap.String("session_id", res.ID))
	failed := res.State == model.SessionFailed

	var paths []string
	write := func(name string, fn func(io.Writer, *model.SessionResult) error) error {
		path := filepath.Join(out, name)
		if err := writeFile(path, func(w io.Writer) error { return fn(w, res) }); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	}

	for _, f := range dedupe(formats) {
		var err error
		switch strings.ToLower(f) {
		case FormatCSV:
			if failed {
				continue
			}
			if err = write(RecordsCSV, WriteCSV); err == nil {
				err = write(AggregatesCSV, WriteAggregatesCSV)
			}
		case FormatXLSX:
			if failed {
				continue
			}
			path := filepath.Join(out, WorkbookXLSX)
			if err = WriteXLSX(path, res); err == nil {
				paths = append(paths, path)
			}
		case FormatJSON:
			err = write(SummaryJSON, WriteJSON)
		case FormatYAML:
			err = write(SummaryYAML, WriteYAML)
		case FormatText:
			err = write(SummaryText, WriteSummary)
		}
		if err != nil {
			return paths, err
		}
	}

	log.Info("reports written", zap.String("dir", out), zap.Int("files", len(paths)))
	return paths, nil
}

func knownFormat(f string) bool {
	switch strings.ToLower(f) {
	case FormatCSV, FormatXLSX, FormatJSON, FormatYAML, FormatText:
		return true
	}
	return false
}

func dedupe(formats []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range formats {
		f = strings.ToLower(f)
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "report: create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "report: write %s", path)
	}
	return eris.Wrapf(f.Close(), "report: close %s", path)
}

// exportRows returns the records to export with their provenance. Joined
// records are preferred when the session produced them.
func exportRows(res *model.SessionResult) ([]model.Record, []model.Provenance) {
	if len(res.Joined) > 0 {
		recs := make([]model.Record, len(res.Joined))
		prov := make([]model.Provenance, len(res.Joined))
		for i, j := range res.Joined {
			recs[i], prov[i] = j.Record, j.Provenance
		}
		return recs, prov
	}
	return res.Records, nil
}

// columns returns the sorted union of the record field names.
func columns(recs []model.Record) []string {
	set := map[string]bool{}
	for _, r := range recs {
		for _, name := range r.Fields() {
			set[name] = true
		}
	}
	cols := make([]string, 0, len(set))
	for name := range set {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}
