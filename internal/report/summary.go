package report

import (
	"encoding/json"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// WriteJSON writes the session summary (without records) as indented JSON.
func WriteJSON(w io.Writer, res *model.SessionResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(res), "report: encode json")
}

// WriteYAML writes the session summary (without records) as YAML.
func WriteYAML(w io.Writer, res *model.SessionResult) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return eris.Wrap(err, "report: encode yaml")
	}
	return eris.Wrap(enc.Close(), "report: close yaml")
}

// WriteSummary writes a human readable summary with grouped thousands.
func WriteSummary(w io.Writer, res *model.SessionResult) error {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	p.Fprintf(tw, "Session\t%s\n", res.ID)
	p.Fprintf(tw, "Kind\t%s\n", res.Kind)
	state := string(res.State)
	if res.Partial {
		state += " (partial)"
	}
	p.Fprintf(tw, "State\t%s\n", state)
	if res.FailureReason != "" {
		p.Fprintf(tw, "Reason\t%s\n", res.FailureReason)
	}
	if res.Params.HasRange() {
		p.Fprintf(tw, "Range\t%s to %s\n", res.Params.From.Format(model.DateLayout), res.Params.To.Format(model.DateLayout))
	}
	p.Fprintf(tw, "Duration\t%s\n", res.Duration().Round(time.Millisecond).String())
	p.Fprintf(tw, "Items\t%d total, %d ok, %d failed, %d skipped, %d from cache\n",
		res.ItemsTotal, res.SuccessCount, res.FailureCount, res.SkippedCount, res.CacheHits)
	p.Fprintf(tw, "Records\t%d\n", len(res.Records))
	if t := res.Tagging; t != nil {
		p.Fprintf(tw, "Tagging\t%d resources tagged, %d namespaces, %d tags\n", t.TaggedResources, t.Namespaces, t.Tags)
	}

	if len(res.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(res.FailuresByKind))
		for k := range res.FailuresByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		p.Fprintf(tw, "\nFailures\n")
		for _, k := range kinds {
			p.Fprintf(tw, "  %s\t%d\n", k, res.FailuresByKind[model.FailureKind(k)])
		}
	}
	if len(res.Warnings) > 0 {
		p.Fprintf(tw, "\nWarnings\n")
		for _, msg := range res.Warnings {
			p.Fprintf(tw, "  - %s\n", msg)
		}
	}

	for _, name := range res.AggregateNames() {
		p.Fprintf(tw, "\n%s\n", name)
		p.Fprintf(tw, "  key\tcount\tsum\n")
		for _, b := range res.Aggregates[name] {
			p.Fprintf(tw, "  %s\t%d\t%.2f\n", b.Key, b.Count, b.Sum)
		}
	}
	return eris.Wrap(tw.Flush(), "report: flush summary")
}
