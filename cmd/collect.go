package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/collector"
	"github.com/sells-group/cloudcost-cli/internal/join"
	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
	"github.com/sells-group/cloudcost-cli/internal/report"
	"github.com/sells-group/cloudcost-cli/internal/store"
)

var collectFlags struct {
	from                string
	to                  string
	deadline            time.Duration
	reuseCache          bool
	keepDuplicates      bool
	formats             []string
	workersMetadata     int
	workersCompartments int
	workersNamespaces   int
	workersBulk         int
	workersMetrics      int
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run collection sessions against the tenancy",
	Long:  "Each subcommand runs one collection session: enumerate work items, fetch them through bounded worker pools, join and aggregate, then persist the summary and write reports.",
}

func init() {
	f := collectCmd.PersistentFlags()
	f.StringVar(&collectFlags.from, "from", "", "start date (YYYY-MM-DD, inclusive)")
	f.StringVar(&collectFlags.to, "to", "", "end date (YYYY-MM-DD, exclusive)")
	f.DurationVar(&collectFlags.deadline, "deadline", 0, "overall session deadline; unfinished items are reported as skipped (0 = none)")
	f.BoolVar(&collectFlags.reuseCache, "reuse-cache", false, "serve results cached by earlier sessions")
	f.BoolVar(&collectFlags.keepDuplicates, "keep-duplicates", false, "emit superseded usage rows as DUPLICATE records instead of dropping them")
	f.StringSliceVar(&collectFlags.formats, "formats", nil, "report formats: csv, xlsx, json, yaml, text (default from config)")
	f.IntVar(&collectFlags.workersMetadata, "workers-metadata", 0, "instance metadata pool size (default from config)")
	f.IntVar(&collectFlags.workersCompartments, "workers-compartments", 0, "per-compartment pool size (default from config)")
	f.IntVar(&collectFlags.workersNamespaces, "workers-namespaces", 0, "tag namespace pool size (default from config)")
	f.IntVar(&collectFlags.workersBulk, "workers-bulk", 0, "bulk usage query pool size (default from config)")
	f.IntVar(&collectFlags.workersMetrics, "workers-metrics", 0, "monitoring metric query pool size (default from config)")

	for _, kind := range model.AllCollectionKinds() {
		collectCmd.AddCommand(collectKindCmd(kind))
	}
	collectCmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every collection kind in sequence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd.Context(), model.AllCollectionKinds())
		},
	})
	rootCmd.AddCommand(collectCmd)
}

var kindDescriptions = map[model.CollectionKind]string{
	model.CollectCost:            "Cost joined with usage, enriched with instance metadata and tags",
	model.CollectTags:            "Tag definitions, tag defaults and cost by tag",
	model.CollectAudit:           "Audit events per compartment",
	model.CollectRules:           "Event rules per compartment",
	model.CollectRecommendations: "Optimizer recommendations, estimated savings and suggested actions",
	model.CollectMetrics:         "Performance metrics per monitoring namespace for the date range",
}

func collectKindCmd(kind model.CollectionKind) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind),
		Short: kindDescriptions[kind],
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd.Context(), []model.CollectionKind{kind})
		},
	}
}

// applyCollectFlags overrides configuration with explicitly set flags.
func applyCollectFlags() {
	if collectFlags.reuseCache {
		cfg.Cache.Reuse = true
	}
	if len(collectFlags.formats) > 0 {
		cfg.Report.Formats = collectFlags.formats
	}
	for _, o := range []struct {
		flag int
		dst  *int
	}{
		{collectFlags.workersMetadata, &cfg.Workers.Metadata},
		{collectFlags.workersCompartments, &cfg.Workers.Compartments},
		{collectFlags.workersNamespaces, &cfg.Workers.Namespaces},
		{collectFlags.workersBulk, &cfg.Workers.Bulk},
		{collectFlags.workersMetrics, &cfg.Workers.Metrics},
	} {
		if o.flag > 0 {
			*o.dst = o.flag
		}
	}
}

// queryParams builds session parameters from configuration and the date
// flags. Both dates or neither must be given.
func queryParams(from, to string) (model.QueryParams, error) {
	p := model.QueryParams{
		TenancyID:        cfg.Tenancy.ID,
		HomeRegion:       cfg.Tenancy.HomeRegion,
		Granularity:      cfg.Query.Granularity,
		CompartmentDepth: cfg.Query.CompartmentDepth,
	}
	switch {
	case from == "" && to == "":
		return p, nil
	case from == "" || to == "":
		return p, eris.New("collect: --from and --to must be given together")
	}
	f, t, err := model.ParseDateRange(from, to)
	if err != nil {
		return p, eris.Wrap(err, "collect")
	}
	p.From, p.To = f, t
	return p, nil
}

func runCollect(ctx context.Context, kinds []model.CollectionKind) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyCollectFlags()
	if err := cfg.Validate("collect"); err != nil {
		return err
	}
	params, err := queryParams(collectFlags.from, collectFlags.to)
	if err != nil {
		return err
	}

	client := remote.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token,
		remote.WithTimeouts(cfg.API.ItemTimeout(), cfg.API.BulkTimeout(), cfg.API.AuditTimeout()),
		remote.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		remote.WithPageSize(cfg.API.PageSize),
	)

	backend, err := initCache(ctx)
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	st, err := initStore(ctx)
	if err != nil {
		zap.L().Warn("run history unavailable, sessions will not be recorded", zap.Error(err))
	} else {
		defer st.Close() //nolint:errcheck
	}

	dup := join.DuplicateLastWriteWins
	if collectFlags.keepDuplicates {
		dup = join.DuplicateKeep
	}
	c := collector.New(client, client, backend, collector.Options{
		Pools:           collector.PoolsFromConfig(cfg.Workers),
		Reuse:           cfg.Cache.Reuse,
		TopN:            cfg.Report.TopN,
		FailureSamples:  cfg.Report.FailureSamples,
		AuditSampleSize: cfg.Query.AuditSampleSize,
		Deadline:        collectFlags.deadline,
		Duplicates:      dup,
	})

	_, err = collectSessions(ctx, c, st, kinds, params, os.Stdout)
	return err
}

// collectSessions runs one session per kind, records each in the run store
// and writes its reports. Store and report failures are logged and never
// change a session's outcome. The returned error counts FAILED sessions.
func collectSessions(ctx context.Context, c *collector.Collector, st store.Store, kinds []model.CollectionKind, params model.QueryParams, out io.Writer) ([]*model.SessionResult, error) {
	results := make([]*model.SessionResult, 0, len(kinds))
	failed := 0
	for _, kind := range kinds {
		res := c.Run(ctx, kind, params)
		results = append(results, res)
		if res.State == model.SessionFailed {
			failed++
		}

		log := zap.L().With(zap.String("session_id", res.ID), zap.String("kind", string(kind)))
		if st != nil {
			if err := st.SaveSession(context.WithoutCancel(ctx), res); err != nil {
				log.Warn("save session failed", zap.Error(err))
			}
		}
		paths, err := report.Write(cfg.Report.Dir, res, cfg.Report.Formats)
		if err != nil {
			log.Warn("write reports failed", zap.Error(err))
		}

		_, _ = fmt.Fprintln(out, res.Summary())
		for _, p := range paths {
			_, _ = fmt.Fprintf(out, "  %s\n", p)
		}
	}
	if failed > 0 {
		return results, eris.Errorf("collect: %d of %d sessions failed", failed, len(kinds))
	}
	return results, nil
}
