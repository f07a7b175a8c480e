// Package collector runs collection sessions: enumerate work items, fan out
// remote fetches through bounded pools, join and enrich where a plan needs
// it, then aggregate.
package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/aggregate"
	"github.com/sells-group/cloudcost-cli/internal/cache"
	"github.com/sells-group/cloudcost-cli/internal/config"
	"github.com/sells-group/cloudcost-cli/internal/dispatch"
	"github.com/sells-group/cloudcost-cli/internal/join"
	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
	"github.com/sells-group/cloudcost-cli/internal/resilience"
)

// Pools sizes the worker pool of each fan-out call site.
type Pools struct {
	Metadata     int
	Compartments int
	Namespaces   int
	Bulk         int
	Metrics      int
}

// PoolsFromConfig copies pool sizes from configuration.
func PoolsFromConfig(w config.WorkersConfig) Pools {
	return Pools{
		Metadata:     w.Metadata,
		Compartments: w.Compartments,
		Namespaces:   w.Namespaces,
		Bulk:         w.Bulk,
		Metrics:      w.Metrics,
	}
}

// Options configures a Collector.
type Options struct {
	Pools Pools
	// Reuse serves cache entries written by earlier sessions.
	Reuse           bool
	TopN            int
	FailureSamples  int
	AuditSampleSize int
	// Deadline bounds a whole session. Zero means no deadline.
	Deadline   time.Duration
	Duplicates join.DuplicatePolicy
	// FlushTimeout bounds the cache flush at session end. Zero means 30s.
	FlushTimeout  time.Duration
	OnStateChange func(from, to model.SessionState)
	OnProgress    func(pool string, p dispatch.Progress)
}

// Collector runs sessions against one remote platform.
type Collector struct {
	client  remote.Client
	enum    remote.Enumerator
	backend cache.Backend
	opts    Options
}

// New creates a Collector. enum may be nil for kinds that do not enumerate
// compartments; backend may be nil to disable persistence.
func New(client remote.Client, enum remote.Enumerator, backend cache.Backend, opts Options) *Collector {
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.FailureSamples <= 0 {
		opts.FailureSamples = 20
	}
	if opts.AuditSampleSize <= 0 {
		opts.AuditSampleSize = 1000
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	return &Collector{client: client, enum: enum, backend: backend, opts: opts}
}

// session is the mutable state of one Run. Dispatch callbacks run on a single
// goroutine, so the counters need no locking.
type session struct {
	c      *Collector
	params model.QueryParams
	res    *model.SessionResult
	tally  *resilience.FailureTally
	caches map[string]*cache.Cache
	log    *zap.Logger
}

// Run executes one collection session and always returns a result: DONE
// (possibly Partial) or FAILED with a reason.
func (c *Collector) Run(ctx context.Context, kind model.CollectionKind, params model.QueryParams) *model.SessionResult {
	res := &model.SessionResult{
		ID:         uuid.New().String(),
		Kind:       kind,
		Params:     params,
		StartedAt:  time.Now().UTC(),
		Aggregates: map[string][]model.Bucket{},
	}
	s := &session{
		c:      c,
		params: params,
		res:    res,
		tally:  resilience.NewFailureTally(c.opts.FailureSamples),
		caches: map[string]*cache.Cache{},
		log: zap.L().With(
			zap.String("component", "collector.session"),
			zap.String("session_id", res.ID),
			zap.String("kind", string(kind)),
		),
	}

	if c.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Deadline)
		defer cancel()
	}

	s.transition(model.SessionEnumerating)
	var err error
	switch kind {
	case model.CollectCost:
		err = s.collectCost(ctx)
	case model.CollectTags:
		err = s.collectTags(ctx)
	case model.CollectAudit:
		err = s.collectAudit(ctx)
	case model.CollectRules:
		err = s.collectRules(ctx)
	case model.CollectRecommendations:
		err = s.collectRecommendations(ctx)
	case model.CollectMetrics:
		err = s.collectMetrics(ctx)
	default:
		err = s.enumerationFailed(eris.Errorf("collector: unknown collection kind %q", kind))
	}
	s.finish(ctx, err)
	return res
}

func (s *session) transition(to model.SessionState) {
	from := s.res.State
	if from == to {
		return
	}
	if from.Terminal() {
		s.log.Warn("ignoring transition out of terminal state", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	s.res.State = to
	s.log.Info("session state", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.c.opts.OnStateChange != nil {
		s.c.opts.OnStateChange(from, to)
	}
}

// enumerationFailed records a fatal enumeration failure.
func (s *session) enumerationFailed(err error) error {
	s.res.FailuresByKind = map[model.FailureKind]int{model.FailureEnumeration: 1}
	return eris.Wrap(err, "enumeration failed")
}

func (s *session) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.res.Warnings = append(s.res.Warnings, msg)
	s.log.Warn(msg)
}

func (s *session) finish(ctx context.Context, err error) {
	s.flushCaches(ctx)

	s.res.FailureCount = s.tally.Total()
	if byKind := s.tally.ByKind(); len(byKind) > 0 {
		if s.res.FailuresByKind == nil {
			s.res.FailuresByKind = map[model.FailureKind]int{}
		}
		for k, n := range byKind {
			s.res.FailuresByKind[k] += n
		}
	}
	s.res.FailureSamples = s.tally.Samples()
	s.res.FinishedAt = time.Now().UTC()

	if err != nil {
		s.res.FailureReason = err.Error()
		s.res.Records = nil
		s.res.Joined = nil
		s.res.Aggregates = nil
		s.res.Partial = false
		s.transition(model.SessionFailed)
		s.log.Error("session failed", zap.Error(err))
		return
	}
	s.transition(model.SessionDone)
	s.log.Info("session complete",
		zap.Int("items_total", s.res.ItemsTotal),
		zap.Int("success", s.res.SuccessCount),
		zap.Int("failed", s.res.FailureCount),
		zap.Int("skipped", s.res.SkippedCount),
		zap.Int("cache_hits", s.res.CacheHits),
		zap.Any("failure_kinds", s.tally.Kinds()),
		zap.Bool("partial", s.res.Partial),
		zap.Duration("duration", s.res.Duration()),
	)
}

// cacheFor opens a named cache once per session. A load failure degrades to
// an empty cache and a warning.
func (s *session) cacheFor(ctx context.Context, name string) *cache.Cache {
	if ch, ok := s.caches[name]; ok {
		return ch
	}
	ch, err := cache.Open(ctx, s.c.backend, name, s.c.opts.Reuse)
	if err != nil {
		s.warn("%s: cache %s unavailable, fetching everything: %v", model.FailureCacheIO, name, err)
	}
	s.caches[name] = ch
	return ch
}

// flushCaches persists every cache. The flush runs even after the session
// deadline, under its own bound.
func (s *session) flushCaches(ctx context.Context) {
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.opts.FlushTimeout)
	defer cancel()
	for _, name := range names {
		ch := s.caches[name]
		s.log.Info("cache usage",
			zap.String("cache", name),
			zap.Int("entries", ch.Len()),
			zap.Int64("hits", ch.Hits()),
			zap.Int64("misses", ch.Misses()),
		)
		if err := ch.Flush(flushCtx); err != nil {
			s.warn("%s: %v", model.FailureCacheIO, err)
		}
	}
}

// stage is one fan-out over a homogeneous item set.
type stage struct {
	pool      string
	workers   int
	items     []model.WorkItem
	cacheName string
	params    model.QueryParams
}

// fetched holds the successful records of a stage by item key.
type fetched struct {
	items []model.WorkItem
	recs  map[string][]model.Record
}

func (f fetched) records(item model.WorkItem) []model.Record {
	return f.recs[item.Key()]
}

// all returns every successful record in item order.
func (f fetched) all() []model.Record {
	var out []model.Record
	for _, item := range f.items {
		out = append(out, f.recs[item.Key()]...)
	}
	return out
}

// fetch runs a stage through the dispatcher. Successful results are cached;
// per-item failures are tallied and never abort the session.
func (s *session) fetch(ctx context.Context, st stage) fetched {
	out := fetched{items: st.items, recs: make(map[string][]model.Record, len(st.items))}
	s.res.ItemsTotal += len(st.items)
	if len(st.items) == 0 {
		return out
	}

	ch := s.cacheFor(ctx, st.cacheName)
	op := func(ctx context.Context, item model.WorkItem) model.FetchResult {
		key := cache.Key(item, st.params)
		if recs, ok := ch.GetRecords(key); ok {
			r := model.Success(recs...)
			r.FromCache = true
			return r
		}
		r := s.c.client.Fetch(ctx, item, st.params)
		if r.OK() {
			if err := ch.PutRecords(key, r.Records); err != nil {
				s.log.Debug("cache put failed", zap.String("key", key), zap.Error(err))
			}
		}
		return r
	}

	var onProgress func(dispatch.Progress)
	if s.c.opts.OnProgress != nil {
		onProgress = func(p dispatch.Progress) { s.c.opts.OnProgress(st.pool, p) }
	}

	report := dispatch.Run(ctx, st.items, op, dispatch.Options{
		Name:       st.pool,
		MaxWorkers: st.workers,
		OnProgress: onProgress,
		OnResult: func(o model.Outcome) {
			if !o.Result.OK() {
				s.tally.Record(o.Item, o.Result)
				return
			}
			s.res.SuccessCount++
			if o.Result.FromCache {
				s.res.CacheHits++
			}
			out.recs[o.Item.Key()] = o.Result.Records
		},
	})

	s.res.SkippedCount += report.Skipped
	if report.Partial {
		s.res.Partial = true
	}
	return out
}

// aggregate runs specs over records into the session result.
func (s *session) aggregate(records []model.Record, specs ...aggregate.Spec) {
	for name, buckets := range aggregate.Run(records, specs) {
		s.res.Aggregates[name] = buckets
	}
}

// rangeless returns the session params without the date range, for data
// that does not vary by period.
func (s *session) rangeless() model.QueryParams {
	p := s.params
	p.From, p.To = time.Time{}, time.Time{}
	return p
}

// compartments enumerates the root compartment and its active subtree.
func (s *session) compartments(ctx context.Context) ([]model.WorkItem, error) {
	if s.c.enum == nil {
		return nil, s.enumerationFailed(eris.New("collector: no compartment enumerator configured"))
	}
	items, err := s.c.enum.ListCompartments(ctx, s.params.TenancyID)
	if err != nil {
		return nil, s.enumerationFailed(err)
	}
	s.log.Info("compartments enumerated", zap.Int("count", len(items)))
	return items, nil
}

func retag(items []model.WorkItem, kind model.ItemKind) []model.WorkItem {
	out := make([]model.WorkItem, len(items))
	for i, item := range items {
		out[i] = item.WithKind(kind)
	}
	return out
}
