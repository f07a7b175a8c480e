// Package store persists collection session summaries (run history).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// ErrNotFound is returned when a session id has no stored run.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind   model.CollectionKind `json:"kind,omitempty"`
	State  model.SessionState   `json:"state,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// Run is the row-level summary of a stored session.
type Run struct {
	ID            string               `json:"id"`
	Kind          model.CollectionKind `json:"kind"`
	State         model.SessionState   `json:"state"`
	Partial       bool                 `json:"partial"`
	FailureReason string               `json:"failure_reason,omitempty"`
	ItemsTotal    int                  `json:"items_total"`
	SuccessCount  int                  `json:"success_count"`
	FailureCount  int                  `json:"failure_count"`
	SkippedCount  int                  `json:"skipped_count"`
	CacheHits     int                  `json:"cache_hits"`
	WarningCount  int                  `json:"warning_count"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stats summarizes the run history.
type Stats struct {
	Total        int                          `json:"total"`
	Partial      int                          `json:"partial"`
	ByState      map[model.SessionState]int   `json:"by_state"`
	ByKind       map[model.CollectionKind]int `json:"by_kind"`
	LastFinished time.Time                    `json:"last_finished,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// SaveSession inserts or replaces a session summary and its buckets.
	SaveSession(ctx context.Context, res *model.SessionResult) error
	GetSession(ctx context.Context, id string) (*model.SessionResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	Stats(ctx context.Context) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}

// bucketColumns is the column order of run_buckets.
var bucketColumns = []string{"run_id", "aggregate", "rank", "key", "bucket_values", "count", "sum", "sum_exact"}

// bucketRows flattens the aggregates of a session into run_buckets rows in
// name then rank order.
func bucketRows(res *model.SessionResult) ([][]any, error) {
	var rows [][]any
	for _, name := range res.AggregateNames() {
		for rank, b := range res.Aggregates[name] {
			values, err := json.Marshal(b.Values)
			if err != nil {
				return nil, eris.Wrapf(err, "store: marshal bucket %s/%s", name, b.Key)
			}
			rows = append(rows, []any{res.ID, name, rank, b.Key, string(values), b.Count, b.Sum, b.SumExact})
		}
	}
	return rows, nil
}

// summaryJSON encodes the session without its aggregates, which live in
// run_buckets.
func summaryJSON(res *model.SessionResult) ([]byte, error) {
	cp := *res
	cp.Aggregates = nil
	b, err := json.Marshal(&cp)
	return b, eris.Wrap(err, "store: marshal session")
}

func decodeSummary(raw []byte) (*model.SessionResult, error) {
	var res model.SessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal session")
	}
	res.Aggregates = map[string][]model.Bucket{}
	return &res, nil
}

func decodeValues(raw string) []string {
	var values []string
	if raw == "" || json.Unmarshal([]byte(raw), &values) != nil {
		return nil
	}
	return values
}

func newStats() *Stats {
	return &Stats{
		ByState: map[model.SessionState]int{},
		ByKind:  map[model.CollectionKind]int{},
	}
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
