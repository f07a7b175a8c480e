package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionState represents the current state of a collection session.
type SessionState string

const (
	SessionEnumerating SessionState = "ENUMERATING"
	SessionFetching    SessionState = "FETCHING"
	SessionJoining     SessionState = "JOINING"
	SessionAggregating SessionState = "AGGREGATING"
	SessionDone        SessionState = "DONE"
	SessionFailed      SessionState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionDone || s == SessionFailed
}

// CollectionKind selects which collection plan a session runs.
type CollectionKind string

const (
	CollectCost            CollectionKind = "cost"
	CollectTags            CollectionKind = "tags"
	CollectAudit           CollectionKind = "audit"
	CollectRules           CollectionKind = "rules"
	CollectRecommendations CollectionKind = "recommendations"
	CollectMetrics         CollectionKind = "metrics"
)

// AllCollectionKinds returns every collection kind in run order.
func AllCollectionKinds() []CollectionKind {
	return []CollectionKind{CollectCost, CollectTags, CollectAudit, CollectRules, CollectRecommendations, CollectMetrics}
}

// ParseCollectionKind validates a collection kind name.
func ParseCollectionKind(s string) (CollectionKind, bool) {
	k := CollectionKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCollectionKinds() {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// SessionResult is the final outcome of a collection session. A result is
// always one of: a full report, a partial report (Partial is true), or an
// explicit failure (State is FAILED and FailureReason is set).
type SessionResult struct {
	ID            string         `json:"id" yaml:"id"`
	Kind          CollectionKind `json:"kind" yaml:"kind"`
	State         SessionState   `json:"state" yaml:"state"`
	Partial       bool           `json:"partial" yaml:"partial"`
	FailureReason string         `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`

	ItemsTotal     int                 `json:"items_total" yaml:"items_total"`
	SuccessCount   int                 `json:"success_count" yaml:"success_count"`
	FailureCount   int                 `json:"failure_count" yaml:"failure_count"`
	SkippedCount   int                 `json:"skipped_count" yaml:"skipped_count"`
	CacheHits      int                 `json:"cache_hits" yaml:"cache_hits"`
	FailuresByKind map[FailureKind]int `json:"failures_by_kind,omitempty" yaml:"failures_by_kind,omitempty"`
	FailureSamples []FailureSample     `json:"failure_samples,omitempty" yaml:"failure_samples,omitempty"`
	Warnings       []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	Tagging *TagCoverage `json:"tagging,omitempty" yaml:"tagging,omitempty"`

	Records    []Record            `json:"-" yaml:"-"`
	Joined     []JoinedRecord      `json:"-" yaml:"-"`
	Aggregates map[string][]Bucket `json:"aggregates,omitempty" yaml:"aggregates,omitempty"`

	Params     QueryParams `json:"params" yaml:"-"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time   `json:"finished_at" yaml:"finished_at"`
}

// TagCoverage summarizes the resource tags applied during cost enrichment.
type TagCoverage struct {
	TaggedResources int `json:"tagged_resources" yaml:"tagged_resources"`
	Namespaces      int `json:"tag_namespaces" yaml:"tag_namespaces"`
	Tags            int `json:"tags" yaml:"tags"`
}

// Duration returns the wall time of the session.
func (r *SessionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AggregateNames returns the aggregate names in sorted order.
func (r *SessionResult) AggregateNames() []string {
	names := make([]string, 0, len(r.Aggregates))
	for name := range r.Aggregates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary returns a one-line human description of the outcome.
func (r *SessionResult) Summary() string {
	switch {
	case r.State == SessionFailed:
		return fmt.Sprintf("%s session %s failed: %s", r.Kind, r.ID, r.FailureReason)
	case r.ItemsTotal == 0:
		return fmt.Sprintf("%s session %s found nothing to collect", r.Kind, r.ID)
	}
	s := fmt.Sprintf("%s session %s: %d/%d items ok, %d failed, %d skipped, %d cache hits",
		r.Kind, r.ID, r.SuccessCount, r.ItemsTotal, r.FailureCount, r.SkippedCount, r.CacheHits)
	if r.Partial {
		s += " (partial)"
	}
	return s
}
