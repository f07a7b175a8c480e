package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ItemKind tags what a WorkItem identifies upstream.
type ItemKind string

const (
	ItemKindCompartment     ItemKind = "compartment"
	ItemKindNamespace       ItemKind = "namespace"
	ItemKindResource        ItemKind = "resource"
	ItemKindUsageQuery      ItemKind = "usage_query"
	ItemKindTenancy         ItemKind = "tenancy"
	ItemKindTagDefinitions  ItemKind = "tag_definitions"
	ItemKindTagDefaults     ItemKind = "tag_defaults"
	ItemKindAuditEvents     ItemKind = "audit_events"
	ItemKindEventRules      ItemKind = "event_rules"
	ItemKindRecommendations ItemKind = "recommendations"
	ItemKindMetric          ItemKind = "metric"
)

// WorkItem is one unit of independent fan-out work. It is immutable once
// enumerated; pass it by value.
type WorkItem struct {
	ID    string   `json:"id"`
	Kind  ItemKind `json:"kind"`
	Label string   `json:"label,omitempty"` // human name (namespace name, compartment name)
}

// NewWorkItem builds a WorkItem.
func NewWorkItem(kind ItemKind, id, label string) WorkItem {
	return WorkItem{ID: id, Kind: kind, Label: label}
}

// Key returns the stable identity of the item, used for logging and as the
// base of cache keys.
func (w WorkItem) Key() string {
	return string(w.Kind) + ":" + w.ID
}

func (w WorkItem) String() string {
	if w.Label != "" {
		return fmt.Sprintf("%s %s (%s)", w.Kind, w.ID, w.Label)
	}
	return fmt.Sprintf("%s %s", w.Kind, w.ID)
}

// WithKind returns a copy of the item retagged for a different operation
// against the same upstream identity (e.g. a compartment used for audit
// event listing).
func (w WorkItem) WithKind(kind ItemKind) WorkItem {
	w.Kind = kind
	return w
}

// DateLayout is the day format accepted for query ranges.
const DateLayout = "2006-01-02"

// QueryParams parameterizes remote calls that take a date range.
type QueryParams struct {
	TenancyID        string    `json:"tenancy_id"`
	HomeRegion       string    `json:"home_region"`
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	Granularity      string    `json:"granularity"`
	CompartmentDepth int       `json:"compartment_depth"`
}

// HasRange reports whether a usable date range is set.
func (p QueryParams) HasRange() bool {
	return !p.From.IsZero() && !p.To.IsZero() && p.To.After(p.From)
}

// RangeKey returns a compact representation of the date range for cache keys.
// Items fetched without a range produce an empty key.
func (p QueryParams) RangeKey() string {
	if !p.HasRange() {
		return ""
	}
	return p.From.Format(DateLayout) + ".." + p.To.Format(DateLayout)
}

// ParseDateRange parses from/to in DateLayout. to must be after from.
func ParseDateRange(from, to string) (time.Time, time.Time, error) {
	f, err := time.Parse(DateLayout, strings.TrimSpace(from))
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid from date %q", from)
	}
	t, err := time.Parse(DateLayout, strings.TrimSpace(to))
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid to date %q", to)
	}
	if !t.After(f) {
		return time.Time{}, time.Time{}, eris.Errorf("to date %s must be after from date %s", to, from)
	}
	return f, t, nil
}
