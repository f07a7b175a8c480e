package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    SessionState
		want     string
		terminal bool
	}{
		{SessionEnumerating, "ENUMERATING", false},
		{SessionFetching, "FETCHING", false},
		{SessionJoining, "JOINING", false},
		{SessionAggregating, "AGGREGATING", false},
		{SessionDone, "DONE", true},
		{SessionFailed, "FAILED", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.state))
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestParseCollectionKind(t *testing.T) {
	t.Parallel()

	k, ok := ParseCollectionKind(" Cost ")
	assert.True(t, ok)
	assert.Equal(t, CollectCost, k)

	k, ok = ParseCollectionKind("metrics")
	assert.True(t, ok)
	assert.Equal(t, CollectMetrics, k)

	_, ok = ParseCollectionKind("billing")
	assert.False(t, ok)
}

func TestSessionResult_Summary(t *testing.T) {
	t.Parallel()

	failed := &SessionResult{ID: "s1", Kind: CollectTags, State: SessionFailed, FailureReason: "list compartments: boom"}
	assert.Contains(t, failed.Summary(), "failed: list compartments: boom")

	empty := &SessionResult{ID: "s2", Kind: CollectAudit, State: SessionDone}
	assert.Contains(t, empty.Summary(), "found nothing")

	partial := &SessionResult{ID: "s3", Kind: CollectCost, State: SessionDone, ItemsTotal: 10, SuccessCount: 4, FailureCount: 1, SkippedCount: 5, Partial: true}
	assert.Contains(t, partial.Summary(), "4/10 items ok")
	assert.Contains(t, partial.Summary(), "(partial)")
}

func TestSessionResult_Duration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &SessionResult{StartedAt: start, FinishedAt: start.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.Zero(t, (&SessionResult{}).Duration())
}

func TestWorkItem_KeyAndWithKind(t *testing.T) {
	t.Parallel()

	item := NewWorkItem(ItemKindCompartment, "ocid1.compartment.oc1..x", "dev")
	assert.Equal(t, "compartment:ocid1.compartment.oc1..x", item.Key())

	audit := item.WithKind(ItemKindAuditEvents)
	assert.Equal(t, ItemKindAuditEvents, audit.Kind)
	assert.Equal(t, ItemKindCompartment, item.Kind)
	assert.Equal(t, item.ID, audit.ID)
}

func TestParseDateRange(t *testing.T) {
	t.Parallel()

	from, to, err := ParseDateRange("2026-01-01", "2026-02-01")
	require.NoError(t, err)
	p := QueryParams{From: from, To: to}
	assert.True(t, p.HasRange())
	assert.Equal(t, "2026-01-01..2026-02-01", p.RangeKey())

	_, _, err = ParseDateRange("2026-02-01", "2026-01-01")
	assert.Error(t, err)

	_, _, err = ParseDateRange("yesterday", "2026-01-01")
	assert.Error(t, err)

	assert.Empty(t, QueryParams{}.RangeKey())
}

func TestFailureKind_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, FailureTimeout.Retryable())
	assert.True(t, FailureRemoteError.Retryable())
	assert.False(t, FailureNotFound.Retryable())
	assert.False(t, FailureMalformedResponse.Retryable())
	assert.False(t, FailureCacheIO.Retryable())
}
