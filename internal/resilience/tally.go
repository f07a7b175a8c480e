package resilience

import (
	"sort"
	"sync"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// FailureTally records per-item failures: a count per failure kind plus a
// bounded sample of individual failures for diagnostics. Safe for concurrent use.
type FailureTally struct {
	mu         sync.Mutex
	byKind     map[model.FailureKind]int
	samples    []model.FailureSample
	maxSamples int
}

// NewFailureTally creates a tally keeping at most maxSamples samples.
func NewFailureTally(maxSamples int) *FailureTally {
	if maxSamples < 0 {
		maxSamples = 0
	}
	return &FailureTally{
		byKind:     make(map[model.FailureKind]int),
		maxSamples: maxSamples,
	}
}

// Record counts one failed outcome. Successful results are ignored.
func (t *FailureTally) Record(item model.WorkItem, res model.FetchResult) {
	if res.OK() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKind[res.Failure]++
	if len(t.samples) < t.maxSamples {
		t.samples = append(t.samples, model.FailureSample{
			ItemID:  item.ID,
			Kind:    item.Kind,
			Failure: res.Failure,
			Message: res.Message,
		})
	}
}

// Total returns the number of failures recorded.
func (t *FailureTally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.byKind {
		n += c
	}
	return n
}

// ByKind returns a copy of the per-kind counts.
func (t *FailureTally) ByKind() map[model.FailureKind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.FailureKind]int, len(t.byKind))
	for k, v := range t.byKind {
		out[k] = v
	}
	return out
}

// Samples returns a copy of the retained samples in recording order.
func (t *FailureTally) Samples() []model.FailureSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.FailureSample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Kinds returns the recorded failure kinds sorted by descending count.
func (t *FailureTally) Kinds() []model.FailureKind {
	counts := t.ByKind()
	kinds := make([]model.FailureKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
