package join

import (
	"encoding/json"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

var costKey = []string{model.FieldResourceID, model.FieldTimeUsageStarted}

func cost(id, day string, amount float64) model.Record {
	return model.NewRecord(map[string]any{
		model.FieldResourceID:       id,
		model.FieldTimeUsageStarted: day,
		model.FieldComputedAmount:   amount,
		model.FieldService:          "Compute",
	})
}

func usage(id, day, platform string) model.Record {
	return model.NewRecord(map[string]any{
		model.FieldResourceID:       id,
		model.FieldTimeUsageStarted: day,
		model.FieldPlatform:         platform,
		model.FieldRegion:           "us-phoenix-1",
	})
}

func signature(joined []model.JoinedRecord) []string {
	out := make([]string, len(joined))
	for i, j := range joined {
		b, _ := json.Marshal(j.Record)
		out[i] = string(j.Provenance) + " " + string(b)
	}
	sort.Strings(out)
	return out
}

func TestCompositeKey(t *testing.T) {
	t.Parallel()

	k, ok := CompositeKey(cost("r1", "2026-01-01", 1), costKey)
	require.True(t, ok)
	assert.Equal(t, Key("2:r110:2026-01-01"), k)

	_, ok = CompositeKey(model.NewRecord(map[string]any{model.FieldResourceID: "r1"}), costKey)
	assert.False(t, ok, "missing key field")

	_, ok = CompositeKey(cost("r1", "d", 1), nil)
	assert.False(t, ok)
}

func TestCompositeKey_PartsDoNotRunTogether(t *testing.T) {
	t.Parallel()

	fields := []string{"a", "b"}
	left := model.NewRecord(map[string]any{"a": "x\x1fy", "b": "z"})
	right := model.NewRecord(map[string]any{"a": "x", "b": "y\x1fz"})

	lk, _ := CompositeKey(left, fields)
	rk, _ := CompositeKey(right, fields)
	assert.NotEqual(t, lk, rk)

	s := Count(Join([]model.Record{left}, []model.Record{right}, Spec{LeftKey: fields}))
	assert.Equal(t, Stats{LeftOnly: 1, RightOnly: 1}, s)
}

func TestJoin_Provenance(t *testing.T) {
	t.Parallel()

	left := []model.Record{cost("r1", "d1", 10), cost("r2", "d1", 20)}
	right := []model.Record{
		usage("r1", "d1", "x86").With(model.FieldService, "ignored"),
		usage("r3", "d1", "arm"),
	}

	joined := Join(left, right, Spec{LeftKey: costKey})
	require.Len(t, joined, 3)

	assert.Equal(t, model.ProvenanceMatched, joined[0].Provenance)
	assert.Equal(t, "x86", joined[0].Record.Platform)
	assert.Equal(t, "Compute", joined[0].Record.Service, "left wins on collision")
	amount, ok := joined[0].Record.Number(model.FieldComputedAmount)
	require.True(t, ok)
	assert.InDelta(t, 10.0, amount, 1e-9)

	assert.Equal(t, model.ProvenanceLeftOnly, joined[1].Provenance)
	assert.Equal(t, "r2", joined[1].Record.ResourceID)
	assert.Equal(t, model.ProvenanceRightOnly, joined[2].Provenance)
	assert.Equal(t, "r3", joined[2].Record.ResourceID)

	assert.Equal(t, Stats{Matched: 1, LeftOnly: 1, RightOnly: 1}, Count(joined))
}

func TestJoin_PermutationInvariant(t *testing.T) {
	t.Parallel()

	var left, right []model.Record
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if i%3 != 2 {
			left = append(left, cost(id, "d1", float64(i)))
		}
		if i%2 == 0 {
			right = append(right, usage(id, "d1", "x86"))
		}
	}
	want := signature(Join(left, right, Spec{LeftKey: costKey}))

	rng := rand.New(rand.NewPCG(1, 2))
	for range 10 {
		l := append([]model.Record(nil), left...)
		r := append([]model.Record(nil), right...)
		rng.Shuffle(len(l), func(i, j int) { l[i], l[j] = l[j], l[i] })
		rng.Shuffle(len(r), func(i, j int) { r[i], r[j] = r[j], r[i] })
		assert.Equal(t, want, signature(Join(l, r, Spec{LeftKey: costKey})))
	}
}

func TestJoin_SideSwapMirrorsProvenance(t *testing.T) {
	t.Parallel()

	left := []model.Record{cost("a", "d1", 1), cost("b", "d1", 2)}
	right := []model.Record{usage("b", "d1", "x86"), usage("c", "d1", "arm")}

	ab := Count(Join(left, right, Spec{LeftKey: costKey}))
	ba := Count(Join(right, left, Spec{LeftKey: costKey}))
	assert.Equal(t, ab.Matched, ba.Matched)
	assert.Equal(t, ab.LeftOnly, ba.RightOnly)
	assert.Equal(t, ab.RightOnly, ba.LeftOnly)
}

func TestJoin_CountsCoverKeyUnion(t *testing.T) {
	t.Parallel()

	left := []model.Record{cost("a", "d1", 1), cost("a", "d2", 1), cost("b", "d1", 1), cost("c", "d1", 1)}
	right := []model.Record{usage("a", "d2", "x"), usage("c", "d1", "x"), usage("d", "d1", "x"), usage("e", "d3", "x")}

	union := map[Key]bool{}
	for _, r := range append(append([]model.Record(nil), left...), right...) {
		k, _ := CompositeKey(r, costKey)
		union[k] = true
	}

	s := Count(Join(left, right, Spec{LeftKey: costKey}))
	assert.Equal(t, len(union), s.Matched+s.LeftOnly+s.RightOnly)
	assert.Equal(t, 2, s.Matched)
}

func TestJoin_Duplicates(t *testing.T) {
	t.Parallel()

	left := []model.Record{cost("a", "d1", 1)}
	right := []model.Record{usage("a", "d1", "first"), usage("a", "d1", "second")}

	lww := Join(left, right, Spec{LeftKey: costKey})
	require.Len(t, lww, 1)
	assert.Equal(t, "second", lww[0].Record.Platform)

	kept := Join(left, right, Spec{LeftKey: costKey, Duplicates: DuplicateKeep})
	require.Len(t, kept, 2)
	assert.Equal(t, "second", kept[0].Record.Platform)
	assert.Equal(t, model.ProvenanceDuplicate, kept[1].Provenance)
	assert.Equal(t, "first", kept[1].Record.Platform)
	assert.Equal(t, 1, Count(kept).Duplicates)
}

func TestJoin_LeftDuplicatesAllMatch(t *testing.T) {
	t.Parallel()

	left := []model.Record{
		cost("a", "d1", 1).With(model.FieldSkuName, "ocpu"),
		cost("a", "d1", 2).With(model.FieldSkuName, "memory"),
	}
	joined := Join(left, []model.Record{usage("a", "d1", "x86")}, Spec{LeftKey: costKey})
	require.Len(t, joined, 2)
	for _, j := range joined {
		assert.Equal(t, model.ProvenanceMatched, j.Provenance)
		assert.Equal(t, "x86", j.Record.Platform)
	}
}

func TestJoin_KeylessRecordsNeverMatch(t *testing.T) {
	t.Parallel()

	noKey := model.NewRecord(map[string]any{model.FieldService: "Support"})
	joined := Join([]model.Record{noKey}, []model.Record{noKey}, Spec{LeftKey: costKey})
	require.Len(t, joined, 2)
	assert.Equal(t, model.ProvenanceLeftOnly, joined[0].Provenance)
	assert.Equal(t, model.ProvenanceRightOnly, joined[1].Provenance)
}

func TestJoin_RightFieldsProjection(t *testing.T) {
	t.Parallel()

	right := usage("a", "d1", "x86").With("skuPartNumber", "B93113").With("noise", "drop me")
	joined := Join([]model.Record{cost("a", "d1", 1)}, []model.Record{right}, Spec{
		LeftKey:     costKey,
		RightFields: []string{model.FieldPlatform, model.FieldSkuPartNumber},
	})
	require.Len(t, joined, 1)
	rec := joined[0].Record
	assert.Equal(t, "x86", rec.Platform)
	assert.Equal(t, "B93113", rec.SkuPartNumber)
	assert.Empty(t, rec.Region)
	_, ok := rec.Get("noise")
	assert.False(t, ok)
}

func TestRecords(t *testing.T) {
	t.Parallel()

	joined := Join([]model.Record{cost("a", "d1", 1)}, nil, Spec{LeftKey: costKey})
	recs := Records(joined)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ResourceID)
}
