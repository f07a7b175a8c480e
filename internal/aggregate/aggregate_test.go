package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

func line(service, resource string, amount any) model.Record {
	fields := map[string]any{
		model.FieldService:    service,
		model.FieldResourceID: resource,
	}
	if amount != nil {
		fields[model.FieldComputedAmount] = amount
	}
	return model.NewRecord(fields)
}

func TestAggregate_SumsAndOrder(t *testing.T) {
	t.Parallel()

	recs := []model.Record{
		line("Compute", "r1", 10.5),
		line("Storage", "r2", 100.0),
		line("Compute", "r3", 20.25),
		line("Storage", "r4", 1.0),
		line("Compute", "r5", 0.25),
	}

	buckets := Aggregate(recs, Spec{
		Name:     "by_service",
		GroupBy:  []string{model.FieldService},
		SumField: model.FieldComputedAmount,
		TopN:     2,
	})
	require.Len(t, buckets, 2)

	assert.Equal(t, "Storage", buckets[0].Key)
	assert.Equal(t, 2, buckets[0].Count)
	assert.InDelta(t, 101.0, buckets[0].Sum, 1e-9)

	assert.Equal(t, "Compute", buckets[1].Key)
	assert.Equal(t, []string{"Compute"}, buckets[1].Values)
	assert.Equal(t, 3, buckets[1].Count)
	assert.InDelta(t, 31.0, buckets[1].Sum, 1e-9)
	assert.Equal(t, "31.00", buckets[1].SumExact)

	require.Len(t, buckets[1].Top, 2)
	assert.Equal(t, "r3", buckets[1].Top[0].ResourceID)
	assert.Equal(t, "r1", buckets[1].Top[1].ResourceID)
}

func TestAggregate_ExactDecimalSum(t *testing.T) {
	t.Parallel()

	var recs []model.Record
	for range 10 {
		recs = append(recs, line("Compute", "r", 0.1))
	}
	buckets := Aggregate(recs, Spec{GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount})
	require.Len(t, buckets, 1)
	assert.Equal(t, "1.0", buckets[0].SumExact)
	assert.Equal(t, 1.0, buckets[0].Sum)
}

func TestAggregate_MissingAndNonNumericCountAsZero(t *testing.T) {
	t.Parallel()

	recs := []model.Record{
		line("Compute", "r1", nil),
		line("Compute", "r2", "n/a"),
		line("Compute", "r3", "NaN"),
		line("Compute", "r4", "2.5"),
	}
	buckets := Aggregate(recs, Spec{GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount})
	require.Len(t, buckets, 1)
	assert.Equal(t, 4, buckets[0].Count)
	assert.InDelta(t, 2.5, buckets[0].Sum, 1e-9)
}

func TestAggregate_TiesBreakByKey(t *testing.T) {
	t.Parallel()

	recs := []model.Record{
		line("b", "r1", 5.0),
		line("c", "r2", 5.0),
		line("a", "r3", 5.0),
	}
	buckets := Aggregate(recs, Spec{GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount})
	keys := []string{buckets[0].Key, buckets[1].Key, buckets[2].Key}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestAggregate_CountOnlyAndMultiField(t *testing.T) {
	t.Parallel()

	recs := []model.Record{
		model.NewRecord(map[string]any{"data": map[string]any{"eventName": "LaunchInstance", "resourceName": "vm1"}}),
		model.NewRecord(map[string]any{"data": map[string]any{"eventName": "LaunchInstance", "resourceName": "vm1"}}),
		model.NewRecord(map[string]any{"data": map[string]any{"eventName": "TerminateInstance"}}),
	}
	buckets := Aggregate(recs, Spec{GroupBy: []string{"data.eventName", "data.resourceName"}, TopN: 1})
	require.Len(t, buckets, 2)
	assert.Equal(t, "LaunchInstance | vm1", buckets[0].Key)
	assert.Equal(t, 2, buckets[0].Count)
	assert.Empty(t, buckets[0].SumExact)
	assert.Len(t, buckets[0].Top, 1)
	assert.Equal(t, "TerminateInstance | "+MissingValue, buckets[1].Key)
}

func TestAggregate_TopTieKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	recs := []model.Record{
		line("Compute", "first", 3.0),
		line("Compute", "second", 3.0),
		line("Compute", "third", 3.0),
	}
	buckets := Aggregate(recs, Spec{GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount, TopN: 2})
	require.Len(t, buckets[0].Top, 2)
	assert.Equal(t, "first", buckets[0].Top[0].ResourceID)
	assert.Equal(t, "second", buckets[0].Top[1].ResourceID)
}

func TestAggregate_Empty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Aggregate(nil, Spec{GroupBy: []string{model.FieldService}}))
}

func TestRun(t *testing.T) {
	t.Parallel()

	recs := []model.Record{line("Compute", "r1", 1.0), line("Storage", "r1", 2.0)}
	out := Run(recs, []Spec{
		{Name: "by_service", GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount},
		{Name: "by_resource", GroupBy: []string{model.FieldResourceID}, SumField: model.FieldComputedAmount},
	})
	require.Len(t, out, 2)
	assert.Len(t, out["by_service"], 2)
	require.Len(t, out["by_resource"], 1)
	assert.InDelta(t, 3.0, out["by_resource"][0].Sum, 1e-9)
}
