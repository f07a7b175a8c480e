package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/cache"
	"github.com/sells-group/cloudcost-cli/internal/enrich"
	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
)

const tenancy = "ocid1.tenancy.oc1..root"

// --- mocks ---

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Fetch(ctx context.Context, item model.WorkItem, p model.QueryParams) model.FetchResult {
	args := m.Called(ctx, item, p)
	return args.Get(0).(model.FetchResult)
}

type mockEnumerator struct {
	mock.Mock
}

func (m *mockEnumerator) ListCompartments(ctx context.Context, tenancyID string) ([]model.WorkItem, error) {
	args := m.Called(ctx, tenancyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WorkItem), args.Error(1)
}

func (m *mockEnumerator) ListTagNamespaces(ctx context.Context, tenancyID string) ([]model.WorkItem, error) {
	args := m.Called(ctx, tenancyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WorkItem), args.Error(1)
}

type funcClient func(ctx context.Context, item model.WorkItem, p model.QueryParams) model.FetchResult

func (f funcClient) Fetch(ctx context.Context, item model.WorkItem, p model.QueryParams) model.FetchResult {
	return f(ctx, item, p)
}

type failingBackend struct {
	cache.Backend
	loadErr, saveErr error
}

func (b failingBackend) Load(context.Context, string) (map[string]cache.Entry, error) {
	return nil, b.loadErr
}

func (b failingBackend) Save(context.Context, string, map[string]cache.Entry) error {
	return b.saveErr
}

// --- helpers ---

func compartments(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		items[i] = model.NewWorkItem(model.ItemKindCompartment, fmt.Sprintf("ocid1.compartment.oc1..c%02d", i), fmt.Sprintf("comp-%d", i))
	}
	return items
}

func rangeParams(t *testing.T) model.QueryParams {
	t.Helper()
	from, to, err := model.ParseDateRange("2026-01-01", "2026-02-01")
	require.NoError(t, err)
	return model.QueryParams{TenancyID: tenancy, HomeRegion: "us-phoenix-1", From: from, To: to}
}

func testOptions() Options {
	return Options{Pools: Pools{Metadata: 4, Compartments: 4, Namespaces: 4, Bulk: 2, Metrics: 3}}
}

func rule(status string) model.Record {
	return model.NewRecord(map[string]any{"status": status, "actionTypes": "ONS"})
}

// --- tests ---

func TestRun_PartialItemFailures(t *testing.T) {
	comps := compartments(10)
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(comps, nil)

	client := &mockClient{}
	for i, c := range comps {
		item := c.WithKind(model.ItemKindEventRules)
		if i%3 == 0 && i > 0 {
			client.On("Fetch", mock.Anything, item, mock.Anything).Return(model.Failed(model.FailureNotFound, "NotAuthorizedOrNotFound: gone"))
			continue
		}
		client.On("Fetch", mock.Anything, item, mock.Anything).Return(model.Success(rule("enabled")))
	}

	res := New(client, enum, nil, testOptions()).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})

	assert.Equal(t, model.SessionDone, res.State)
	assert.Equal(t, 10, res.ItemsTotal)
	assert.Equal(t, 7, res.SuccessCount)
	assert.Equal(t, 3, res.FailureCount)
	assert.Equal(t, map[model.FailureKind]int{model.FailureNotFound: 3}, res.FailuresByKind)
	assert.Len(t, res.FailureSamples, 3)
	assert.False(t, res.Partial)
	require.Len(t, res.Aggregates["rules_by_status"], 1)
	assert.Equal(t, 7, res.Aggregates["rules_by_status"][0].Count)
	client.AssertNumberOfCalls(t, "Fetch", 10)
}

func TestRun_SecondSessionServedFromCache(t *testing.T) {
	comps := compartments(5)
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(comps, nil)
	client := &mockClient{}
	client.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Success(rule("enabled")))

	backend := cache.NewFileBackend(t.TempDir())
	opts := testOptions()

	first := New(client, enum, backend, opts).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})
	require.Equal(t, model.SessionDone, first.State)
	assert.Zero(t, first.CacheHits)
	client.AssertNumberOfCalls(t, "Fetch", 5)

	opts.Reuse = true
	second := New(client, enum, backend, opts).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})
	require.Equal(t, model.SessionDone, second.State)
	assert.Equal(t, 5, second.CacheHits)
	assert.Equal(t, 5, second.SuccessCount)
	client.AssertNumberOfCalls(t, "Fetch", 5)

	opts.Reuse = false
	third := New(client, enum, backend, opts).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})
	assert.Zero(t, third.CacheHits, "earlier sessions are not trusted without reuse")
	client.AssertNumberOfCalls(t, "Fetch", 10)
}

func TestRun_DeadlineYieldsPartialResult(t *testing.T) {
	comps := compartments(40)
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(comps, nil)
	client := funcClient(func(context.Context, model.WorkItem, model.QueryParams) model.FetchResult {
		time.Sleep(40 * time.Millisecond)
		return model.Success(rule("enabled"))
	})

	opts := testOptions()
	opts.Pools.Compartments = 2
	opts.Deadline = 100 * time.Millisecond

	start := time.Now()
	res := New(client, enum, nil, opts).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.SessionDone, res.State)
	assert.True(t, res.Partial)
	assert.Equal(t, 40, res.ItemsTotal)
	assert.Less(t, res.SuccessCount+res.FailureCount, res.ItemsTotal)
	assert.Equal(t, res.ItemsTotal, res.SuccessCount+res.FailureCount+res.SkippedCount)
	assert.Contains(t, res.Summary(), "(partial)")
}

func TestRun_DeadlineSuppressesRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"ServiceUnavailable","message":"try later"}`))
	}))
	defer srv.Close()

	client := remote.NewHTTPClient(srv.URL, "", remote.WithRetryPause(time.Millisecond))
	opts := testOptions()
	opts.Deadline = 100 * time.Millisecond

	start := time.Now()
	res := New(client, nil, nil, opts).Run(context.Background(), model.CollectRecommendations, model.QueryParams{TenancyID: tenancy})

	assert.Equal(t, int32(1), calls.Load(), "no retry once the session deadline has passed")
	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.Equal(t, model.SessionDone, res.State)
	assert.Equal(t, 1, res.FailureCount)
	assert.Equal(t, 1, res.FailuresByKind[model.FailureRemoteError])
}

func TestSession_TerminalStateIsFinal(t *testing.T) {
	var states []model.SessionState
	opts := testOptions()
	opts.OnStateChange = func(_, to model.SessionState) { states = append(states, to) }

	s := &session{c: New(&mockClient{}, nil, nil, opts), res: &model.SessionResult{}, log: zap.NewNop()}
	s.transition(model.SessionEnumerating)
	s.transition(model.SessionFailed)
	s.transition(model.SessionDone)

	assert.Equal(t, model.SessionFailed, s.res.State)
	assert.Equal(t, []model.SessionState{model.SessionEnumerating, model.SessionFailed}, states)
}

func TestRun_EnumerationFailure(t *testing.T) {
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(nil, errors.New("remote: list compartments: 401"))
	client := &mockClient{}

	var states []model.SessionState
	opts := testOptions()
	opts.OnStateChange = func(_, to model.SessionState) { states = append(states, to) }

	res := New(client, enum, nil, opts).Run(context.Background(), model.CollectAudit, rangeParams(t))

	assert.Equal(t, model.SessionFailed, res.State)
	assert.Contains(t, res.FailureReason, "enumeration failed")
	assert.Equal(t, 1, res.FailuresByKind[model.FailureEnumeration])
	assert.Nil(t, res.Aggregates)
	assert.Nil(t, res.Records)
	assert.Equal(t, []model.SessionState{model.SessionEnumerating, model.SessionFailed}, states)
	client.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_RangeRequired(t *testing.T) {
	res := New(&mockClient{}, nil, nil, testOptions()).Run(context.Background(), model.CollectCost, model.QueryParams{TenancyID: tenancy})
	assert.Equal(t, model.SessionFailed, res.State)
	assert.Contains(t, res.FailureReason, "needs a date range")
}

func TestRun_UnknownKind(t *testing.T) {
	res := New(&mockClient{}, nil, nil, testOptions()).Run(context.Background(), model.CollectionKind("bogus"), model.QueryParams{})
	assert.Equal(t, model.SessionFailed, res.State)
	assert.Contains(t, res.FailureReason, `unknown collection kind "bogus"`)
}

func TestRun_NothingFound(t *testing.T) {
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return([]model.WorkItem{}, nil)

	res := New(&mockClient{}, enum, nil, testOptions()).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})
	assert.Equal(t, model.SessionDone, res.State)
	assert.Zero(t, res.ItemsTotal)
	assert.Contains(t, res.Summary(), "found nothing to collect")
}

func TestRun_CacheFailuresAreWarnings(t *testing.T) {
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(compartments(2), nil)
	client := &mockClient{}
	client.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Success(rule("disabled")))

	backend := failingBackend{loadErr: errors.New("corrupt"), saveErr: errors.New("read-only")}
	res := New(client, enum, backend, testOptions()).Run(context.Background(), model.CollectRules, model.QueryParams{TenancyID: tenancy})

	assert.Equal(t, model.SessionDone, res.State)
	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "CACHE_IO_ERROR: cache rules unavailable")
	assert.Contains(t, res.Warnings[1], "cache: flush rules")
}

func TestRun_CostJoinEnrichAggregate(t *testing.T) {
	const (
		vm     = "ocid1.instance.oc1.phx.vm1"
		bucket = "ocid1.bucket.oc1.phx.b1"
		day1   = "2026-01-01T00:00:00.000Z"
		day2   = "2026-01-02T00:00:00.000Z"
	)
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	client := funcClient(func(_ context.Context, item model.WorkItem, _ model.QueryParams) model.FetchResult {
		mu.Lock()
		calls[item.Key()]++
		mu.Unlock()

		switch item {
		case remote.QueryCost.Item():
			return model.Success(
				model.NewRecord(map[string]any{"resourceId": vm, "timeUsageStarted": day1, "service": "Compute", "computedAmount": 10.0, "compartmentPath": "root/app"}),
				model.NewRecord(map[string]any{"resourceId": vm, "timeUsageStarted": day2, "service": "Compute", "computedAmount": 5.0, "compartmentPath": "root/app"}),
				model.NewRecord(map[string]any{"resourceId": bucket, "timeUsageStarted": day1, "service": "Object Storage", "computedAmount": 2.0, "compartmentPath": "root/data"}),
			)
		case remote.QueryUsage.Item():
			return model.Success(
				model.NewRecord(map[string]any{"resourceId": vm, "timeUsageStarted": day1, "platform": "x86", "region": "us-phoenix-1", "service": "ignored"}),
			)
		case remote.QueryResourceTags.Item():
			return model.Success(model.NewRecord(map[string]any{
				"resourceId": vm,
				"tags":       []any{map[string]any{"namespace": "Finance", "key": "CostCenter", "value": "CC-1"}},
			}))
		case model.NewWorkItem(model.ItemKindResource, vm, ""):
			return model.Success(model.NewRecord(map[string]any{"resourceId": vm, "shape": "VM.Standard3.Flex", "resourceName": "web-1"}))
		}
		return model.Failed(model.FailureRemoteError, "unexpected "+item.String())
	})

	var states []model.SessionState
	opts := testOptions()
	opts.OnStateChange = func(_, to model.SessionState) { states = append(states, to) }

	res := New(client, nil, nil, opts).Run(context.Background(), model.CollectCost, rangeParams(t))

	require.Equal(t, model.SessionDone, res.State, res.FailureReason)
	assert.Equal(t, []model.SessionState{
		model.SessionEnumerating, model.SessionFetching, model.SessionJoining, model.SessionAggregating, model.SessionDone,
	}, states)
	assert.Equal(t, 4, res.ItemsTotal)
	assert.Equal(t, 4, res.SuccessCount)
	assert.Equal(t, 1, calls["resource:"+vm], "instance metadata is fetched once per distinct instance")

	require.Len(t, res.Joined, 3)
	assert.Equal(t, model.ProvenanceMatched, res.Joined[0].Provenance)
	assert.Equal(t, model.ProvenanceLeftOnly, res.Joined[1].Provenance)
	assert.Equal(t, model.ProvenanceLeftOnly, res.Joined[2].Provenance)

	require.NotNil(t, res.Tagging)
	assert.Equal(t, model.TagCoverage{TaggedResources: 1, Namespaces: 1, Tags: 1}, *res.Tagging)

	first := res.Records[0]
	assert.Equal(t, "x86", first.Platform)
	assert.Equal(t, "Compute", first.Service)
	assert.Equal(t, "VM.Standard3.Flex", first.Shape)
	assert.Equal(t, "web-1", first.ResourceName)
	assert.Equal(t, "CC-1", first.Text(enrich.FieldCostCenter))
	assert.Equal(t, "VM.Standard3.Flex", res.Records[1].Shape, "metadata fills unmatched lines too")

	byService := res.Aggregates["cost_by_service"]
	require.Len(t, byService, 2)
	assert.Equal(t, "Compute", byService[0].Key)
	assert.InDelta(t, 15.0, byService[0].Sum, 1e-9)
	assert.Equal(t, "Object Storage", byService[1].Key)

	byCC := res.Aggregates["cost_by_cost_center"]
	require.Len(t, byCC, 2)
	assert.Equal(t, "CC-1", byCC[0].Key)
	assert.Equal(t, "Unknown", byCC[1].Key)

	require.NotEmpty(t, res.Aggregates["cost_by_resource"])
	assert.Equal(t, vm+" | web-1", res.Aggregates["cost_by_resource"][0].Key)
}

func TestRun_Tags(t *testing.T) {
	comps := compartments(2)
	namespaces := []model.WorkItem{model.NewWorkItem(model.ItemKindNamespace, "ocid1.tagnamespace.oc1..ns", "Finance")}
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(comps, nil)
	enum.On("ListTagNamespaces", mock.Anything, tenancy).Return(namespaces, nil)

	client := funcClient(func(_ context.Context, item model.WorkItem, p model.QueryParams) model.FetchResult {
		switch item.Kind {
		case model.ItemKindTagDefinitions:
			assert.False(t, p.HasRange(), "tag definitions are not period dependent")
			return model.Success(
				model.NewRecord(map[string]any{"name": "CostCenter", "tagNamespaceName": item.Label}),
				model.NewRecord(map[string]any{"name": "Owner", "tagNamespaceName": item.Label}),
			)
		case model.ItemKindTagDefaults:
			return model.Success(model.NewRecord(map[string]any{"tagDefinitionName": "CostCenter", "compartmentName": item.Label}))
		case model.ItemKindUsageQuery:
			return model.Success(model.NewRecord(map[string]any{
				"computedAmount": 7.0,
				"tags":           []any{map[string]any{"namespace": "Finance", "key": "CostCenter", "value": "CC-9"}},
			}))
		}
		return model.Failed(model.FailureRemoteError, "unexpected")
	})

	res := New(client, enum, nil, testOptions()).Run(context.Background(), model.CollectTags, rangeParams(t))

	require.Equal(t, model.SessionDone, res.State, res.FailureReason)
	assert.Equal(t, 4, res.ItemsTotal)
	require.Len(t, res.Aggregates["definitions_by_namespace"], 1)
	assert.Equal(t, 2, res.Aggregates["definitions_by_namespace"][0].Count)
	require.Len(t, res.Aggregates["defaults_by_tag"], 1)
	assert.Equal(t, 2, res.Aggregates["defaults_by_tag"][0].Count)
	require.Len(t, res.Aggregates["cost_by_tag"], 1)
	assert.Equal(t, "Finance | CostCenter | CC-9", res.Aggregates["cost_by_tag"][0].Key)
	assert.InDelta(t, 7.0, res.Aggregates["cost_by_tag"][0].Sum, 1e-9)
}

func TestRun_AuditSampleCap(t *testing.T) {
	enum := &mockEnumerator{}
	enum.On("ListCompartments", mock.Anything, tenancy).Return(compartments(3), nil)
	client := funcClient(func(context.Context, model.WorkItem, model.QueryParams) model.FetchResult {
		recs := make([]model.Record, 4)
		for i := range recs {
			recs[i] = model.NewRecord(map[string]any{"data": map[string]any{
				"eventName": "GetInstance",
				"identity":  map[string]any{"principalName": fmt.Sprintf("user-%d", i%2)},
			}})
		}
		return model.Success(recs...)
	})

	opts := testOptions()
	opts.AuditSampleSize = 5
	res := New(client, enum, nil, opts).Run(context.Background(), model.CollectAudit, rangeParams(t))

	require.Equal(t, model.SessionDone, res.State)
	assert.Len(t, res.Records, 5)
	require.Len(t, res.Aggregates["events_by_type"], 1)
	assert.Equal(t, 12, res.Aggregates["events_by_type"][0].Count, "aggregates cover every event")
	assert.Len(t, res.Aggregates["events_by_principal"], 2)
}

func TestRun_Recommendations(t *testing.T) {
	client := &mockClient{}
	root := model.NewWorkItem(model.ItemKindRecommendations, tenancy, "root")
	client.On("Fetch", mock.Anything, root, mock.Anything).Return(model.Success(
		model.NewRecord(map[string]any{"category": "compute-idle", "estimatedCostSaving": 120.5, "importance": "HIGH"}),
		model.NewRecord(map[string]any{"category": "storage-tiering", "estimatedCostSaving": 30.0, "importance": "LOW"}),
		model.NewRecord(map[string]any{"category": "compute-idle", "estimatedCostSaving": 9.5, "importance": "HIGH"}),
	))

	res := New(client, nil, nil, testOptions()).Run(context.Background(), model.CollectRecommendations, model.QueryParams{TenancyID: tenancy})

	require.Equal(t, model.SessionDone, res.State)
	cats := res.Aggregates["savings_by_category"]
	require.Len(t, cats, 2)
	assert.Equal(t, "compute-idle", cats[0].Key)
	assert.InDelta(t, 130.0, cats[0].Sum, 1e-9)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "Compute Idle", res.Records[0].Text(enrich.FieldCategoryName))
	assert.NotEmpty(t, res.Records[0].Text(enrich.FieldActions))
	client.AssertExpectations(t)
}

func TestRun_Metrics(t *testing.T) {
	var calls atomic.Int32
	client := funcClient(func(_ context.Context, item model.WorkItem, p model.QueryParams) model.FetchResult {
		calls.Add(1)
		if item.Kind != model.ItemKindMetric || !p.HasRange() {
			return model.Failed(model.FailureRemoteError, "unexpected "+item.String())
		}
		switch item.ID {
		case "oci_computeagent/CpuUtilization":
			return model.Success(
				model.NewRecord(map[string]any{"namespace": "oci_computeagent", "namespaceName": "Compute Instances", "name": "CpuUtilization", "resourceId": "vm-1", "dataPoints": 24, "maxValue": 91.5}),
				model.NewRecord(map[string]any{"namespace": "oci_computeagent", "namespaceName": "Compute Instances", "name": "CpuUtilization", "resourceId": "vm-2", "dataPoints": 24, "maxValue": 12.0}),
			)
		case "oci_lbaas/ActiveConnections":
			return model.Failed(model.FailureNotFound, "NotAuthorizedOrNotFound")
		}
		return model.Success()
	})

	res := New(client, nil, nil, testOptions()).Run(context.Background(), model.CollectMetrics, rangeParams(t))

	require.Equal(t, model.SessionDone, res.State, res.FailureReason)
	assert.Equal(t, int32(len(remote.MetricItems())), calls.Load())
	assert.Equal(t, len(remote.MetricItems()), res.ItemsTotal)
	assert.Equal(t, 1, res.FailureCount)
	assert.Equal(t, 1, res.FailuresByKind[model.FailureNotFound])
	require.Len(t, res.Records, 2)

	byNamespace := res.Aggregates["datapoints_by_namespace"]
	require.Len(t, byNamespace, 1)
	assert.Equal(t, "Compute Instances", byNamespace[0].Key)
	assert.InDelta(t, 48.0, byNamespace[0].Sum, 1e-9)

	peaks := res.Aggregates["peak_by_resource"]
	require.Len(t, peaks, 2)
	assert.Equal(t, []string{"CpuUtilization", "vm-1"}, peaks[0].Values)
}

func TestRun_MetricsNeedsRange(t *testing.T) {
	client := funcClient(func(context.Context, model.WorkItem, model.QueryParams) model.FetchResult {
		return model.Success()
	})

	res := New(client, nil, nil, testOptions()).Run(context.Background(), model.CollectMetrics, model.QueryParams{TenancyID: tenancy})

	assert.Equal(t, model.SessionFailed, res.State)
	assert.Contains(t, res.FailureReason, "metrics collection needs a date range")
}
