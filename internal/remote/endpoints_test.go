package remote

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

func TestNormalizeRecommendation(t *testing.T) {
	t.Parallel()

	f := normalizeRecommendation(model.WorkItem{}, map[string]any{
		"name":                  "cost-management-compute-host-terminated",
		"estimated-cost-saving": 42.5,
	})
	assert.Equal(t, "cost-management-compute-host-terminated", f["category"])
	assert.Equal(t, 42.5, f["estimatedCostSaving"])
	assert.NotContains(t, f, "estimated-cost-saving")
	assert.Equal(t, "UNKNOWN", f["importance"])

	f = normalizeRecommendation(model.WorkItem{}, map[string]any{"importance": "HIGH"})
	assert.Equal(t, "Uncategorized", f["category"])
	assert.Equal(t, "HIGH", f["importance"])
	assert.Equal(t, 0, f[FieldPendingResources])

	f = normalizeRecommendation(model.WorkItem{}, map[string]any{
		"resource-counts": []any{
			map[string]any{"status": "PENDING", "count": json.Number("4")},
			map[string]any{"status": "IMPLEMENTED", "count": json.Number("9")},
			map[string]any{"status": "PENDING", "count": 2.0},
		},
	})
	assert.Equal(t, 6, f[FieldPendingResources])
}

func TestEndpointFor(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := model.QueryParams{TenancyID: "ocid1.tenancy.oc1..t", From: from, To: from.AddDate(0, 1, 0)}

	ep, ok := endpointFor(model.NewWorkItem(model.ItemKindAuditEvents, "ocid1.compartment.oc1..c", ""), p)
	require.True(t, ok)
	assert.Equal(t, ServiceAudit, ep.service)
	assert.Equal(t, timeoutAudit, ep.timeout)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", ep.query.Get("startTime"))
	assert.Equal(t, "2026-02-01T23:59:59.999Z", ep.query.Get("endTime"))

	ep, ok = endpointFor(QueryTagCost.Item(), p)
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, ep.method)
	assert.True(t, ep.paged)
	body, isReq := ep.body.(usageRequest)
	require.True(t, isReq)
	assert.Equal(t, "COST", body.QueryType)
	assert.Equal(t, "DAILY", body.Granularity)
	assert.Equal(t, 4, body.CompartmentDepth)

	ep, ok = endpointFor(model.NewWorkItem(model.ItemKindRecommendations, "ocid1.tenancy.oc1..t", "root"), p)
	require.True(t, ok)
	assert.Equal(t, "true", ep.query.Get("compartmentIdInSubtree"))

	_, ok = endpointFor(model.NewWorkItem(model.ItemKindUsageQuery, "NOPE", ""), p)
	assert.False(t, ok)
	_, ok = endpointFor(model.NewWorkItem(model.ItemKindCompartment, "c", ""), p)
	assert.False(t, ok)
}
