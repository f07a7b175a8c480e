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

func TestMetricItems(t *testing.T) {
	t.Parallel()

	items := MetricItems()
	require.Len(t, items, 10)
	assert.Equal(t, model.ItemKindMetric, items[0].Kind)
	assert.Equal(t, "oci_computeagent/CpuUtilization", items[0].ID)
	assert.Equal(t, "Compute Instances", items[0].Label)
	assert.Equal(t, "oci_lbaas/ConnectionCount", items[9].ID)
}

func TestEndpointFor_Metric(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := model.QueryParams{TenancyID: "ocid1.tenancy.oc1..t", From: from, To: from.AddDate(0, 0, 6)}

	ep, ok := endpointFor(model.NewWorkItem(model.ItemKindMetric, "oci_vcn/VnicToNetworkBytes", "Network (VCN)"), p)
	require.True(t, ok)
	assert.Equal(t, ServiceMonitoring, ep.service)
	assert.Equal(t, http.MethodPost, ep.method)
	assert.False(t, ep.paged)
	assert.Equal(t, "ocid1.tenancy.oc1..t", ep.query.Get("compartmentId"))

	body, isReq := ep.body.(metricRequest)
	require.True(t, isReq)
	assert.Equal(t, "oci_vcn", body.Namespace)
	assert.Equal(t, "VnicToNetworkBytes[1m].mean()", body.Query)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", body.StartTime)
	assert.Equal(t, "2026-01-07T23:59:59.999Z", body.EndTime)
	assert.Equal(t, "1h", body.Resolution)

	_, ok = endpointFor(model.NewWorkItem(model.ItemKindMetric, "oci_vcn", ""), p)
	assert.False(t, ok)
}

func TestNormalizeMetric(t *testing.T) {
	t.Parallel()

	item := model.NewWorkItem(model.ItemKindMetric, "oci_computeagent/CpuUtilization", "Compute Instances")
	f := normalizeMetric(item, map[string]any{
		"name":       "CpuUtilization",
		"dimensions": map[string]any{"resourceId": "ocid1.instance.oc1.iad.a", "resourceDisplayName": "web-1"},
		"aggregatedDatapoints": []any{
			map[string]any{"timestamp": "2026-01-01T00:00:00Z", "value": json.Number("10")},
			map[string]any{"timestamp": "2026-01-01T01:00:00Z", "value": json.Number("50")},
			map[string]any{"timestamp": "2026-01-01T02:00:00Z", "value": json.Number("30")},
			map[string]any{"timestamp": "2026-01-01T03:00:00Z", "value": "bad"},
		},
	})
	assert.Equal(t, "oci_computeagent", f[FieldMetricNamespace])
	assert.Equal(t, "Compute Instances", f[FieldMetricNamespaceName])
	assert.Equal(t, "CpuUtilization", f[FieldMetricName])
	assert.Equal(t, "ocid1.instance.oc1.iad.a", f[model.FieldResourceID])
	assert.Equal(t, "web-1", f[model.FieldResourceName])
	assert.Equal(t, 3, f[FieldDataPoints])
	assert.InDelta(t, 30.0, f[FieldMeanValue], 1e-9)
	assert.InDelta(t, 50.0, f[FieldMaxValue], 1e-9)

	empty := normalizeMetric(item, map[string]any{})
	assert.Equal(t, 0, empty[FieldDataPoints])
	assert.NotContains(t, empty, FieldMaxValue)
	assert.NotContains(t, empty, model.FieldResourceID)
}
