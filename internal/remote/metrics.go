package remote

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// Fields set on normalized metric series.
const (
	FieldMetricNamespace     = "namespace"
	FieldMetricNamespaceName = "namespaceName"
	FieldMetricName          = "name"
	FieldDataPoints          = "dataPoints"
	FieldMeanValue           = "meanValue"
	FieldMaxValue            = "maxValue"
)

// MetricNamespace is one monitoring namespace and the metrics read from it.
type MetricNamespace struct {
	Name        string
	DisplayName string
	Metrics     []string
}

// MetricCatalog lists the saturation and capacity metrics collected per
// namespace.
var MetricCatalog = []MetricNamespace{
	{Name: "oci_computeagent", DisplayName: "Compute Instances", Metrics: []string{"CpuUtilization", "MemoryUtilization"}},
	{Name: "oci_blockstore", DisplayName: "Block Volumes", Metrics: []string{"VolumeReadThroughput", "VolumeWriteThroughput"}},
	{Name: "oci_vcn", DisplayName: "Network (VCN)", Metrics: []string{"VnicToNetworkBytes", "VnicFromNetworkBytes"}},
	{Name: "oci_database", DisplayName: "Databases", Metrics: []string{"CpuUtilization", "StorageUtilization"}},
	{Name: "oci_lbaas", DisplayName: "Load Balancers", Metrics: []string{"ActiveConnections", "ConnectionCount"}},
}

// MetricItems returns one work item per namespace and metric in catalog
// order. The item ID is "<namespace>/<metric>".
func MetricItems() []model.WorkItem {
	var items []model.WorkItem
	for _, ns := range MetricCatalog {
		for _, m := range ns.Metrics {
			items = append(items, model.NewWorkItem(model.ItemKindMetric, ns.Name+"/"+m, ns.DisplayName))
		}
	}
	return items
}

func splitMetricID(id string) (namespace, metric string, ok bool) {
	namespace, metric, ok = strings.Cut(id, "/")
	return namespace, metric, ok && namespace != "" && metric != ""
}

// metricRequest is the summarizeMetricsData request body.
type metricRequest struct {
	Namespace  string `json:"namespace"`
	Query      string `json:"query"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Resolution string `json:"resolution"`
}

func newMetricRequest(namespace, metric string, p model.QueryParams) metricRequest {
	return metricRequest{
		Namespace:  namespace,
		Query:      metric + "[1m].mean()",
		StartTime:  p.From.UTC().Format(model.DateLayout) + "T00:00:00.000Z",
		EndTime:    p.To.UTC().Format(model.DateLayout) + "T23:59:59.999Z",
		Resolution: "1h",
	}
}

// normalizeMetric reduces one metric series to its resource, point count,
// mean and max. The raw datapoints are dropped.
func normalizeMetric(item model.WorkItem, f map[string]any) map[string]any {
	namespace, metric, _ := splitMetricID(item.ID)
	out := map[string]any{
		FieldMetricNamespace:     namespace,
		FieldMetricNamespaceName: item.Label,
		FieldMetricName:          metric,
	}
	if name := first(f, "name"); name != "" {
		out[FieldMetricName] = name
	}
	if comp := first(f, "compartmentId", "compartment-id"); comp != "" {
		out[model.FieldCompartmentID] = comp
	}
	if dims, ok := f["dimensions"].(map[string]any); ok {
		if id := first(dims, "resourceId", "resourceID"); id != "" {
			out[model.FieldResourceID] = id
		}
		if name := first(dims, "resourceDisplayName", "resourceName"); name != "" {
			out[model.FieldResourceName] = name
		}
	}

	points, _ := f["aggregatedDatapoints"].([]any)
	var n int
	var sum, peak float64
	for _, p := range points {
		dp, ok := p.(map[string]any)
		if !ok {
			continue
		}
		v, ok := number(dp["value"])
		if !ok {
			continue
		}
		if n == 0 || v > peak {
			peak = v
		}
		sum += v
		n++
	}
	out[FieldDataPoints] = n
	if n > 0 {
		out[FieldMeanValue] = sum / float64(n)
		out[FieldMaxValue] = peak
	}
	return out
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
