package remote

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// Endpoint services. Each gets its own circuit breaker.
const (
	ServiceCompute    = "compute"
	ServiceUsage      = "usageapi"
	ServiceIdentity   = "identity"
	ServiceAudit      = "audit"
	ServiceEvents     = "events"
	ServiceOptimizer  = "optimizer"
	ServiceMonitoring = "monitoring"
)

// timeoutClass selects which configured bound applies to a call.
type timeoutClass int

const (
	timeoutItem timeoutClass = iota
	timeoutBulk
	timeoutAudit
)

// endpoint describes how one item kind is fetched.
type endpoint struct {
	service   string
	method    string
	path      string
	query     url.Values
	body      any
	paged     bool
	timeout   timeoutClass
	normalize func(item model.WorkItem, fields map[string]any) map[string]any
}

// endpointFor maps a work item to its remote call. The second return is false
// for item kinds that have no fetch operation.
func endpointFor(item model.WorkItem, p model.QueryParams) (endpoint, bool) {
	switch item.Kind {
	case model.ItemKindResource:
		q := url.Values{}
		if region := RegionFromOCID(item.ID); region != "" {
			q.Set("region", region)
		} else if p.HomeRegion != "" {
			q.Set("region", p.HomeRegion)
		}
		return endpoint{
			service:   ServiceCompute,
			method:    http.MethodGet,
			path:      "/20160918/instances/" + url.PathEscape(item.ID),
			query:     q,
			timeout:   timeoutItem,
			normalize: normalizeInstance,
		}, true

	case model.ItemKindUsageQuery:
		uq, ok := LookupUsageQuery(item.ID)
		if !ok {
			return endpoint{}, false
		}
		return endpoint{
			service: ServiceUsage,
			method:  http.MethodPost,
			path:    "/20200107/usage",
			body:    uq.request(p),
			paged:   true,
			timeout: timeoutBulk,
		}, true

	case model.ItemKindTagDefinitions:
		return endpoint{
			service: ServiceIdentity,
			method:  http.MethodGet,
			path:    "/20160918/tagNamespaces/" + url.PathEscape(item.ID) + "/tags",
			paged:   true,
			timeout: timeoutItem,
			normalize: func(item model.WorkItem, f map[string]any) map[string]any {
				f["tagNamespaceId"] = item.ID
				f["tagNamespaceName"] = item.Label
				return f
			},
		}, true

	case model.ItemKindTagDefaults:
		return endpoint{
			service: ServiceIdentity,
			method:  http.MethodGet,
			path:    "/20160918/tagDefaults",
			query:   url.Values{"compartmentId": {item.ID}},
			paged:   true,
			timeout: timeoutItem,
			normalize: func(item model.WorkItem, f map[string]any) map[string]any {
				f[model.FieldCompartmentName] = item.Label
				if _, ok := f["tagDefinitionName"]; !ok {
					f["tagDefinitionName"] = "Unknown"
				}
				return f
			},
		}, true

	case model.ItemKindAuditEvents:
		q := url.Values{"compartmentId": {item.ID}}
		if p.HasRange() {
			q.Set("startTime", p.From.UTC().Format(model.DateLayout)+"T00:00:00.000Z")
			q.Set("endTime", p.To.UTC().Format(model.DateLayout)+"T23:59:59.999Z")
		}
		return endpoint{
			service:   ServiceAudit,
			method:    http.MethodGet,
			path:      "/20190901/auditEvents",
			query:     q,
			paged:     true,
			timeout:   timeoutAudit,
			normalize: normalizeAuditEvent,
		}, true

	case model.ItemKindEventRules:
		return endpoint{
			service:   ServiceEvents,
			method:    http.MethodGet,
			path:      "/20181201/rules",
			query:     url.Values{"compartmentId": {item.ID}},
			paged:     true,
			timeout:   timeoutItem,
			normalize: normalizeRule,
		}, true

	case model.ItemKindRecommendations:
		return endpoint{
			service: ServiceOptimizer,
			method:  http.MethodGet,
			path:    "/20200606/recommendations",
			query: url.Values{
				"compartmentId":          {item.ID},
				"compartmentIdInSubtree": {"true"},
			},
			paged:     true,
			timeout:   timeoutItem,
			normalize: normalizeRecommendation,
		}, true

	case model.ItemKindMetric:
		namespace, metric, ok := splitMetricID(item.ID)
		if !ok {
			return endpoint{}, false
		}
		return endpoint{
			service: ServiceMonitoring,
			method:  http.MethodPost,
			path:    "/20180401/metrics/actions/summarizeMetricsData",
			query: url.Values{
				"compartmentId":          {p.TenancyID},
				"compartmentIdInSubtree": {"true"},
			},
			body:      newMetricRequest(namespace, metric, p),
			timeout:   timeoutItem,
			normalize: normalizeMetric,
		}, true
	}
	return endpoint{}, false
}

// RegionFromOCID extracts the region segment of a regional OCID
// (ocid1.<type>.<realm>.<region>.<unique>). It returns "" when the OCID has
// no region segment.
func RegionFromOCID(ocid string) string {
	parts := strings.Split(ocid, ".")
	if len(parts) < 5 {
		return ""
	}
	return parts[3]
}

// IsComputeInstance reports whether a resource id names a compute instance.
func IsComputeInstance(resourceID string) bool {
	return strings.Contains(strings.ToLower(resourceID), "instance.oc1")
}

// first returns the first non-empty string value among keys.
func first(f map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := f[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func normalizeInstance(item model.WorkItem, f map[string]any) map[string]any {
	out := map[string]any{
		model.FieldResourceID:   item.ID,
		model.FieldShape:        first(f, "shape"),
		model.FieldResourceName: first(f, "displayName", "display-name"),
	}
	if region := first(f, "region"); region != "" {
		out[model.FieldRegion] = region
	}
	if comp := first(f, "compartmentId", "compartment-id"); comp != "" {
		out[model.FieldCompartmentID] = comp
	}
	if state := first(f, "lifecycleState", "lifecycle-state"); state != "" {
		out["lifecycleState"] = state
	}
	return out
}

func normalizeAuditEvent(item model.WorkItem, f map[string]any) map[string]any {
	f[model.FieldCompartmentID] = item.ID
	data, _ := f["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
		f["data"] = data
	}
	if first(data, "eventName") == "" {
		data["eventName"] = "Unknown"
	}
	if first(data, "resourceName") == "" {
		data["resourceName"] = "Unknown"
	}
	return f
}

// normalizeRule derives a rule status (enabled when ACTIVE) and a sorted,
// comma-joined list of its action types.
func normalizeRule(item model.WorkItem, f map[string]any) map[string]any {
	f[model.FieldCompartmentID] = item.ID
	state := first(f, "lifecycleState", "lifecycle-state")
	f["lifecycleState"] = state
	delete(f, "lifecycle-state")
	if state == "ACTIVE" {
		f["status"] = "enabled"
	} else {
		f["status"] = "disabled"
	}

	var types []string
	if actions, ok := f["actions"].(map[string]any); ok {
		list, _ := actions["actions"].([]any)
		for _, a := range list {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			t := first(m, "actionType", "action-type")
			if t == "" {
				t = "Unknown"
			}
			types = append(types, t)
		}
	}
	sort.Strings(types)
	if len(types) == 0 {
		f["actionTypes"] = "none"
	} else {
		f["actionTypes"] = strings.Join(types, ",")
	}
	return f
}

// normalizeRecommendation names the category after the recommendation and
// accepts both the camelCase and the kebab-case savings field.
// FieldPendingResources counts the resources a recommendation still applies to.
const FieldPendingResources = "pendingResources"

func normalizeRecommendation(_ model.WorkItem, f map[string]any) map[string]any {
	if first(f, "category") == "" {
		category := first(f, "name", "categoryName", "categoryId")
		if category == "" {
			category = "Uncategorized"
		}
		f["category"] = category
	}
	if _, ok := f["estimatedCostSaving"]; !ok {
		if v, ok := f["estimated-cost-saving"]; ok {
			f["estimatedCostSaving"] = v
			delete(f, "estimated-cost-saving")
		}
	}
	if first(f, "importance") == "" {
		f["importance"] = "UNKNOWN"
	}
	counts, _ := f["resourceCounts"].([]any)
	if counts == nil {
		counts, _ = f["resource-counts"].([]any)
	}
	pending := 0
	for _, c := range counts {
		rc, ok := c.(map[string]any)
		if !ok || first(rc, "status") != "PENDING" {
			continue
		}
		if n, ok := number(rc["count"]); ok {
			pending += int(n)
		}
	}
	f[FieldPendingResources] = pending
	return f
}
