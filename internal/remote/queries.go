package remote

import (
	"github.com/sells-group/cloudcost-cli/internal/model"
)

// UsageQuery is one summarized usage request against the usage API.
type UsageQuery struct {
	Name      string   // work item ID and cache key component
	QueryType string   // COST or USAGE
	GroupBy   []string // usage API groupBy dimensions
}

// Usage queries issued by the collection plans.
var (
	QueryCost = UsageQuery{
		Name:      "COST",
		QueryType: "COST",
		GroupBy:   []string{"service", "skuName", "resourceId", "compartmentPath"},
	}
	QueryUsage = UsageQuery{
		Name:      "USAGE",
		QueryType: "USAGE",
		GroupBy:   []string{"resourceId", "platform", "region", "skuPartNumber"},
	}
	QueryResourceTags = UsageQuery{
		Name:      "RESOURCE_TAGS",
		QueryType: "USAGE",
		GroupBy:   []string{"resourceId", "tagNamespace", "tagKey", "tagValue"},
	}
	QueryTagCost = UsageQuery{
		Name:      "TAG_COST",
		QueryType: "COST",
		GroupBy:   []string{"tagNamespace", "tagKey", "tagValue", "service"},
	}
)

var usageQueries = map[string]UsageQuery{
	QueryCost.Name:         QueryCost,
	QueryUsage.Name:        QueryUsage,
	QueryResourceTags.Name: QueryResourceTags,
	QueryTagCost.Name:      QueryTagCost,
}

// LookupUsageQuery returns the usage query with the given name.
func LookupUsageQuery(name string) (UsageQuery, bool) {
	q, ok := usageQueries[name]
	return q, ok
}

// Item returns the work item that runs this query.
func (q UsageQuery) Item() model.WorkItem {
	return model.NewWorkItem(model.ItemKindUsageQuery, q.Name, q.QueryType)
}

// usageRequest is the usage API request body.
type usageRequest struct {
	TenantID         string   `json:"tenantId"`
	TimeUsageStarted string   `json:"timeUsageStarted"`
	TimeUsageEnded   string   `json:"timeUsageEnded"`
	Granularity      string   `json:"granularity"`
	QueryType        string   `json:"queryType"`
	GroupBy          []string `json:"groupBy"`
	CompartmentDepth int      `json:"compartmentDepth"`
}

func (q UsageQuery) request(p model.QueryParams) usageRequest {
	granularity := p.Granularity
	if granularity == "" {
		granularity = "DAILY"
	}
	depth := p.CompartmentDepth
	if depth <= 0 {
		depth = 4
	}
	return usageRequest{
		TenantID:         p.TenancyID,
		TimeUsageStarted: p.From.UTC().Format(model.DateLayout) + "T00:00:00Z",
		TimeUsageEnded:   p.To.UTC().Format(model.DateLayout) + "T00:00:00Z",
		Granularity:      granularity,
		QueryType:        q.QueryType,
		GroupBy:          q.GroupBy,
		CompartmentDepth: depth,
	}
}
