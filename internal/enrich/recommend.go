package enrich

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
)

// Fields added to optimizer recommendations.
const (
	FieldCategoryName = "categoryName"
	FieldExplanation  = "explanation"
	FieldActions      = "actions"
)

// ActionSeparator joins the suggested actions of one recommendation.
const ActionSeparator = "; "

var categoryNames = map[string]string{
	"cost-management-boot-volume-attachment-name":               "Boot Volumes - Optimize size and performance settings",
	"cost-management-block-volume-attachment-name":              "Block Volumes - Remove unattached or underutilized volumes",
	"create-ccd-commitment":                                     "Compute Commitments - Purchase 1-3 year commitments for discounts",
	"cost-management-compute-host-burstable-name":               "Compute Instances - Switch to burstable shapes for variable workloads",
	"cost-management-compute-host-terminated-name":              "Terminated Instances - Clean up resources from stopped instances",
	"cost-management-compute-host-underutilized-name":           "Underutilized Instances - Right-size based on actual usage",
	"cost-management-load-balancer-underutilized-name":          "Load Balancers - Consolidate or remove low-traffic load balancers",
	"cost-management-autonomous-database-underutilized-name":    "Autonomous Databases - Reduce OCPUs or enable auto-scaling",
	"cost-management-object-storage-enable-olm-name":            "Object Storage - Enable lifecycle policies to archive old data",
	"high-availability-object-storage-enable-replication":       "Object Storage - Enable cross-region replication for DR",
	"high-availability-object-storage-enable-object-versioning": "Object Storage - Enable versioning for data protection",
	"rightsize-exacs-x6-x7-x8-db-cluster":                       "Exadata Cloud - Right-size database cluster resources",
	"rightsize-vmdb-system":                                     "VM Database - Right-size database system resources",
	"enable-db-management":                                      "Database Management - Enable monitoring and performance insights",
	"downsize-exacs-x6-x7-x8-db-cluster":                        "Exadata Cloud - Downsize overprovisioned clusters",
	"downsize-vmdb-system":                                      "VM Database - Downsize overprovisioned systems",
	"performance-compute-host-highutilization-name":             "High CPU Instances - Upgrade instances with performance issues",
	"performance-load-balancer-highutilization-name":            "High Traffic Load Balancers - Increase bandwidth capacity",
	"high-availability-compute-fault-domain-name":               "Compute HA - Distribute instances across fault domains",
	"performance-boot-volume-enable-auto-tuning-name":           "Boot Volumes - Enable auto-tuning for optimal performance",
	"performance-block-volume-enable-auto-tuning-name":          "Block Volumes - Enable auto-tuning for optimal performance",
	"cost-management-compute-enable-monitoring-name":            "Compute Monitoring - Enable enhanced monitoring for optimization",
}

var titleCaser = cases.Title(language.English)

// CategoryName returns the display name of an optimizer category code.
// Unknown codes are title-cased with dashes and underscores as spaces.
func CategoryName(code string) string {
	if name, ok := categoryNames[strings.ToLower(code)]; ok {
		return name
	}
	return titleCaser.String(strings.NewReplacer("-", " ", "_", " ").Replace(code))
}

// guidance is the explanation and follow-up actions for recommendations whose
// name contains any of match. %d in the text is the pending resource count.
type guidance struct {
	match       []string
	explanation string
	actions     []string
}

// Order matters: the first match wins.
var guidanceTable = []guidance{
	{
		match:       []string{"boot-volume-attachment"},
		explanation: "Instances are oversized for their CPU, memory and network utilization. Right-sizing can cut their cost by up to half.",
		actions: []string{
			"Review %d instance(s) for downsizing",
			"Check CPU, memory and network utilization metrics",
			"Resize to a smaller shape",
			"Schedule the resize in a maintenance window",
		},
	},
	{
		match:       []string{"block-volume-attachment"},
		explanation: "%d block volume(s) are unattached, underused or over-provisioned for performance and still accrue storage cost.",
		actions: []string{
			"Identify the %d block volume(s) flagged",
			"Delete unattached volumes whose data is no longer needed",
			"Lower VPUs per GB on volumes with little I/O",
			"Downgrade the performance tier where possible",
		},
	},
	{
		match:       []string{"ccd", "commitment"},
		explanation: "Steady usage across %d resource(s) qualifies for a compute commitment, which discounts one and three year terms.",
		actions: []string{
			"Analyze historical usage of the %d eligible resource(s)",
			"Compute the average monthly compute spend over the last 3-6 months",
			"Buy a commitment that matches the baseline",
			"Keep pay-as-you-go for bursts above the commitment",
		},
	},
	{
		match:       []string{"compute-host-terminated"},
		explanation: "%d stopped or terminated instance(s) still hold billed resources such as boot volumes and reserved IPs.",
		actions: []string{
			"List the %d terminated or stopped instance(s)",
			"Confirm they are no longer needed",
			"Delete their boot volumes",
			"Release reserved public IPs",
		},
	},
	{
		match:       []string{"compute-host-underutilized", "compute-host-burstable"},
		explanation: "%d instance(s) run with consistently low CPU, memory or network use. Smaller or burstable shapes would cover the load.",
		actions: []string{
			"Review utilization of the %d instance(s)",
			"Consider a smaller shape when average CPU stays below 20%%",
			"Downsize memory when less than half is used",
			"Resize in a maintenance window and verify performance",
		},
	},
	{
		match:       []string{"load-balancer-underutilized"},
		explanation: "%d load balancer(s) carry little traffic but bill a fixed hourly rate.",
		actions: []string{
			"Review traffic on the %d load balancer(s)",
			"Check bandwidth and connection counts over the last 30 days",
			"Consolidate low-traffic load balancers",
			"Remove load balancers with negligible traffic",
		},
	},
	{
		match:       []string{"autonomous-database-underutilized"},
		explanation: "%d autonomous database(s) have low CPU use and bill per OCPU hour.",
		actions: []string{
			"Review CPU use of the %d database(s)",
			"Reduce OCPUs when average CPU stays below 30%%",
			"Enable auto-scaling for peaks",
			"Stop non-production databases off-hours",
		},
	},
	{
		match:       []string{"object-storage-enable-olm"},
		explanation: "%d object(s) could move to archive storage under a lifecycle policy.",
		actions: []string{
			"Review the %d object(s) eligible for lifecycle management",
			"Find objects not accessed in 90 days",
			"Add a lifecycle rule that archives objects by age",
			"Expire temporary and log objects after retention",
		},
	},
	{
		match:       []string{"enable-db-management"},
		explanation: "Database Management on %d database(s) adds performance monitoring and tuning advice at no extra cost.",
		actions: []string{
			"Enable Database Management for the %d database(s)",
			"Turn on Performance Hub and SQL monitoring",
			"Review tuning advice weekly",
			"Right-size databases from the findings",
		},
	},
	{
		match:       []string{"object-storage-enable-object-versioning"},
		explanation: "Versioning on %d bucket(s) guards against accidental deletes and overwrites.",
		actions: []string{
			"Enable versioning on the %d bucket(s)",
			"Expire old versions with a lifecycle rule",
			"Set retention from compliance needs",
			"Watch version storage cost",
		},
	},
	{
		match:       []string{"object-storage-enable-replication"},
		explanation: "Cross-region replication for %d bucket(s) gives disaster recovery at added storage and transfer cost.",
		actions: []string{
			"Configure replication for the %d critical bucket(s)",
			"Pick a target region from the recovery plan",
			"Replicate whole buckets or prefixes",
			"Monitor replication lag and cost",
		},
	},
	{
		match:       []string{"rightsize-exacs", "rightsize-vmdb", "downsize-exacs", "downsize-vmdb"},
		explanation: "%d database system(s) can be right-sized to their CPU, memory and storage use.",
		actions: []string{
			"Review utilization of the %d database system(s)",
			"Check CPU, memory and I/O over the last 30 days",
			"Reduce enabled cores or move to a smaller shape",
			"Change during a maintenance window and watch performance",
		},
	},
	{
		match:       []string{"compute-fault-domain"},
		explanation: "%d instance(s) share fault domains. Spreading them isolates hardware failures at no cost.",
		actions: []string{
			"Review placement of the %d instance(s)",
			"Find instances sharing a fault domain",
			"Launch replacements in other fault domains",
			"Pin fault domains in deployment automation",
		},
	},
	{
		match:       []string{"enable-auto-tuning"},
		explanation: "%d volume(s) would benefit from performance auto-tuning, which is free.",
		actions: []string{
			"Enable auto-tuning on the %d volume(s)",
			"Let the service adjust VPUs per GB",
			"Drop manual VPU changes",
			"Verify performance afterwards",
		},
	},
	{
		match:       []string{"load-balancer-highutilization"},
		explanation: "%d load balancer(s) run near capacity and risk degraded service at peak.",
		actions: []string{
			"Review traffic on the %d load balancer(s)",
			"Check for bandwidth limits at peak hours",
			"Move to a higher bandwidth shape",
			"Scale out with more load balancers",
		},
	},
	{
		match:       []string{"compute-host-highutilization"},
		explanation: "%d instance(s) run with consistently high CPU or memory use.",
		actions: []string{
			"Review utilization of the %d instance(s)",
			"Confirm CPU above 80%% or memory exhaustion",
			"Move to a larger shape",
			"Consider autoscaling",
		},
	},
	{
		match:       []string{"enable-monitoring"},
		explanation: "%d instance(s) lack enhanced monitoring, which gives minute-level metrics for tuning and right-sizing.",
		actions: []string{
			"Enable enhanced monitoring on the %d instance(s)",
			"Use one-minute metric intervals",
			"Add CPU, memory and disk alarms",
			"Use the data to find right-sizing candidates",
		},
	},
}

var fallbackGuidance = guidance{
	explanation: "Cloud Advisor found an optimization for %d resource(s).",
	actions: []string{
		"Review the %d affected resource(s) in Cloud Advisor",
		"Read the recommendation details",
		"Weigh impact and effort",
		"Apply and mark the recommendation implemented",
	},
}

func guidanceFor(name string) guidance {
	lower := strings.ToLower(name)
	for _, g := range guidanceTable {
		for _, m := range g.match {
			if strings.Contains(lower, m) {
				return g
			}
		}
	}
	return fallbackGuidance
}

// Actions returns the explanation and suggested actions for a recommendation.
func Actions(name string, pending int) (string, []string) {
	g := guidanceFor(name)
	actions := make([]string, len(g.actions))
	for i, a := range g.actions {
		actions[i] = expand(a, pending)
	}
	return expand(g.explanation, pending), actions
}

func expand(text string, n int) string {
	if strings.Contains(text, "%d") {
		return fmt.Sprintf(text, n)
	}
	return strings.ReplaceAll(text, "%%", "%")
}

// Recommendations sets categoryName, explanation and actions on each
// recommendation record.
func Recommendations(records []model.Record) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		pending := 0
		if n, ok := r.Number(remote.FieldPendingResources); ok {
			pending = int(n)
		}
		explanation, actions := Actions(r.Text("category"), pending)
		out[i] = r.
			With(FieldCategoryName, CategoryName(r.Text("category"))).
			With(FieldExplanation, explanation).
			With(FieldActions, strings.Join(actions, ActionSeparator))
	}
	return out
}
