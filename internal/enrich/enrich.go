// Package enrich decorates cost lines with instance metadata and resource tags.
package enrich

import (
	"sort"
	"strings"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
)

// Fields added by tag enrichment.
const (
	FieldHasTags       = "hasTags"
	FieldTagCount      = "tagCount"
	FieldTagNamespaces = "tagNamespaces"
	FieldCostCenter    = "costCenter"
	FieldEnvironment   = "environment"
)

var (
	costCenterKeys  = []string{"costcenter", "cost-center", "cost_center", "department"}
	environmentKeys = []string{"environment", "env", "stage"}
)

// InstanceItems returns one metadata work item per distinct compute instance
// referenced by records, in first-seen order.
func InstanceItems(records []model.Record) []model.WorkItem {
	seen := map[string]bool{}
	var items []model.WorkItem
	for _, r := range records {
		id := r.ResourceID
		if id == "" || seen[id] || !remote.IsComputeInstance(id) {
			continue
		}
		seen[id] = true
		items = append(items, model.NewWorkItem(model.ItemKindResource, id, ""))
	}
	return items
}

// FillMetadata fills empty shape and resourceName fields from instance
// metadata keyed by resource id. Records without metadata pass through.
func FillMetadata(records []model.Record, meta map[string]model.Record) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		m, ok := meta[r.ResourceID]
		if !ok {
			out[i] = r
			continue
		}
		if r.Shape == "" && m.Shape != "" {
			r = r.With(model.FieldShape, m.Shape)
		}
		if r.ResourceName == "" && m.ResourceName != "" {
			r = r.With(model.FieldResourceName, m.ResourceName)
		}
		out[i] = r
	}
	return out
}

// TagIndex maps a resource id to its distinct tags.
type TagIndex map[string][]model.Tag

// BuildTagIndex collects tags from resource-tag usage rows. A row carries its
// tags either as a tags array or as tagNamespace/tagKey/tagValue fields.
// Tags without a namespace or key are skipped.
func BuildTagIndex(rows []model.Record) TagIndex {
	ix := TagIndex{}
	seen := map[string]map[model.Tag]bool{}
	add := func(id string, t model.Tag) {
		if t.Namespace == "" || t.Key == "" {
			return
		}
		if seen[id] == nil {
			seen[id] = map[model.Tag]bool{}
		}
		if seen[id][t] {
			return
		}
		seen[id][t] = true
		ix[id] = append(ix[id], t)
	}

	for _, r := range rows {
		if r.ResourceID == "" {
			continue
		}
		for _, t := range r.Tags {
			add(r.ResourceID, t)
		}
		add(r.ResourceID, model.Tag{
			Namespace: r.Text("tagNamespace"),
			Key:       r.Text("tagKey"),
			Value:     r.Text("tagValue"),
		})
	}
	return ix
}

// Apply returns rec with tag fields set. Later matching keys win, so a
// resource tagged both department and cost-center reports the later one.
func (ix TagIndex) Apply(rec model.Record) model.Record {
	tags := ix[rec.ResourceID]
	rec = rec.With(FieldHasTags, len(tags) > 0).With(FieldTagCount, len(tags))
	if len(tags) == 0 {
		return rec
	}

	nsSet := map[string]bool{}
	var costCenter, env string
	for _, t := range tags {
		nsSet[t.Namespace] = true
		key := strings.ToLower(t.Key)
		if contains(costCenterKeys, key) {
			costCenter = t.Value
		}
		if contains(environmentKeys, key) {
			env = t.Value
		}
	}
	namespaces := make([]string, 0, len(nsSet))
	for ns := range nsSet {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	rec = rec.With(model.FieldTags, tags).With(FieldTagNamespaces, strings.Join(namespaces, ","))
	if costCenter != "" {
		rec = rec.With(FieldCostCenter, costCenter)
	}
	if env != "" {
		rec = rec.With(FieldEnvironment, env)
	}
	return rec
}

// Coverage counts the tagged resources, distinct tag namespaces and tags in
// the index.
func (ix TagIndex) Coverage() model.TagCoverage {
	var c model.TagCoverage
	namespaces := map[string]bool{}
	for _, tags := range ix {
		if len(tags) == 0 {
			continue
		}
		c.TaggedResources++
		c.Tags += len(tags)
		for _, t := range tags {
			namespaces[t.Namespace] = true
		}
	}
	c.Namespaces = len(namespaces)
	return c
}

// ApplyTags applies the index to every record.
func ApplyTags(records []model.Record, ix TagIndex) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		out[i] = ix.Apply(r)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ExplodeTags turns usage rows that carry a tags array into one row per tag
// with tagNamespace, tagKey and tagValue set, so cost can be grouped by tag.
// Rows that already carry those fields, or carry no tags, pass through.
func ExplodeTags(rows []model.Record) []model.Record {
	out := make([]model.Record, 0, len(rows))
	for _, r := range rows {
		if len(r.Tags) == 0 || r.Text("tagKey") != "" {
			out = append(out, r)
			continue
		}
		for _, t := range r.Tags {
			out = append(out, r.
				With("tagNamespace", t.Namespace).
				With("tagKey", t.Key).
				With("tagValue", t.Value))
		}
	}
	return out
}
