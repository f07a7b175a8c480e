package collector

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/aggregate"
	"github.com/sells-group/cloudcost-cli/internal/enrich"
	"github.com/sells-group/cloudcost-cli/internal/join"
	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
)

// Cost lines join usage lines on resource and usage day.
var costJoinKey = []string{model.FieldResourceID, model.FieldTimeUsageStarted}

// usageFields are the usage-side fields carried onto cost lines.
var usageFields = []string{
	model.FieldPlatform,
	model.FieldRegion,
	model.FieldSkuPartNumber,
	model.FieldShape,
	model.FieldResourceName,
}

func (s *session) requireRange(kind model.CollectionKind) error {
	if !s.params.HasRange() {
		return s.enumerationFailed(eris.Errorf("collector: %s collection needs a date range", kind))
	}
	return nil
}

func (s *session) collectCost(ctx context.Context) error {
	if err := s.requireRange(model.CollectCost); err != nil {
		return err
	}
	items := []model.WorkItem{
		remote.QueryCost.Item(),
		remote.QueryUsage.Item(),
		remote.QueryResourceTags.Item(),
	}

	s.transition(model.SessionFetching)
	usage := s.fetch(ctx, stage{
		pool:      "bulk",
		workers:   s.c.opts.Pools.Bulk,
		items:     items,
		cacheName: string(model.CollectCost),
		params:    s.params,
	})

	s.transition(model.SessionJoining)
	joined := join.Join(usage.records(remote.QueryCost.Item()), usage.records(remote.QueryUsage.Item()), join.Spec{
		LeftKey:     costJoinKey,
		RightFields: usageFields,
		Duplicates:  s.c.opts.Duplicates,
	})
	stats := join.Count(joined)
	s.log.Info("cost and usage joined",
		zap.Int("matched", stats.Matched),
		zap.Int("left_only", stats.LeftOnly),
		zap.Int("right_only", stats.RightOnly),
		zap.Int("duplicates", stats.Duplicates),
	)

	recs := join.Records(joined)
	if metaItems := enrich.InstanceItems(recs); len(metaItems) > 0 {
		meta := s.fetch(ctx, stage{
			pool:      "metadata",
			workers:   s.c.opts.Pools.Metadata,
			items:     metaItems,
			cacheName: "metadata",
			params:    s.rangeless(),
		})
		byID := make(map[string]model.Record, len(metaItems))
		for _, item := range metaItems {
			if r := meta.records(item); len(r) > 0 {
				byID[item.ID] = r[0]
			}
		}
		recs = enrich.FillMetadata(recs, byID)
	}
	tags := enrich.BuildTagIndex(usage.records(remote.QueryResourceTags.Item()))
	coverage := tags.Coverage()
	s.res.Tagging = &coverage
	s.log.Info("tag enrichment",
		zap.Int("tagged_resources", coverage.TaggedResources),
		zap.Int("tag_namespaces", coverage.Namespaces),
		zap.Int("tags", coverage.Tags),
	)
	recs = enrich.ApplyTags(recs, tags)

	counted := make([]model.Record, 0, len(recs))
	for i := range joined {
		joined[i].Record = recs[i]
		if joined[i].Provenance != model.ProvenanceDuplicate {
			counted = append(counted, recs[i])
		}
	}
	s.res.Joined = joined
	s.res.Records = counted

	s.transition(model.SessionAggregating)
	n := s.c.opts.TopN
	s.aggregate(counted,
		aggregate.Spec{Name: "cost_by_service", GroupBy: []string{model.FieldService}, SumField: model.FieldComputedAmount, TopN: n},
		aggregate.Spec{Name: "cost_by_compartment", GroupBy: []string{model.FieldCompartmentPath}, SumField: model.FieldComputedAmount, TopN: n},
		aggregate.Spec{Name: "cost_by_resource", GroupBy: []string{model.FieldResourceID, model.FieldResourceName}, SumField: model.FieldComputedAmount},
		aggregate.Spec{Name: "cost_by_shape", GroupBy: []string{model.FieldShape}, SumField: model.FieldComputedAmount, TopN: n},
		aggregate.Spec{Name: "cost_by_cost_center", GroupBy: []string{enrich.FieldCostCenter}, SumField: model.FieldComputedAmount, TopN: n},
		aggregate.Spec{Name: "cost_by_environment", GroupBy: []string{enrich.FieldEnvironment}, SumField: model.FieldComputedAmount, TopN: n},
	)
	trimBuckets(s.res.Aggregates, "cost_by_resource", n)
	return nil
}

func (s *session) collectTags(ctx context.Context) error {
	comps, err := s.compartments(ctx)
	if err != nil {
		return err
	}
	namespaces, err := s.c.enum.ListTagNamespaces(ctx, s.params.TenancyID)
	if err != nil {
		return s.enumerationFailed(err)
	}

	s.transition(model.SessionFetching)
	defs := s.fetch(ctx, stage{
		pool:      "namespaces",
		workers:   s.c.opts.Pools.Namespaces,
		items:     retag(namespaces, model.ItemKindTagDefinitions),
		cacheName: string(model.CollectTags),
		params:    s.rangeless(),
	})
	defaults := s.fetch(ctx, stage{
		pool:      "compartments",
		workers:   s.c.opts.Pools.Compartments,
		items:     retag(comps, model.ItemKindTagDefaults),
		cacheName: string(model.CollectTags),
		params:    s.rangeless(),
	})
	var tagCost []model.Record
	if s.params.HasRange() {
		costs := s.fetch(ctx, stage{
			pool:      "bulk",
			workers:   s.c.opts.Pools.Bulk,
			items:     []model.WorkItem{remote.QueryTagCost.Item()},
			cacheName: string(model.CollectTags),
			params:    s.params,
		})
		tagCost = enrich.ExplodeTags(costs.all())
	}

	s.transition(model.SessionAggregating)
	n := s.c.opts.TopN
	defRecs, defaultRecs := defs.all(), defaults.all()
	s.aggregate(defRecs,
		aggregate.Spec{Name: "definitions_by_namespace", GroupBy: []string{"tagNamespaceName"}, TopN: n})
	s.aggregate(defaultRecs,
		aggregate.Spec{Name: "defaults_by_tag", GroupBy: []string{"tagDefinitionName"}, TopN: n})
	if tagCost != nil {
		s.aggregate(tagCost,
			aggregate.Spec{Name: "cost_by_tag", GroupBy: []string{"tagNamespace", "tagKey", "tagValue"}, SumField: model.FieldComputedAmount, TopN: n})
		trimBuckets(s.res.Aggregates, "cost_by_tag", n)
	}

	recs := make([]model.Record, 0, len(defRecs)+len(defaultRecs)+len(tagCost))
	recs = append(recs, defRecs...)
	recs = append(recs, defaultRecs...)
	s.res.Records = append(recs, tagCost...)
	return nil
}

func (s *session) collectAudit(ctx context.Context) error {
	if err := s.requireRange(model.CollectAudit); err != nil {
		return err
	}
	comps, err := s.compartments(ctx)
	if err != nil {
		return err
	}

	s.transition(model.SessionFetching)
	events := s.fetch(ctx, stage{
		pool:      "compartments",
		workers:   s.c.opts.Pools.Compartments,
		items:     retag(comps, model.ItemKindAuditEvents),
		cacheName: string(model.CollectAudit),
		params:    s.params,
	})

	s.transition(model.SessionAggregating)
	recs := events.all()
	n := s.c.opts.TopN
	s.aggregate(recs,
		aggregate.Spec{Name: "events_by_type", GroupBy: []string{"data.eventName"}, TopN: n},
		aggregate.Spec{Name: "events_by_resource", GroupBy: []string{"data.resourceName"}, TopN: n},
		aggregate.Spec{Name: "events_by_principal", GroupBy: []string{"data.identity.principalName"}},
	)
	if limit := s.c.opts.AuditSampleSize; len(recs) > limit {
		s.log.Info("audit records sampled", zap.Int("total", len(recs)), zap.Int("kept", limit))
		recs = recs[:limit]
	}
	s.res.Records = recs
	return nil
}

func (s *session) collectRules(ctx context.Context) error {
	comps, err := s.compartments(ctx)
	if err != nil {
		return err
	}

	s.transition(model.SessionFetching)
	rules := s.fetch(ctx, stage{
		pool:      "compartments",
		workers:   s.c.opts.Pools.Compartments,
		items:     retag(comps, model.ItemKindEventRules),
		cacheName: string(model.CollectRules),
		params:    s.rangeless(),
	})

	s.transition(model.SessionAggregating)
	recs := rules.all()
	n := s.c.opts.TopN
	s.aggregate(recs,
		aggregate.Spec{Name: "rules_by_status", GroupBy: []string{"status"}, TopN: n},
		aggregate.Spec{Name: "rules_by_action_types", GroupBy: []string{"actionTypes"}, TopN: n},
	)
	s.res.Records = recs
	return nil
}

func (s *session) collectRecommendations(ctx context.Context) error {
	if s.params.TenancyID == "" {
		return s.enumerationFailed(eris.New("collector: tenancy id is required"))
	}
	root := model.NewWorkItem(model.ItemKindRecommendations, s.params.TenancyID, "root")

	s.transition(model.SessionFetching)
	got := s.fetch(ctx, stage{
		pool:      "compartments",
		workers:   s.c.opts.Pools.Compartments,
		items:     []model.WorkItem{root},
		cacheName: string(model.CollectRecommendations),
		params:    s.rangeless(),
	})

	s.transition(model.SessionAggregating)
	recs := enrich.Recommendations(got.all())
	n := s.c.opts.TopN
	s.aggregate(recs,
		aggregate.Spec{Name: "savings_by_category", GroupBy: []string{"category"}, SumField: "estimatedCostSaving", TopN: n},
		aggregate.Spec{Name: "recommendations_by_importance", GroupBy: []string{"importance"}, SumField: "estimatedCostSaving"},
	)
	s.res.Records = recs
	return nil
}

func (s *session) collectMetrics(ctx context.Context) error {
	if err := s.requireRange(model.CollectMetrics); err != nil {
		return err
	}
	if s.params.TenancyID == "" {
		return s.enumerationFailed(eris.New("collector: tenancy id is required"))
	}

	s.transition(model.SessionFetching)
	series := s.fetch(ctx, stage{
		pool:      "metrics",
		workers:   s.c.opts.Pools.Metrics,
		items:     remote.MetricItems(),
		cacheName: string(model.CollectMetrics),
		params:    s.params,
	})

	s.transition(model.SessionAggregating)
	recs := series.all()
	n := s.c.opts.TopN
	s.aggregate(recs,
		aggregate.Spec{Name: "datapoints_by_namespace", GroupBy: []string{remote.FieldMetricNamespaceName}, SumField: remote.FieldDataPoints},
		aggregate.Spec{Name: "series_by_metric", GroupBy: []string{remote.FieldMetricNamespace, remote.FieldMetricName}, TopN: n},
		aggregate.Spec{Name: "peak_by_resource", GroupBy: []string{remote.FieldMetricName, model.FieldResourceID}, SumField: remote.FieldMaxValue},
	)
	trimBuckets(s.res.Aggregates, "peak_by_resource", n)
	s.res.Records = recs
	return nil
}

// trimBuckets keeps only the n highest buckets of a ranking aggregate.
func trimBuckets(aggs map[string][]model.Bucket, name string, n int) {
	if b := aggs[name]; n > 0 && len(b) > n {
		aggs[name] = b[:n]
	}
}
