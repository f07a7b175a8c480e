// Package aggregate reduces records into ranked group-by buckets.
package aggregate

import (
	"sort"

	"github.com/cockroachdb/apd/v3"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// MissingValue labels a group-by field the record does not carry.
const MissingValue = "Unknown"

var decimalCtx = apd.BaseContext.WithPrecision(34)

// Spec describes one aggregation.
type Spec struct {
	Name    string
	GroupBy []string
	// SumField is summed per bucket. Empty means buckets rank by count.
	SumField string
	// TopN bounds the contributing records kept per bucket. Zero keeps none.
	TopN int
}

type accumulator struct {
	bucket model.Bucket
	sum    apd.Decimal
	top    []contribution
}

type contribution struct {
	rec   model.Record
	value *apd.Decimal
	seq   int
}

// Aggregate groups records by spec.GroupBy. Missing or non-numeric sum values
// count as zero. Buckets are ordered by descending sum (or count when there is
// no sum field) with ties broken by ascending key.
func Aggregate(records []model.Record, spec Spec) []model.Bucket {
	accs := map[string]*accumulator{}
	order := make([]string, 0)

	for i, rec := range records {
		values := make([]string, len(spec.GroupBy))
		for j, f := range spec.GroupBy {
			v := rec.Text(f)
			if v == "" {
				v = MissingValue
			}
			values[j] = v
		}
		key := model.BucketKey(values)

		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{bucket: model.Bucket{Key: key, Values: values}}
			accs[key] = acc
			order = append(order, key)
		}
		acc.bucket.Count++

		v := new(apd.Decimal)
		if spec.SumField != "" {
			v = value(rec, spec.SumField)
			_, _ = decimalCtx.Add(&acc.sum, &acc.sum, v)
		}
		if spec.TopN > 0 {
			acc.top = append(acc.top, contribution{rec: rec, value: v, seq: i})
		}
	}

	out := make([]*accumulator, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		if spec.SumField != "" {
			acc.bucket.Sum, _ = acc.sum.Float64()
			acc.bucket.SumExact = acc.sum.Text('f')
		}
		acc.bucket.Top = topN(acc.top, spec.TopN)
		out = append(out, acc)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if spec.SumField != "" {
			if c := a.sum.Cmp(&b.sum); c != 0 {
				return c > 0
			}
		} else if a.bucket.Count != b.bucket.Count {
			return a.bucket.Count > b.bucket.Count
		}
		return a.bucket.Key < b.bucket.Key
	})

	buckets := make([]model.Bucket, len(out))
	for i, acc := range out {
		buckets[i] = acc.bucket
	}
	return buckets
}

// Run applies every Spec to the same records, keyed by Spec.Name.
func Run(records []model.Record, specs []Spec) map[string][]model.Bucket {
	out := make(map[string][]model.Bucket, len(specs))
	for _, s := range specs {
		out[s.Name] = Aggregate(records, s)
	}
	return out
}

// value parses a field exactly from its text form. Anything that is not a
// finite number is zero.
func value(rec model.Record, field string) *apd.Decimal {
	d := new(apd.Decimal)
	text := rec.Text(field)
	if text == "" {
		return d
	}
	if _, _, err := d.SetString(text); err != nil || d.Form != apd.Finite {
		return new(apd.Decimal)
	}
	return d
}

// topN keeps the n largest contributions, earlier records first on ties.
func topN(cs []contribution, n int) []model.Record {
	if n <= 0 || len(cs) == 0 {
		return nil
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if c := cs[i].value.Cmp(cs[j].value); c != 0 {
			return c > 0
		}
		return cs[i].seq < cs[j].seq
	})
	if len(cs) > n {
		cs = cs[:n]
	}
	recs := make([]model.Record, len(cs))
	for i, c := range cs {
		recs[i] = c.rec
	}
	return recs
}
