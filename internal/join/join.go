// Package join merges two independently fetched record sets on a composite key.
package join

import (
	"strconv"
	"strings"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// Key is a composite join key.
type Key string

// CompositeKey builds the key of rec over fields. Each part is length-prefixed
// so no field value can spill into the next. It reports false when any key
// field is absent; such records never match anything.
func CompositeKey(rec model.Record, fields []string) (Key, bool) {
	if len(fields) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, f := range fields {
		v := rec.Text(f)
		if v == "" {
			return "", false
		}
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return Key(b.String()), true
}

// DuplicatePolicy decides what happens to a right-side record whose key was
// already seen on the right side.
type DuplicatePolicy int

const (
	// DuplicateLastWriteWins keeps the last record per key and drops the rest.
	DuplicateLastWriteWins DuplicatePolicy = iota
	// DuplicateKeep keeps the last record per key for matching and emits each
	// superseded record with provenance DUPLICATE.
	DuplicateKeep
)

// Spec configures a join.
type Spec struct {
	LeftKey []string
	// RightKey defaults to LeftKey.
	RightKey []string
	// RightFields restricts which right-side fields are carried into matched
	// and right-only output. Key fields are always carried. Nil carries all.
	RightFields []string
	Duplicates  DuplicatePolicy
}

func (s Spec) rightKey() []string {
	if len(s.RightKey) > 0 {
		return s.RightKey
	}
	return s.LeftKey
}

func (s Spec) project(rec model.Record) model.Record {
	if s.RightFields == nil {
		return rec
	}
	names := make([]string, 0, len(s.RightFields)+len(s.rightKey()))
	names = append(names, s.rightKey()...)
	names = append(names, s.RightFields...)
	return rec.Project(names)
}

// Join matches every left record against the right side indexed by key.
// Left records are emitted in input order as MATCHED (left fields win on name
// collisions) or LEFT_ONLY; right keys that matched nothing follow as
// RIGHT_ONLY in first-seen order. Left records are never deduplicated.
func Join(left, right []model.Record, spec Spec) []model.JoinedRecord {
	type slot struct {
		rec     model.Record
		matched bool
	}
	index := make(map[Key]*slot, len(right))
	order := make([]Key, 0, len(right))
	var dupes []model.JoinedRecord
	var keyless []model.Record

	for _, r := range right {
		k, ok := CompositeKey(r, spec.rightKey())
		if !ok {
			keyless = append(keyless, r)
			continue
		}
		if prev, seen := index[k]; seen {
			if spec.Duplicates == DuplicateKeep {
				dupes = append(dupes, model.JoinedRecord{
					Record:     spec.project(prev.rec),
					Provenance: model.ProvenanceDuplicate,
				})
			}
			prev.rec = r
			continue
		}
		index[k] = &slot{rec: r}
		order = append(order, k)
	}

	out := make([]model.JoinedRecord, 0, len(left)+len(right))
	for _, l := range left {
		k, ok := CompositeKey(l, spec.LeftKey)
		var s *slot
		if ok {
			s = index[k]
		}
		if s == nil {
			out = append(out, model.JoinedRecord{Record: l, Provenance: model.ProvenanceLeftOnly})
			continue
		}
		s.matched = true
		out = append(out, model.JoinedRecord{
			Record:     l.Merge(spec.project(s.rec)),
			Provenance: model.ProvenanceMatched,
		})
	}

	for _, k := range order {
		if s := index[k]; !s.matched {
			out = append(out, model.JoinedRecord{Record: spec.project(s.rec), Provenance: model.ProvenanceRightOnly})
		}
	}
	for _, r := range keyless {
		out = append(out, model.JoinedRecord{Record: spec.project(r), Provenance: model.ProvenanceRightOnly})
	}
	return append(out, dupes...)
}

// Stats counts joined records by provenance.
type Stats struct {
	Matched    int `json:"matched"`
	LeftOnly   int `json:"left_only"`
	RightOnly  int `json:"right_only"`
	Duplicates int `json:"duplicates"`
}

// Count tallies provenance over joined records.
func Count(joined []model.JoinedRecord) Stats {
	var s Stats
	for _, j := range joined {
		switch j.Provenance {
		case model.ProvenanceMatched:
			s.Matched++
		case model.ProvenanceLeftOnly:
			s.LeftOnly++
		case model.ProvenanceRightOnly:
			s.RightOnly++
		case model.ProvenanceDuplicate:
			s.Duplicates++
		}
	}
	return s
}

// Records returns the joined records without provenance.
func Records(joined []model.JoinedRecord) []model.Record {
	out := make([]model.Record, len(joined))
	for i, j := range joined {
		out[i] = j.Record
	}
	return out
}
