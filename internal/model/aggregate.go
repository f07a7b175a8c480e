package model

import "strings"

// Provenance records which side(s) of a join produced a JoinedRecord.
type Provenance string

const (
	ProvenanceMatched   Provenance = "MATCHED"
	ProvenanceLeftOnly  Provenance = "LEFT_ONLY"
	ProvenanceRightOnly Provenance = "RIGHT_ONLY"
	// ProvenanceDuplicate marks a record superseded by a later record with the
	// same composite key on the same side. Only emitted when duplicates are kept.
	ProvenanceDuplicate Provenance = "DUPLICATE"
)

// JoinedRecord is the union of a left and right record matched on a composite
// key, or a single unmatched side.
type JoinedRecord struct {
	Record     Record     `json:"record"`
	Provenance Provenance `json:"provenance"`
}

// BucketKeySeparator joins multi-field group values into one bucket key.
const BucketKeySeparator = " | "

// Bucket holds the statistics accumulated for one distinct combination of
// group-by values. Buckets are produced fresh by each aggregation run.
type Bucket struct {
	Key    string   `json:"key" yaml:"key"`
	Values []string `json:"values" yaml:"values"`
	Count  int      `json:"count" yaml:"count"`
	Sum    float64  `json:"sum" yaml:"sum"`
	// SumExact is the decimal rendering of Sum without float rounding.
	SumExact string   `json:"sum_exact,omitempty" yaml:"sum_exact,omitempty"`
	Top      []Record `json:"top,omitempty" yaml:"-"`
}

// BucketKey joins group values into a bucket key.
func BucketKey(values []string) string {
	return strings.Join(values, BucketKeySeparator)
}
