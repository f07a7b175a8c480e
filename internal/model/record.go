package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Recognized record fields. Join and aggregation logic depends on these, so
// they get typed storage; everything else the platform returns lands in Extra.
const (
	FieldResourceID       = "resourceId"
	FieldResourceName     = "resourceName"
	FieldTimeUsageStarted = "timeUsageStarted"
	FieldTimeUsageEnded   = "timeUsageEnded"
	FieldService          = "service"
	FieldSkuName          = "skuName"
	FieldSkuPartNumber    = "skuPartNumber"
	FieldCompartmentID    = "compartmentId"
	FieldCompartmentName  = "compartmentName"
	FieldCompartmentPath  = "compartmentPath"
	FieldPlatform         = "platform"
	FieldRegion           = "region"
	FieldShape            = "shape"
	FieldCurrency         = "currency"
	FieldComputedAmount   = "computedAmount"
	FieldComputedQuantity = "computedQuantity"
	FieldTags             = "tags"
)

// Tag is one namespace/key/value tag attached to a resource.
type Tag struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// Record is one flat unit of collected data (a cost line, a usage line, an
// audit event, a tag default). Records are values: the With method returns a
// modified copy and never mutates the receiver.
type Record struct {
	ResourceID       string
	ResourceName     string
	TimeUsageStarted string
	TimeUsageEnded   string
	Service          string
	SkuName          string
	SkuPartNumber    string
	CompartmentID    string
	CompartmentName  string
	CompartmentPath  string
	Platform         string
	Region           string
	Shape            string
	Currency         string
	ComputedAmount   *float64
	ComputedQuantity *float64
	Tags             []Tag

	// Extra holds passthrough fields. Nested objects are flattened to dotted
	// names ("data.identity.principalName"); arrays are stored as JSON text.
	Extra map[string]any
}

// NewRecord builds a Record from a decoded JSON object.
func NewRecord(fields map[string]any) Record {
	var r Record
	r.flatten("", fields)
	return r
}

func (r *Record) flatten(prefix string, fields map[string]any) {
	for k, v := range fields {
		name := prefix + k
		if nested, ok := v.(map[string]any); ok && name != FieldTags {
			r.flatten(name+".", nested)
			continue
		}
		r.set(name, v)
	}
}

func (r *Record) stringField(name string) *string {
	switch name {
	case FieldResourceID:
		return &r.ResourceID
	case FieldResourceName:
		return &r.ResourceName
	case FieldTimeUsageStarted:
		return &r.TimeUsageStarted
	case FieldTimeUsageEnded:
		return &r.TimeUsageEnded
	case FieldService:
		return &r.Service
	case FieldSkuName:
		return &r.SkuName
	case FieldSkuPartNumber:
		return &r.SkuPartNumber
	case FieldCompartmentID:
		return &r.CompartmentID
	case FieldCompartmentName:
		return &r.CompartmentName
	case FieldCompartmentPath:
		return &r.CompartmentPath
	case FieldPlatform:
		return &r.Platform
	case FieldRegion:
		return &r.Region
	case FieldShape:
		return &r.Shape
	case FieldCurrency:
		return &r.Currency
	}
	return nil
}

func (r *Record) set(name string, v any) {
	if p := r.stringField(name); p != nil {
		if v == nil {
			*p = ""
			return
		}
		*p = formatScalar(scalar(v))
		return
	}
	switch name {
	case FieldComputedAmount:
		r.ComputedAmount = floatPtr(v)
		return
	case FieldComputedQuantity:
		r.ComputedQuantity = floatPtr(v)
		return
	case FieldTags:
		r.Tags = parseTags(v)
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[name] = scalar(v)
}

// Get returns the value of a field and whether it is present. Empty strings
// count as absent.
func (r Record) Get(name string) (any, bool) {
	if p := r.stringField(name); p != nil {
		if *p == "" {
			return nil, false
		}
		return *p, true
	}
	switch name {
	case FieldComputedAmount:
		if r.ComputedAmount == nil {
			return nil, false
		}
		return *r.ComputedAmount, true
	case FieldComputedQuantity:
		if r.ComputedQuantity == nil {
			return nil, false
		}
		return *r.ComputedQuantity, true
	case FieldTags:
		if len(r.Tags) == 0 {
			return nil, false
		}
		return r.Tags, true
	}
	v, ok := r.Extra[name]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return v, true
}

// Text returns the field rendered as text, or "" when absent.
func (r Record) Text(name string) string {
	v, ok := r.Get(name)
	if !ok {
		return ""
	}
	if tags, isTags := v.([]Tag); isTags {
		b, _ := json.Marshal(tags)
		return string(b)
	}
	return formatScalar(v)
}

// Number returns the field as a float64. Missing or non-numeric values
// report false.
func (r Record) Number(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// With returns a copy of r with the field set to v.
func (r Record) With(name string, v any) Record {
	cp := r.clone()
	cp.set(name, v)
	return cp
}

// Merge returns a copy of r with every field of other that r lacks. Fields
// present on r take precedence.
func (r Record) Merge(other Record) Record {
	cp := r.clone()
	for _, name := range other.Fields() {
		if _, ok := cp.Get(name); ok {
			continue
		}
		v, _ := other.Get(name)
		cp.set(name, v)
	}
	return cp
}

// Project returns a copy of r holding only the named fields.
func (r Record) Project(names []string) Record {
	var out Record
	for _, name := range names {
		if v, ok := r.Get(name); ok {
			out.set(name, v)
		}
	}
	return out
}

func (r Record) clone() Record {
	cp := r
	cp.Extra = maps.Clone(r.Extra)
	cp.Tags = slices.Clone(r.Tags)
	return cp
}

var recognizedFields = []string{
	FieldResourceID, FieldResourceName, FieldTimeUsageStarted, FieldTimeUsageEnded,
	FieldService, FieldSkuName, FieldSkuPartNumber, FieldCompartmentID, FieldCompartmentName,
	FieldCompartmentPath, FieldPlatform, FieldRegion, FieldShape, FieldCurrency,
	FieldComputedAmount, FieldComputedQuantity, FieldTags,
}

// Fields returns the names of all present fields, sorted.
func (r Record) Fields() []string {
	names := make([]string, 0, len(recognizedFields)+len(r.Extra))
	for _, name := range recognizedFields {
		if _, ok := r.Get(name); ok {
			names = append(names, name)
		}
	}
	for name := range r.Extra {
		if _, ok := r.Get(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToMap returns the present fields as a flat map.
func (r Record) ToMap() map[string]any {
	out := make(map[string]any)
	for _, name := range r.Fields() {
		v, _ := r.Get(name)
		out[name] = v
	}
	return out
}

// MarshalJSON encodes the record as a flat JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToMap())
}

// UnmarshalJSON decodes a JSON object, flattening nested objects.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	*r = NewRecord(fields)
	return nil
}

func floatPtr(v any) *float64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// scalar reduces a decoded JSON value to a flat scalar.
func scalar(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []Tag:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func parseTags(v any) []Tag {
	switch x := v.(type) {
	case []Tag:
		return slices.Clone(x)
	case []any:
		tags := make([]Tag, 0, len(x))
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			t := Tag{
				Namespace: formatScalar(scalar(m["namespace"])),
				Key:       formatScalar(scalar(m["key"])),
				Value:     formatScalar(scalar(m["value"])),
			}
			if t.Namespace == "" || t.Key == "" {
				continue
			}
			tags = append(tags, t)
		}
		return tags
	case string:
		var tags []Tag
		if err := json.Unmarshal([]byte(x), &tags); err != nil {
			return nil
		}
		return tags
	}
	return nil
}
