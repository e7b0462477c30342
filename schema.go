// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// FailureCategory identifies why validation dropped a field or tag.
type FailureCategory string

const (
	// CategoryInvalid marks a known field whose value could not be
	// coerced, or a tag whose value is not allowed.
	CategoryInvalid FailureCategory = "invalid"

	// CategoryStripUnknown marks a field or tag that the schema does not
	// describe, dropped because the schema strips unknown keys.
	CategoryStripUnknown FailureCategory = "stripUnknown"
)

// ValidationFailure records one field or tag dropped from a point.
type ValidationFailure struct {
	Category FailureCategory
	Key      string
	Value    interface{}
}

func (vf ValidationFailure) String() string {
	return fmt.Sprintf("%s %s=%v", vf.Category, vf.Key, vf.Value)
}

// SchemaOptions holds the behavioral options of a schema.
type SchemaOptions struct {
	// StripUnknown drops fields and tags that the schema does not
	// describe.
	StripUnknown bool
}

// schemaRegistry maps measurement names to their schema.  Registered
// schemas are not modified.
type schemaRegistry struct {
	mu sync.RWMutex
	m  map[string]*svcInfluxCfg.Schema
}

func (r *schemaRegistry) get(name string) *svcInfluxCfg.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[name]
}

func (r *schemaRegistry) put(s *svcInfluxCfg.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]*svcInfluxCfg.Schema)
	}
	r.m[s.Name] = s
}

// RegisterSchema installs the rules applied to points written to
// measurement, replacing any schema previously registered for it.  The
// schema is rejected if a field type is undefined or a tag rule allows no
// values.
func (c *Client) RegisterSchema(measurement string,
	fields map[string]svcInfluxCfg.FieldType,
	tags map[string]svcInfluxCfg.TagRule,
	opts SchemaOptions) error {
	if measurement == "" {
		return fmt.Errorf("%w: %w: empty", ErrSchema, svcInfluxCfg.ErrMeasurementName)
	}
	s := &svcInfluxCfg.Schema{
		Name:         measurement,
		Fields:       make(map[string]svcInfluxCfg.FieldType, len(fields)),
		Tags:         make(map[string]svcInfluxCfg.TagRule, len(tags)),
		StripUnknown: opts.StripUnknown,
	}
	for k, v := range fields {
		s.Fields[k] = v
	}
	for k, v := range tags {
		s.Tags[k] = v
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	c.schemas.put(s)
	return nil
}

// Schema returns the schema registered for measurement, or nil.  The result
// must not be modified.
func (c *Client) Schema(measurement string) *svcInfluxCfg.Schema {
	return c.schemas.get(measurement)
}

// sanitize removes from pt the fields and tags rejected by s, replacing the
// remaining known field values with their coerced equivalents.  Failures
// are returned ordered by key.
func sanitize(s *svcInfluxCfg.Schema, pt *Point) (fieldFails, tagFails []ValidationFailure) {
	stripFields := s.StripUnknown && len(s.Fields) > 0
	for _, k := range sortedKeys(pt.Fields) {
		v := pt.Fields[k]
		if v == nil {
			delete(pt.Fields, k)
			continue
		}
		ft, known := s.Fields[k]
		if !known {
			if stripFields {
				delete(pt.Fields, k)
				fieldFails = append(fieldFails, ValidationFailure{CategoryStripUnknown, k, v})
			}
			continue
		}
		cv, ok := coerce(ft, v)
		if !ok {
			delete(pt.Fields, k)
			fieldFails = append(fieldFails, ValidationFailure{CategoryInvalid, k, v})
			continue
		}
		pt.Fields[k] = cv
	}

	stripTags := s.StripUnknown && len(s.Tags) > 0
	for _, k := range sortedKeys(pt.Tags) {
		v := pt.Tags[k]
		tr, known := s.Tags[k]
		switch {
		case !known && stripTags:
			delete(pt.Tags, k)
			tagFails = append(tagFails, ValidationFailure{CategoryStripUnknown, k, v})
		case known && !tr.Accepts(v):
			delete(pt.Tags, k)
			tagFails = append(tagFails, ValidationFailure{CategoryInvalid, k, v})
		}
	}
	return
}

func sortedKeys[V any](m map[string]V) []string {
	rv := make([]string, 0, len(m))
	for k := range m {
		rv = append(rv, k)
	}
	sort.Strings(rv)
	return rv
}

// coerce converts v to the Go type that encodes as ft.
func coerce(ft svcInfluxCfg.FieldType, v interface{}) (interface{}, bool) {
	switch ft {
	case svcInfluxCfg.Integer:
		return coerceInteger(v)
	case svcInfluxCfg.Float:
		return coerceFloat(v)
	case svcInfluxCfg.Boolean:
		switch bv := v.(type) {
		case bool:
			return bv, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(bv)); err == nil {
				return b, true
			}
		}
	case svcInfluxCfg.String:
		switch sv := v.(type) {
		case string:
			return sv, true
		case bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return fmt.Sprint(sv), true
		}
	}
	return nil, false
}

func coerceInteger(v interface{}) (interface{}, bool) {
	switch iv := v.(type) {
	case int:
		return int64(iv), true
	case int8:
		return int64(iv), true
	case int16:
		return int64(iv), true
	case int32:
		return int64(iv), true
	case int64:
		return iv, true
	case uint:
		return uintToInt(uint64(iv))
	case uint8:
		return int64(iv), true
	case uint16:
		return int64(iv), true
	case uint32:
		return int64(iv), true
	case uint64:
		return uintToInt(iv)
	case float32:
		return floatToInt(float64(iv))
	case float64:
		return floatToInt(iv)
	case json.Number:
		return parseInteger(string(iv))
	case string:
		return parseInteger(iv)
	}
	return nil, false
}

func uintToInt(v uint64) (interface{}, bool) {
	if v > math.MaxInt64 {
		return nil, false
	}
	return int64(v), true
}

// floatToInt accepts only integral values, so 2.0 converts but 2.7 does
// not.
func floatToInt(v float64) (interface{}, bool) {
	if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 || v != math.Trunc(v) {
		return nil, false
	}
	return int64(v), true
}

func parseInteger(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatToInt(f)
	}
	return nil, false
}

func coerceFloat(v interface{}) (interface{}, bool) {
	var f float64
	switch fv := v.(type) {
	case int:
		f = float64(fv)
	case int8:
		f = float64(fv)
	case int16:
		f = float64(fv)
	case int32:
		f = float64(fv)
	case int64:
		f = float64(fv)
	case uint:
		f = float64(fv)
	case uint8:
		f = float64(fv)
	case uint16:
		f = float64(fv)
	case uint32:
		f = float64(fv)
	case uint64:
		f = float64(fv)
	case float32:
		f = float64(fv)
	case float64:
		f = fv
	case json.Number:
		pf, err := fv.Float64()
		if err != nil {
			return nil, false
		}
		f = pf
	case string:
		pf, err := strconv.ParseFloat(strings.TrimSpace(fv), 64)
		if err != nil {
			return nil, false
		}
		f = pf
	default:
		return nil, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

// validate returns a sanitized copy of pt.  When a schema is registered for
// the measurement, failures are emitted as events and counted.  Validation
// never rejects the point.
func (c *Client) validate(pt *Point) *Point {
	rv := pt.clone()
	s := c.schemas.get(pt.Measurement)
	if s == nil {
		return rv
	}
	ff, tf := sanitize(s, rv)
	if len(ff) > 0 {
		c.metrics.observeFailures(rv.Measurement, EventInvalidFields, ff)
		c.events.emit(Event{
			Kind:        EventInvalidFields,
			Measurement: rv.Measurement,
			Failures:    ff,
		})
	}
	if len(tf) > 0 {
		c.metrics.observeFailures(rv.Measurement, EventInvalidTags, tf)
		c.events.emit(Event{
			Kind:        EventInvalidTags,
			Measurement: rv.Measurement,
			Failures:    tf,
		})
	}
	return rv
}
