// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"fmt"
	"sort"
	"time"

	lp "github.com/influxdata/line-protocol"
)

// Point is one record to be written.  Tags and fields are encoded in key
// order.  A zero Time leaves the timestamp to the server.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// clone copies the point maps so the result can be sanitized without
// disturbing the source.
func (pt *Point) clone() *Point {
	rv := &Point{
		Measurement: pt.Measurement,
		Time:        pt.Time,
		Tags:        make(map[string]string, len(pt.Tags)),
		Fields:      make(map[string]interface{}, len(pt.Fields)),
	}
	for k, v := range pt.Tags {
		rv.Tags[k] = v
	}
	for k, v := range pt.Fields {
		rv.Fields[k] = v
	}
	return rv
}

// metric converts the point to a line protocol metric.  Nil field values
// are skipped.
func (pt *Point) metric() (lp.Metric, error) {
	if pt.Measurement == "" {
		return nil, fmt.Errorf("%w: no measurement", ErrPoint)
	}
	m, err := lp.New(pt.Measurement, pt.Tags, nil, pt.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrPoint, pt.Measurement, err.Error())
	}
	keys := make([]string, 0, len(pt.Fields))
	for k, v := range pt.Fields {
		if v != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s: no fields", ErrPoint, pt.Measurement)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.AddField(k, pt.Fields[k])
	}
	return m, nil
}
