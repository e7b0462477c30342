// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/influxdata/influxql"
)

// RetentionPolicy describes a retention policy of the client database.
type RetentionPolicy struct {
	Name               string
	Duration           time.Duration
	ShardGroupDuration time.Duration
	ReplicaN           int
	Default            bool
}

// FieldKey identifies a field and its type.
type FieldKey struct {
	Key  string
	Type string
}

// MeasurementFields lists the field keys of one measurement.
type MeasurementFields struct {
	Measurement string
	Fields      []FieldKey
}

// MeasurementTags lists the tag keys of one measurement.
type MeasurementTags struct {
	Measurement string
	Keys        []string
}

// exec runs one administrative statement and converts a failed statement
// into an error.
func (c *Client) exec(ctx context.Context, stmt influxql.Statement, post bool) (*Response, error) {
	rv, err := c.query(ctx, stmt.String(), post, "")
	if err != nil {
		return nil, err
	}
	if err := rv.StatementError(); err != nil {
		return nil, err
	}
	return rv, nil
}

func sourcesFor(measurement string) influxql.Sources {
	if measurement == "" {
		return nil
	}
	return influxql.Sources{&influxql.Measurement{Name: measurement}}
}

// series returns the series of the first result.
func (r *Response) series() []Series {
	if len(r.Results) == 0 {
		return nil
	}
	return r.Results[0].Series
}

// column returns the values of the named column across every series of
// the first result.
func (r *Response) column(name string) []string {
	var rv []string
	for _, s := range r.series() {
		ci := -1
		for i, col := range s.Columns {
			if col == name {
				ci = i
			}
		}
		if ci < 0 {
			continue
		}
		for _, vals := range s.Values {
			if ci < len(vals) {
				rv = append(rv, fmt.Sprint(vals[ci]))
			}
		}
	}
	return rv
}

// CreateDatabase creates the client database if it does not exist.
func (c *Client) CreateDatabase(ctx context.Context) error {
	_, err := c.exec(ctx, &influxql.CreateDatabaseStatement{
		Name: c.endpoint.Database,
	}, true)
	return err
}

// DropDatabase removes the client database and all its data.
func (c *Client) DropDatabase(ctx context.Context) error {
	_, err := c.exec(ctx, &influxql.DropDatabaseStatement{
		Name: c.endpoint.Database,
	}, true)
	return err
}

// ShowDatabases lists the databases on the server.
func (c *Client) ShowDatabases(ctx context.Context) ([]string, error) {
	rv, err := c.exec(ctx, &influxql.ShowDatabasesStatement{}, false)
	if err != nil {
		return nil, err
	}
	return rv.column("name"), nil
}

// ShowMeasurements lists the measurements of the client database.
func (c *Client) ShowMeasurements(ctx context.Context) ([]string, error) {
	rv, err := c.exec(ctx, &influxql.ShowMeasurementsStatement{
		Database: c.endpoint.Database,
	}, false)
	if err != nil {
		return nil, err
	}
	return rv.column("name"), nil
}

// ShowSeries lists the series keys of measurement, or of every measurement
// if measurement is empty.
func (c *Client) ShowSeries(ctx context.Context, measurement string) ([]string, error) {
	rv, err := c.exec(ctx, &influxql.ShowSeriesStatement{
		Database: c.endpoint.Database,
		Sources:  sourcesFor(measurement),
	}, false)
	if err != nil {
		return nil, err
	}
	return rv.column("key"), nil
}

// ShowTagKeys lists the tag keys of measurement, or of every measurement if
// measurement is empty.
func (c *Client) ShowTagKeys(ctx context.Context, measurement string) ([]MeasurementTags, error) {
	rv, err := c.exec(ctx, &influxql.ShowTagKeysStatement{
		Database: c.endpoint.Database,
		Sources:  sourcesFor(measurement),
	}, false)
	if err != nil {
		return nil, err
	}
	var out []MeasurementTags
	for _, s := range rv.series() {
		mt := MeasurementTags{Measurement: s.Name}
		for _, vals := range s.Values {
			if len(vals) > 0 {
				mt.Keys = append(mt.Keys, fmt.Sprint(vals[0]))
			}
		}
		out = append(out, mt)
	}
	return out, nil
}

// ShowFieldKeys lists the field keys and types of measurement, or of every
// measurement if measurement is empty.
func (c *Client) ShowFieldKeys(ctx context.Context, measurement string) ([]MeasurementFields, error) {
	rv, err := c.exec(ctx, &influxql.ShowFieldKeysStatement{
		Database: c.endpoint.Database,
		Sources:  sourcesFor(measurement),
	}, false)
	if err != nil {
		return nil, err
	}
	var out []MeasurementFields
	for _, s := range rv.series() {
		mf := MeasurementFields{Measurement: s.Name}
		for _, vals := range s.Values {
			if len(vals) > 1 {
				mf.Fields = append(mf.Fields, FieldKey{
					Key:  fmt.Sprint(vals[0]),
					Type: fmt.Sprint(vals[1]),
				})
			}
		}
		out = append(out, mf)
	}
	return out, nil
}

func parseRPDuration(v interface{}) (time.Duration, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%w: duration %v", ErrStatement, v)
	}
	return time.ParseDuration(s)
}

// ShowRetentionPolicies lists the retention policies of the client
// database.
func (c *Client) ShowRetentionPolicies(ctx context.Context) ([]RetentionPolicy, error) {
	rv, err := c.exec(ctx, &influxql.ShowRetentionPoliciesStatement{
		Database: c.endpoint.Database,
	}, false)
	if err != nil {
		return nil, err
	}
	var out []RetentionPolicy
	for _, s := range rv.series() {
		for _, vals := range s.Values {
			var rp RetentionPolicy
			for i, col := range s.Columns {
				if i >= len(vals) {
					break
				}
				v := vals[i]
				switch col {
				case "name":
					rp.Name = fmt.Sprint(v)
				case "duration":
					if rp.Duration, err = parseRPDuration(v); err != nil {
						return nil, err
					}
				case "shardGroupDuration":
					if rp.ShardGroupDuration, err = parseRPDuration(v); err != nil {
						return nil, err
					}
				case "replicaN":
					if n, ok := v.(json.Number); ok {
						i64, _ := n.Int64()
						rp.ReplicaN = int(i64)
					}
				case "default":
					rp.Default, _ = v.(bool)
				}
			}
			out = append(out, rp)
		}
	}
	return out, nil
}

// CreateRetentionPolicy adds a retention policy to the client database.  A
// zero Duration retains data forever, a zero ReplicaN is replaced by 1, and
// a zero ShardGroupDuration lets the server select one.
func (c *Client) CreateRetentionPolicy(ctx context.Context, rp RetentionPolicy) error {
	if rp.ReplicaN == 0 {
		rp.ReplicaN = 1
	}
	_, err := c.exec(ctx, &influxql.CreateRetentionPolicyStatement{
		Name:               rp.Name,
		Database:           c.endpoint.Database,
		Duration:           rp.Duration,
		Replication:        rp.ReplicaN,
		ShardGroupDuration: rp.ShardGroupDuration,
		Default:            rp.Default,
	}, true)
	return err
}

// UpdateRetentionPolicy alters a retention policy of the client database.
// Zero values of Duration, ShardGroupDuration, and ReplicaN leave the
// corresponding setting unchanged.  Default true makes the policy the
// database default.
func (c *Client) UpdateRetentionPolicy(ctx context.Context, rp RetentionPolicy) error {
	stmt := &influxql.AlterRetentionPolicyStatement{
		Name:     rp.Name,
		Database: c.endpoint.Database,
		Default:  rp.Default,
	}
	if rp.Duration != 0 {
		stmt.Duration = &rp.Duration
	}
	if rp.ShardGroupDuration != 0 {
		stmt.ShardGroupDuration = &rp.ShardGroupDuration
	}
	if rp.ReplicaN != 0 {
		stmt.Replication = &rp.ReplicaN
	}
	_, err := c.exec(ctx, stmt, true)
	return err
}

// DropRetentionPolicy removes a retention policy from the client database.
func (c *Client) DropRetentionPolicy(ctx context.Context, name string) error {
	_, err := c.exec(ctx, &influxql.DropRetentionPolicyStatement{
		Name:     name,
		Database: c.endpoint.Database,
	}, true)
	return err
}
