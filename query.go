// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/influxql"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Comparison operators accepted by ConditionOp.
var conditionOps = map[string]influxql.Token{
	"=":  influxql.EQ,
	"!=": influxql.NEQ,
	"<>": influxql.NEQ,
	"<":  influxql.LT,
	"<=": influxql.LTE,
	">":  influxql.GT,
	">=": influxql.GTE,
}

// QueryBuilder describes a SELECT statement.  Methods record the first
// error, which is returned by Build, Exec, and Queue.  A builder should not
// be shared between goroutines.
type QueryBuilder struct {
	c           *Client
	measurement string
	inner       *QueryBuilder

	fields []influxql.Expr
	conds  map[string][]influxql.Expr
	where  []influxql.Expr
	times  []influxql.Expr
	dims   influxql.Dimensions

	fill      influxql.FillOption
	fillValue interface{}
	desc      bool
	limit     int
	offset    int

	format    string
	hasFormat bool
	err       error
}

// Query starts the description of a SELECT from measurement.
func (c *Client) Query(measurement string) *QueryBuilder {
	return &QueryBuilder{
		c:           c,
		measurement: measurement,
		conds:       make(map[string][]influxql.Expr),
	}
}

func (q *QueryBuilder) fail(err error) *QueryBuilder {
	if q.err == nil {
		q.err = err
	}
	return q
}

// literal converts a Go value to the InfluxQL literal that represents it.
func literal(v interface{}) (influxql.Expr, error) {
	switch lv := v.(type) {
	case string:
		return &influxql.StringLiteral{Val: lv}, nil
	case bool:
		return &influxql.BooleanLiteral{Val: lv}, nil
	case int:
		return &influxql.IntegerLiteral{Val: int64(lv)}, nil
	case int32:
		return &influxql.IntegerLiteral{Val: int64(lv)}, nil
	case int64:
		return &influxql.IntegerLiteral{Val: lv}, nil
	case uint32:
		return &influxql.IntegerLiteral{Val: int64(lv)}, nil
	case float32:
		return &influxql.NumberLiteral{Val: float64(lv)}, nil
	case float64:
		return &influxql.NumberLiteral{Val: lv}, nil
	case time.Time:
		return &influxql.TimeLiteral{Val: lv}, nil
	case time.Duration:
		return &influxql.DurationLiteral{Val: lv}, nil
	}
	return nil, fmt.Errorf("%w: unsupported value %T", ErrQuery, v)
}

// Condition requires that key equal one of values.  Conditions on the same
// key are ORed; conditions on different keys are ANDed.
func (q *QueryBuilder) Condition(key string, values ...interface{}) *QueryBuilder {
	return q.ConditionOp(key, "=", values...)
}

// ConditionOp requires that key compare with one of values using op, which
// is one of =, !=, <, <=, >, and >=.
func (q *QueryBuilder) ConditionOp(key, op string, values ...interface{}) *QueryBuilder {
	tok, ok := conditionOps[op]
	if !ok {
		return q.fail(fmt.Errorf("%w: operator %q", ErrQuery, op))
	}
	if key == "" || len(values) == 0 {
		return q.fail(fmt.Errorf("%w: condition requires key and value", ErrQuery))
	}
	for _, v := range values {
		rhs, err := literal(v)
		if err != nil {
			return q.fail(err)
		}
		q.conds[key] = append(q.conds[key], &influxql.BinaryExpr{
			Op:  tok,
			LHS: &influxql.VarRef{Val: key},
			RHS: rhs,
		})
	}
	return q
}

// Where adds an InfluxQL conditional expression, ANDed with the other
// conditions.
func (q *QueryBuilder) Where(expr string) *QueryBuilder {
	e, err := influxql.ParseExpr(expr)
	if err != nil {
		return q.fail(fmt.Errorf("%w: %s", ErrQuery, err.Error()))
	}
	q.where = append(q.where, e)
	return q
}

// Fields selects fields or tags by name.  Without fields or functions every
// column is selected.
func (q *QueryBuilder) Fields(names ...string) *QueryBuilder {
	for _, n := range names {
		q.fields = append(q.fields, varRef(n))
	}
	return q
}

func varRef(name string) influxql.Expr {
	if name == "*" {
		return &influxql.Wildcard{}
	}
	return &influxql.VarRef{Val: name}
}

// AddFunction selects name(field, args...), e.g. AddFunction("mean",
// "use") or AddFunction("percentile", "use", 95).  An empty field omits the
// field argument; "*" selects every field.
func (q *QueryBuilder) AddFunction(name, field string, args ...interface{}) *QueryBuilder {
	if name == "" {
		return q.fail(fmt.Errorf("%w: function requires name", ErrQuery))
	}
	call := &influxql.Call{
		Name: name,
	}
	if field != "" {
		call.Args = append(call.Args, varRef(field))
	}
	for _, a := range args {
		e, err := literal(a)
		if err != nil {
			return q.fail(err)
		}
		call.Args = append(call.Args, e)
	}
	q.fields = append(q.fields, call)
	return q
}

// AddGroup groups results by the given tag keys.  "*" groups by every tag.
func (q *QueryBuilder) AddGroup(keys ...string) *QueryBuilder {
	for _, k := range keys {
		q.dims = append(q.dims, &influxql.Dimension{Expr: varRef(k)})
	}
	return q
}

// GroupByTime groups results into intervals of width d.
func (q *QueryBuilder) GroupByTime(d time.Duration) *QueryBuilder {
	if d <= 0 {
		return q.fail(fmt.Errorf("%w: group interval %s", ErrQuery, d))
	}
	q.dims = append(q.dims, &influxql.Dimension{
		Expr: &influxql.Call{
			Name: "time",
			Args: []influxql.Expr{&influxql.DurationLiteral{Val: d}},
		},
	})
	return q
}

func timeBound(op influxql.Token, rhs influxql.Expr) influxql.Expr {
	return &influxql.BinaryExpr{
		Op:  op,
		LHS: &influxql.VarRef{Val: "time"},
		RHS: rhs,
	}
}

// Start excludes points before t.
func (q *QueryBuilder) Start(t time.Time) *QueryBuilder {
	q.times = append(q.times, timeBound(influxql.GTE, &influxql.TimeLiteral{Val: t}))
	return q
}

// End excludes points after t.
func (q *QueryBuilder) End(t time.Time) *QueryBuilder {
	q.times = append(q.times, timeBound(influxql.LTE, &influxql.TimeLiteral{Val: t}))
	return q
}

// Since excludes points older than d relative to the server clock.
func (q *QueryBuilder) Since(d time.Duration) *QueryBuilder {
	q.times = append(q.times, timeBound(influxql.GTE, &influxql.BinaryExpr{
		Op:  influxql.SUB,
		LHS: &influxql.Call{Name: "now"},
		RHS: &influxql.DurationLiteral{Val: d},
	}))
	return q
}

// Limit restricts the number of points returned per series.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Offset skips the first n points of each series.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offset = n
	return q
}

// Desc returns the newest points first.
func (q *QueryBuilder) Desc() *QueryBuilder {
	q.desc = true
	return q
}

// Fill selects the value used for empty intervals when grouping by time:
// one of "null", "none", "previous", "linear", or a number.
func (q *QueryBuilder) Fill(v interface{}) *QueryBuilder {
	switch fv := v.(type) {
	case string:
		switch strings.ToLower(fv) {
		case "null":
			q.fill = influxql.NullFill
		case "none":
			q.fill = influxql.NoFill
		case "previous":
			q.fill = influxql.PreviousFill
		case "linear":
			q.fill = influxql.LinearFill
		default:
			return q.fail(fmt.Errorf("%w: fill %q", ErrQuery, fv))
		}
	case int, int64, float64:
		q.fill = influxql.NumberFill
		q.fillValue = fv
	default:
		return q.fail(fmt.Errorf("%w: fill %T", ErrQuery, v))
	}
	return q
}

// Format overrides the client result format for this query.
func (q *QueryBuilder) Format(format string) *QueryBuilder {
	if err := svcInfluxCfg.ValidateFormat(format); err != nil {
		return q.fail(err)
	}
	q.format = format
	q.hasFormat = true
	return q
}

// SubQuery returns a builder for a statement that selects from the
// statement described so far.  Only one level of nesting is supported.
func (q *QueryBuilder) SubQuery() *QueryBuilder {
	rv := &QueryBuilder{
		c:         q.c,
		inner:     q,
		conds:     make(map[string][]influxql.Expr),
		format:    q.format,
		hasFormat: q.hasFormat,
	}
	if q.inner != nil {
		rv.fail(fmt.Errorf("%w: sub-query nesting deeper than one level", ErrQuery))
	}
	return rv
}

func andAll(exprs []influxql.Expr) influxql.Expr {
	var rv influxql.Expr
	for _, e := range exprs {
		if rv == nil {
			rv = e
		} else {
			rv = &influxql.BinaryExpr{Op: influxql.AND, LHS: rv, RHS: e}
		}
	}
	return rv
}

// condition combines the keyed conditions in key order, then the free-form
// expressions, then the time bounds.
func (q *QueryBuilder) condition() influxql.Expr {
	var parts []influxql.Expr
	keys := make([]string, 0, len(q.conds))
	for k := range q.conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		alts := q.conds[k]
		if len(alts) == 1 {
			parts = append(parts, alts[0])
			continue
		}
		var or influxql.Expr = alts[0]
		for _, e := range alts[1:] {
			or = &influxql.BinaryExpr{Op: influxql.OR, LHS: or, RHS: e}
		}
		parts = append(parts, &influxql.ParenExpr{Expr: or})
	}
	for _, e := range q.where {
		if be, ok := e.(*influxql.BinaryExpr); ok && be.Op == influxql.OR {
			e = &influxql.ParenExpr{Expr: e}
		}
		parts = append(parts, e)
	}
	parts = append(parts, q.times...)
	return andAll(parts)
}

// Statement returns the syntax tree for the described query.
func (q *QueryBuilder) Statement() (*influxql.SelectStatement, error) {
	if q.err != nil {
		return nil, q.err
	}
	stmt := &influxql.SelectStatement{
		Condition:  q.condition(),
		Dimensions: q.dims,
		Fill:       q.fill,
		FillValue:  q.fillValue,
		Limit:      q.limit,
		Offset:     q.offset,
	}
	if q.inner != nil {
		is, err := q.inner.Statement()
		if err != nil {
			return nil, err
		}
		stmt.Sources = influxql.Sources{&influxql.SubQuery{Statement: is}}
	} else {
		if q.measurement == "" {
			return nil, fmt.Errorf("%w: no measurement", ErrQuery)
		}
		stmt.Sources = influxql.Sources{&influxql.Measurement{Name: q.measurement}}
	}
	if len(q.fields) == 0 {
		stmt.Fields = influxql.Fields{{Expr: &influxql.Wildcard{}}}
	} else {
		for _, e := range q.fields {
			stmt.Fields = append(stmt.Fields, &influxql.Field{Expr: e})
		}
	}
	if q.desc {
		stmt.SortFields = influxql.SortFields{{Name: "time", Ascending: false}}
	}
	return stmt, nil
}

// Build returns the text of the described query.
func (q *QueryBuilder) Build() (string, error) {
	stmt, err := q.Statement()
	if err != nil {
		return "", err
	}
	return stmt.String(), nil
}

// String returns the text of the query, or an empty string if the
// description is invalid.
func (q *QueryBuilder) String() string {
	s, _ := q.Build()
	return s
}

func (q *QueryBuilder) resultFormat() string {
	if q.hasFormat {
		return q.format
	}
	return q.c.Format()
}

// Exec runs the query immediately and returns its reshaped result.
func (q *QueryBuilder) Exec(ctx context.Context) (*Response, error) {
	s, err := q.Build()
	if err != nil {
		return nil, err
	}
	return q.c.query(ctx, s, false, q.resultFormat())
}

// Queue appends the query to the query queue, to be run by the next
// SyncQuery.
func (q *QueryBuilder) Queue() error {
	s, err := q.Build()
	if err != nil {
		return err
	}
	return q.c.QueueQuery(s)
}
