// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	lw "github.com/pabigot/logwrap"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// WriteBuilder accumulates the content of one point.  Nothing is sent until
// Exec or Queue is invoked.  A builder should not be shared between
// goroutines.
type WriteBuilder struct {
	c    *Client
	pt   Point
	prec time.Duration
	err  error
}

// Write starts the description of a point for measurement.
func (c *Client) Write(measurement string) *WriteBuilder {
	return &WriteBuilder{
		c: c,
		pt: Point{
			Measurement: measurement,
			Tags:        make(map[string]string),
			Fields:      make(map[string]interface{}),
		},
	}
}

// Tag adds tags to the point, replacing values of tags already present.
func (w *WriteBuilder) Tag(tags map[string]string) *WriteBuilder {
	for k, v := range tags {
		w.pt.Tags[k] = v
	}
	return w
}

// Field adds fields to the point, replacing values of fields already
// present.
func (w *WriteBuilder) Field(fields map[string]interface{}) *WriteBuilder {
	for k, v := range fields {
		w.pt.Fields[k] = v
	}
	return w
}

// Time sets the timestamp of the point.
func (w *WriteBuilder) Time(t time.Time) *WriteBuilder {
	w.pt.Time = t
	return w
}

// Precision sets the precision used to encode the timestamp.  The default
// is the client precision.  Queued points must use the client precision.
func (w *WriteBuilder) Precision(prec time.Duration) *WriteBuilder {
	if err := svcInfluxCfg.ValidatePrecision(prec); err != nil {
		w.err = fmt.Errorf("%w: %s", ErrInvalidPrecision, err.Error())
	} else {
		w.prec = prec
	}
	return w
}

// Point returns a copy of the point as described so far.
func (w *WriteBuilder) Point() Point {
	return *w.pt.clone()
}

func (w *WriteBuilder) precision() time.Duration {
	if w.prec != 0 {
		return w.prec
	}
	return w.c.prec
}

// Exec validates the point and writes it immediately.
func (w *WriteBuilder) Exec(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	pt := w.c.validate(&w.pt)
	b, err := encodeBatch(w.precision(), pt)
	if err != nil {
		return err
	}
	return w.c.WriteBatch(ctx, b)
}

// Queue validates the point and appends it to the write queue, to be sent
// by the next SyncWrite.  The current time is assigned if the point has no
// timestamp.
func (w *WriteBuilder) Queue() error {
	if w.err != nil {
		return w.err
	}
	if w.c.closed.Load() {
		return ErrClientClosed
	}
	pt := w.c.validate(&w.pt)
	if pt.Time.IsZero() {
		pt.Time = time.Now()
	}
	b, err := encodeBatch(w.precision(), pt)
	if err != nil {
		return err
	}
	n, err := w.c.writes.append(b)
	if err != nil {
		return err
	}
	w.c.metrics.writeQueue.Set(float64(n))
	w.c.events.emit(Event{
		Kind:        EventQueue,
		Type:        "write",
		Measurement: pt.Measurement,
		Tags:        pt.Tags,
		Fields:      pt.Fields,
	})
	w.c.events.emit(Event{
		Kind:        EventWriteQueue,
		Measurement: pt.Measurement,
		Tags:        pt.Tags,
		Fields:      pt.Fields,
	})
	return nil
}

// WritePoint writes a single point immediately.  A zero prec selects the
// client precision.
func (c *Client) WritePoint(ctx context.Context, measurement string,
	fields map[string]interface{}, tags map[string]string, prec time.Duration) error {
	w := c.Write(measurement).Field(fields).Tag(tags)
	if prec != 0 {
		w.Precision(prec)
	}
	return w.Exec(ctx)
}

// WriteBatch sends the content of b in a single request.  Nothing is sent
// for an empty batch.
func (c *Client) WriteBatch(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	params := url.Values{
		"db": {c.endpoint.Database},
	}
	if p := svcInfluxCfg.PrecisionParam(b.Precision()); p != "" {
		params.Set("precision", p)
	}
	_, err := c.dispatch(ctx, call{
		method:      http.MethodPost,
		path:        "/write",
		params:      params,
		body:        []byte(b.LPData()),
		contentType: "text/plain; charset=utf-8",
	})
	return err
}

// writeQueue holds the records waiting for SyncWrite as a single batch.
type writeQueue struct {
	mu      sync.Mutex
	pending *Batch

	// flushing holds a token while a SyncWrite request is outstanding.
	flushing chan struct{}
}

func newWriteQueue(prec time.Duration) (*writeQueue, error) {
	b, err := NewBatch(prec)
	if err != nil {
		return nil, err
	}
	return &writeQueue{
		pending:  b,
		flushing: make(chan struct{}, 1),
	}, nil
}

func (q *writeQueue) append(b *Batch) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pending.Merge(b); err != nil {
		return q.pending.NumPoints(), err
	}
	return q.pending.NumPoints(), nil
}

// snapshot returns a copy of the queued records.
func (q *writeQueue) snapshot() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.clone()
}

// remove drops the leading records delivered as sent.  sent must be a
// snapshot taken while holding the flushing token.
func (q *writeQueue) remove(sent *Batch) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.lpData = q.pending.lpData[len(sent.lpData):]
	q.pending.numPoints -= sent.numPoints
	return q.pending.numPoints
}

func (q *writeQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.NumPoints()
}

func (q *writeQueue) lines() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Lines()
}

// WriteQueueLength returns the number of points waiting for SyncWrite.
func (c *Client) WriteQueueLength() int {
	return c.writes.length()
}

// WriteQueueLines returns the line protocol records waiting for SyncWrite,
// in the order they were queued.  The queue is not changed.
func (c *Client) WriteQueueLines() []string {
	return c.writes.lines()
}

// SyncWrite sends every queued point in one request and returns the number
// of points sent.  Points queued while the request is in progress are left
// for the next call.  Concurrent calls are serialized.
//
// Sent points are removed from the queue only when the request succeeds.
// On failure the queue is unchanged and the error is a *FlushError that
// identifies the records of the failed request.
func (c *Client) SyncWrite(ctx context.Context) (int, error) {
	q := c.writes
	select {
	case q.flushing <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-q.flushing }()

	b := q.snapshot()
	if b.Empty() {
		return 0, nil
	}
	if err := c.WriteBatch(ctx, b); err != nil {
		lw.MakePriPr(c.log).I("sync write of %d points failed: %s",
			b.NumPoints(), err.Error())
		return 0, &FlushError{
			Batch: b,
			err:   err,
		}
	}
	c.metrics.writeQueue.Set(float64(q.remove(b)))
	return b.NumPoints(), nil
}
