// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	lw "github.com/pabigot/logwrap"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Queries with a longer escaped text are sent in a form body.
const maxQueryParamLen = 2048

// queryQueue holds statements waiting for SyncQuery.
type queryQueue struct {
	mu    sync.Mutex
	stmts []string
}

func (q *queryQueue) append(s string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stmts = append(q.stmts, s)
	return len(q.stmts)
}

func (q *queryQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	rv := q.stmts
	q.stmts = nil
	return rv
}

func (q *queryQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.stmts)
}

// QueueQuery appends the text of one or more statements to the query queue.
func (c *Client) QueueQuery(q string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return fmt.Errorf("%w: empty", ErrQuery)
	}
	n := c.queries.append(q)
	c.metrics.queryQueue.Set(float64(n))
	c.events.emit(Event{
		Kind:  EventQueue,
		Type:  "query",
		Query: q,
	})
	return nil
}

// QueryQueueLength returns the number of statements waiting for SyncQuery.
func (c *Client) QueryQueueLength() int {
	return c.queries.length()
}

// SyncQuery runs every queued statement in one request.  Results are in the
// order the statements were queued.  An empty format selects the client
// format.
//
// The queue is emptied before the request is made; statements queued while
// it is in progress are left for the next call.  Nothing is sent if the
// queue is empty.
func (c *Client) SyncQuery(ctx context.Context, format string) (*Response, error) {
	if err := svcInfluxCfg.ValidateFormat(format); err != nil {
		return nil, err
	}
	if format == "" {
		format = c.Format()
	}
	stmts := c.queries.take()
	c.metrics.queryQueue.Set(0)
	if len(stmts) == 0 {
		return &Response{Format: format}, nil
	}
	rv, err := c.query(ctx, strings.Join(stmts, ";"), false, format)
	if err != nil {
		lw.MakePriPr(c.log).I("sync query of %d statements failed: %s",
			len(stmts), err.Error())
	}
	return rv, err
}

// QueryRaw runs the statements in q, which are not validated, using the
// client format.
func (c *Client) QueryRaw(ctx context.Context, q string) (*Response, error) {
	return c.query(ctx, q, false, c.Format())
}

// QueryPost runs the statements in q using POST, as required for statements
// that change server state.
func (c *Client) QueryPost(ctx context.Context, q string) (*Response, error) {
	return c.query(ctx, q, true, c.Format())
}

func (c *Client) query(ctx context.Context, q string, post bool, format string) (*Response, error) {
	st := c.currentSettings()
	params := url.Values{
		"db": {c.endpoint.Database},
	}
	if st.epoch != "" {
		params.Set("epoch", st.epoch)
	}
	cl := call{
		method: http.MethodGet,
		path:   "/query",
		params: params,
	}
	if format == svcInfluxCfg.FormatCSV {
		cl.accept = "application/csv"
	}
	if post || len(url.QueryEscape(q)) > maxQueryParamLen {
		cl.method = http.MethodPost
		cl.contentType = "application/x-www-form-urlencoded"
		cl.body = []byte(url.Values{"q": {q}}.Encode())
	} else {
		params.Set("q", q)
	}
	rp, err := c.dispatch(ctx, cl)
	if err != nil {
		return nil, err
	}
	return decodeResponse(rp.body, format)
}
