// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	http2 "github.com/influxdata/influxdb-client-go/v2/api/http"
	lw "github.com/pabigot/logwrap"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Outcome labels for the request counter.
const (
	outcomeOK           = "ok"
	outcomeUnavailable  = "unavailable"
	outcomeTimeout      = "timeout"
	outcomeNetwork      = "network"
	outcomeUnauthorized = "unauthorized"
	outcomeStatus       = "status"
)

// call describes an operation before backend selection.
type call struct {
	method      string
	path        string
	params      url.Values
	body        []byte
	contentType string
	accept      string
}

// reply holds a successful response.
type reply struct {
	server *Server
	status int
	header http.Header
	body   []byte
}

// settings holds client values that may be changed at any time.  They are
// read when a request is dispatched.
type settings struct {
	timeout time.Duration
	format  string
	epoch   string
}

// Timeout returns the limit applied to each dispatched request.  Zero means
// no limit.
func (c *Client) Timeout() time.Duration {
	c.setMu.RLock()
	defer c.setMu.RUnlock()
	return c.settings.timeout
}

// SetTimeout changes the limit applied to requests dispatched from now on,
// including those for operations that have been queued but not flushed.
// Values less than zero are treated as zero.
func (c *Client) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.setMu.Lock()
	c.settings.timeout = d
	c.setMu.Unlock()
}

// Format returns the default reshaping applied to query results.
func (c *Client) Format() string {
	c.setMu.RLock()
	defer c.setMu.RUnlock()
	return c.settings.format
}

// SetFormat changes the default reshaping of query results to json, csv, or
// (if empty) the raw result.
func (c *Client) SetFormat(format string) error {
	if err := svcInfluxCfg.ValidateFormat(format); err != nil {
		return err
	}
	c.setMu.Lock()
	c.settings.format = format
	c.setMu.Unlock()
	return nil
}

// Epoch returns the timestamp unit requested for query results.
func (c *Client) Epoch() string {
	c.setMu.RLock()
	defer c.setMu.RUnlock()
	return c.settings.epoch
}

// SetEpoch changes the timestamp unit requested for query results.  An
// empty epoch restores the server's RFC3339 timestamps.
func (c *Client) SetEpoch(epoch string) error {
	if err := svcInfluxCfg.ValidateEpoch(epoch); err != nil {
		return err
	}
	c.setMu.Lock()
	c.settings.epoch = epoch
	c.setMu.Unlock()
	return nil
}

func (c *Client) currentSettings() settings {
	c.setMu.RLock()
	defer c.setMu.RUnlock()
	return c.settings
}

// dispatch selects a backend for cl, runs the plugins, and issues the
// request.  Non-success statuses and transport failures are returned as
// errors; no retry is attempted.
func (c *Client) dispatch(ctx context.Context, cl call) (*reply, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	lpr := lw.MakePriPr(c.log)
	req := Request{
		ID:     uuid.NewString(),
		Method: cl.method,
		Path:   cl.path,
		Params: cl.params,
		Header: make(http.Header),
		Body:   cl.body,
	}
	if req.Params == nil {
		req.Params = make(url.Values)
	}
	for k, v := range c.endpoint.Options {
		if _, ok := req.Params[k]; !ok {
			req.Params[k] = append([]string(nil), v...)
		}
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if cl.accept != "" {
		req.Header.Set("Accept", cl.accept)
	}

	srv, err := c.balancer.Select(req, c.pool)
	if err != nil {
		c.metrics.observeRequest(nil, cl.path, outcomeUnavailable, 0)
		lpr.I("%s %s %s: %s", req.ID, req.Method, req.Path, err.Error())
		return nil, err
	}
	req.Backend = srv
	authorize(c.endpoint, &req)
	c.runPlugins(&req)

	if to := c.Timeout(); to > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), body)
	if err != nil {
		return nil, &errTransport{base: ErrNetwork, server: srv.url, err: err}
	}
	hreq.Header = req.Header

	rp := &reply{
		server: srv,
	}
	start := time.Now()
	herr := srv.cli.HTTPService().DoHTTPRequest(hreq, nil, func(resp *http.Response) error {
		defer resp.Body.Close()
		rp.status = resp.StatusCode
		rp.header = resp.Header
		var rerr error
		rp.body, rerr = io.ReadAll(resp.Body)
		return rerr
	})
	elapsed := time.Since(start)
	if herr != nil {
		err, outcome := classify(ctx, srv, herr)
		c.metrics.observeRequest(srv, cl.path, outcome, elapsed)
		lpr.I("%s %s %s%s: %s", req.ID, req.Method, srv, req.Path, err.Error())
		return nil, err
	}
	c.metrics.observeRequest(srv, cl.path, outcomeOK, elapsed)
	lpr.D("%s %s %s%s: %d in %s", req.ID, req.Method, srv, req.Path,
		rp.status, elapsed)
	return rp, nil
}

// statusMessage extracts the server's explanation of a rejected request.
// InfluxDB 1.x servers describe the failure in an {"error": ...} body.
func statusMessage(herr *http2.Error) string {
	msg := strings.TrimSpace(herr.Message)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(msg), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(herr.StatusCode)
	}
	return msg
}

// classify converts a transport error into the error taxonomy of this
// package, returning also the outcome label.
func classify(ctx context.Context, srv *Server, herr *http2.Error) (error, string) {
	if herr.StatusCode != 0 {
		er := newErrorResponse(srv.url, herr.StatusCode, statusMessage(herr))
		if errors.Is(er, ErrUnauthorized) {
			return er, outcomeUnauthorized
		}
		return er, outcomeStatus
	}
	var cause error = herr
	if herr.Err != nil {
		cause = herr.Err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return &errTransport{base: ErrTimeout, server: srv.url, err: cause}, outcomeTimeout
	}
	return &errTransport{base: ErrNetwork, server: srv.url, err: cause}, outcomeNetwork
}
