// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"net/http"
	"net/url"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Request describes an HTTP call after backend selection and before it is
// issued.  Plugins receive a copy.
type Request struct {
	// ID uniquely identifies the request in logs.
	ID      string
	Method  string
	Backend *Server
	Path    string
	Params  url.Values
	Header  http.Header
	Body    []byte
}

// URL returns the complete request URL.  It is empty when no backend has
// been selected.
func (r *Request) URL() string {
	if r.Backend == nil {
		return ""
	}
	rv := r.Backend.url + r.Path
	if len(r.Params) > 0 {
		rv += "?" + r.Params.Encode()
	}
	return rv
}

func (r *Request) clone() Request {
	rv := *r
	rv.Params = make(url.Values, len(r.Params))
	for k, v := range r.Params {
		rv.Params[k] = append([]string(nil), v...)
	}
	rv.Header = r.Header.Clone()
	if r.Body != nil {
		rv.Body = append([]byte(nil), r.Body...)
	}
	return rv
}

// Plugin observes each request before it is issued, e.g. for tracing.
// Changes it makes to its copy of the request have no effect.  Returning
// false prevents later plugins from seeing the request; the request is
// still issued.
type Plugin func(req Request) bool

// AddPlugin appends p to the chain of plugins run for every request.
func (c *Client) AddPlugin(p Plugin) {
	if p == nil {
		return
	}
	c.plugMu.Lock()
	c.plugins = append(c.plugins, p)
	c.plugMu.Unlock()
}

func (c *Client) runPlugins(req *Request) {
	c.plugMu.RLock()
	plugins := c.plugins
	c.plugMu.RUnlock()
	if len(plugins) == 0 {
		return
	}
	view := req.clone()
	for _, p := range plugins {
		if !p(view) {
			break
		}
	}
}

// authorize attaches credentials from the connection descriptor.
func authorize(ep *svcInfluxCfg.Endpoint, req *Request) {
	if !ep.HasCredentials() {
		return
	}
	if ep.Auth == svcInfluxCfg.AuthBasic {
		hr := http.Request{Header: req.Header}
		hr.SetBasicAuth(ep.Username, ep.Password)
		return
	}
	req.Params.Set("u", ep.Username)
	req.Params.Set("p", ep.Password)
}
