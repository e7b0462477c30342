// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

// Package influxpool provides a client for a cluster of interchangeable
// InfluxDB 1.x servers.  Requests are distributed across the servers that
// pass periodic health probes, points are sanitized against per-measurement
// schema, and writes and queries may be queued and sent in batches.
package influxpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2" // influxdb2
	lw "github.com/pabigot/logwrap"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

type clientFactory func(serverURL string, authToken string, options *influxdb2.Options) influxdb2.Client

func defaultClientFactory(serverURL string, authToken string, options *influxdb2.Options) influxdb2.Client {
	return influxdb2.NewClientWithOptions(serverURL, authToken, options)
}

var makeClient clientFactory = defaultClientFactory

func mockMakeClient(cf clientFactory) clientFactory {
	rv := makeClient
	makeClient = cf
	return rv
}

// Client is the handle onto a cluster.  Callers never address a server
// directly.
//
// All functions in this interface are safe for concurrent use.
type Client struct {
	log      lw.Logger
	newLog   lw.LogMaker
	id       string
	endpoint *svcInfluxCfg.Endpoint
	prec     time.Duration
	pool     *ServerPool
	balancer *Balancer
	metrics  *metrics
	events   eventHub
	schemas  schemaRegistry
	writes   *writeQueue
	queries  queryQueue

	plugMu  sync.RWMutex
	plugins []Plugin

	setMu    sync.RWMutex
	settings settings

	hcMu       sync.Mutex
	hc         *HealthChecker
	hcInterval time.Duration
	hcTimeout  time.Duration

	closed atomic.Bool
}

// NewClient creates a client for the cluster described by cfg.  options
// controls the influxdb2 clients used to reach each server; its request
// timeout is replaced as the client applies its own per-request limit.
//
// Health checking does not start until StartHealthCheck() is invoked;
// until then every server is considered available.
//
// If newLog is nil, lw.LogLogMaker will be used.
func NewClient(cfg *svcInfluxCfg.Client, options *influxdb2.Options, newLog lw.LogMaker) (*Client, error) {
	if newLog == nil {
		newLog = lw.LogLogMaker
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = influxdb2.DefaultOptions()
	}
	options.SetHTTPRequestTimeout(0)

	prec := time.Duration(cfg.Precision)
	wq, err := newWriteQueue(prec)
	if err != nil {
		return nil, err
	}
	c := &Client{
		newLog:     newLog,
		id:         cfg.Id,
		endpoint:   cfg.Endpoint(),
		prec:       prec,
		balancer:   newBalancer(cfg.LoadBalancingAlgorithm, cfg.UnavailablePolicy),
		metrics:    newMetrics(cfg.Registerer, cfg.Id),
		writes:     wq,
		hcInterval: time.Duration(cfg.HealthCheckInterval),
		hcTimeout:  time.Duration(cfg.HealthCheckTimeout),
		settings: settings{
			timeout: time.Duration(cfg.Timeout),
			format:  cfg.Format,
			epoch:   cfg.Epoch,
		},
	}
	c.pool = newServerPool(c.endpoint, func(url string) influxdb2.Client {
		return makeClient(url, "", options)
	})
	c.log = newLog(c)
	c.log.SetId(fmt.Sprintf("influxpool.%s ", c.id))
	for _, ms := range cfg.Measurements {
		c.schemas.put(ms)
	}
	c.metrics.setAvailable(len(c.pool.servers))
	return c, nil
}

// Id provides the user-supplied identifier for the client.
func (c *Client) Id() string {
	return c.id
}

// Database returns the name of the database used for all operations.
func (c *Client) Database() string {
	return c.endpoint.Database
}

// Pool returns the servers of the client.
func (c *Client) Pool() *ServerPool {
	return c.pool
}

// AvailableServers returns the servers that passed their most recent probe.
func (c *Client) AvailableServers() []*Server {
	return c.pool.Available()
}

// UnavailableServers returns the servers that failed their most recent
// probe.
func (c *Client) UnavailableServers() []*Server {
	return c.pool.Unavailable()
}

// Balancer returns the server selector of the client.
func (c *Client) Balancer() *Balancer {
	return c.balancer
}

// AddAlgorithm registers a server selection algorithm under name.  The
// algorithm is used if name matches the configured algorithm.
func (c *Client) AddAlgorithm(name string, alg Algorithm) error {
	return c.balancer.Register(name, alg)
}

// StartHealthCheck begins periodic probing of every server.  It has no
// effect if probing is already active.
func (c *Client) StartHealthCheck() {
	c.hcMu.Lock()
	defer c.hcMu.Unlock()
	if c.hc != nil || c.closed.Load() {
		return
	}
	c.hc = newHealthChecker(c.pool, c.metrics, c.hcInterval, c.hcTimeout, c.newLog)
}

// StopHealthCheck ends periodic probing and returns the checker that was
// stopped, or nil if probing was not active.  A probe cycle in progress
// completes and updates availability; wait on the checker's Done() channel
// to observe that.
func (c *Client) StopHealthCheck() *HealthChecker {
	c.hcMu.Lock()
	defer c.hcMu.Unlock()
	hc := c.hc
	c.hc = nil
	if hc != nil {
		hc.Stop()
	}
	return hc
}

// CheckHealth probes every server once and returns when all probes have
// completed.
func (c *Client) CheckHealth(ctx context.Context) {
	probeCycle(ctx, c.pool, c.hcTimeout, c.metrics, c.log)
}

// LogSetPriority changes the priority of logging by the client.
func (c *Client) LogSetPriority(pri lw.Priority) {
	c.log.SetPriority(pri)
}

// LogPriority returns priority of logging by the client.
func (c *Client) LogPriority() lw.Priority {
	return c.log.Priority()
}

// Close stops health checking, closes every event channel, and releases
// the server connections.  Operations after Close fail with
// ErrClientClosed.  Queued writes and queries that were not synchronized are
// discarded.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if hc := c.StopHealthCheck(); hc != nil {
		<-hc.Done()
	}
	lpr := lw.MakePriPr(c.log)
	if n := c.writes.length(); n > 0 {
		lpr.N("closed with %d queued points", n)
	}
	if n := c.queries.length(); n > 0 {
		lpr.N("closed with %d queued queries", n)
	}
	c.events.closeAll()
	c.pool.close()
}
