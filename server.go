// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2" // influxdb2

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Server identifies one backend node of the cluster.  Its identity never
// changes; availability is held by the owning ServerPool.
type Server struct {
	pool  *ServerPool
	index int
	host  string
	port  int
	url   string
	cli   influxdb2.Client
}

// Host returns the host name or address of the server.
func (s *Server) Host() string {
	return s.host
}

// Port returns the TCP port of the server.
func (s *Server) Port() int {
	return s.port
}

// URL returns the scheme and authority used to reach the server.
func (s *Server) URL() string {
	return s.url
}

func (s *Server) String() string {
	return s.url
}

// Status returns the current availability information for the server.
func (s *Server) Status() ServerStatus {
	return s.pool.snapshot().status[s.index]
}

// ServerStatus captures the health of a server as of its last probe.
type ServerStatus struct {
	Available bool
	// Failures counts consecutive failed probes.
	Failures int
	// LastProbe is zero until the first probe completes.
	LastProbe time.Time
}

func (st ServerStatus) String() string {
	if st.Available {
		return "available"
	}
	return fmt.Sprintf("unavailable after %d failures", st.Failures)
}

// poolSnapshot is never modified after publication.
type poolSnapshot struct {
	status      []ServerStatus
	available   []*Server
	unavailable []*Server
}

// ServerPool holds the configured servers and their availability.  Readers
// see a consistent partition of the servers into available and unavailable
// without taking a lock.
type ServerPool struct {
	servers []*Server

	// mu serializes updates; readers use snap.
	mu   sync.Mutex
	snap atomic.Pointer[poolSnapshot]
}

func newServerPool(ep *svcInfluxCfg.Endpoint, mkcli func(url string) influxdb2.Client) *ServerPool {
	p := &ServerPool{}
	st := make([]ServerStatus, len(ep.Hosts))
	for i, hp := range ep.Hosts {
		url := ep.BaseURL(hp)
		p.servers = append(p.servers, &Server{
			pool:  p,
			index: i,
			host:  hp.Host,
			port:  hp.Port,
			url:   url,
			cli:   mkcli(url),
		})
		st[i].Available = true
	}
	p.publish(st)
	return p
}

func (p *ServerPool) snapshot() *poolSnapshot {
	return p.snap.Load()
}

// publish must be invoked with mu held, or before the pool is shared.
func (p *ServerPool) publish(st []ServerStatus) {
	ps := &poolSnapshot{
		status: st,
	}
	for i, s := range p.servers {
		if st[i].Available {
			ps.available = append(ps.available, s)
		} else {
			ps.unavailable = append(ps.unavailable, s)
		}
	}
	p.snap.Store(ps)
}

// record updates the server state from a probe result, returning the new
// state and whether availability changed.
func (p *ServerPool) record(s *Server, ok bool, at time.Time) (ServerStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.snapshot().status
	st := make([]ServerStatus, len(prev))
	copy(st, prev)
	ss := &st[s.index]
	changed := ss.Available != ok
	ss.Available = ok
	ss.LastProbe = at
	if ok {
		ss.Failures = 0
	} else {
		ss.Failures++
	}
	p.publish(st)
	return *ss, changed
}

// Servers returns all configured servers in configuration order.
func (p *ServerPool) Servers() []*Server {
	rv := make([]*Server, len(p.servers))
	copy(rv, p.servers)
	return rv
}

// Available returns the servers currently believed to be reachable, in
// configuration order.
func (p *ServerPool) Available() []*Server {
	ps := p.snapshot()
	rv := make([]*Server, len(ps.available))
	copy(rv, ps.available)
	return rv
}

// Unavailable returns the servers that failed their most recent probe, in
// configuration order.
func (p *ServerPool) Unavailable() []*Server {
	ps := p.snapshot()
	rv := make([]*Server, len(ps.unavailable))
	copy(rv, ps.unavailable)
	return rv
}

func (p *ServerPool) close() {
	for _, s := range p.servers {
		s.cli.Close()
	}
}
