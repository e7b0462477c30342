// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pabigot/done"
	"github.com/pabigot/edcode"
	"github.com/prometheus/client_golang/prometheus/testutil"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

func TestServerPool(t *testing.T) {
	pool, _ := mockPool(t, "a:1", "b:2", "c")
	srvs := pool.Servers()
	if len(srvs) != 3 {
		t.Fatalf("servers %d", len(srvs))
	}
	if s := srvs[2]; s.Host() != "c" || s.Port() != 8086 || s.URL() != "http://c:8086" {
		t.Errorf("server c: %s %d %s", s.Host(), s.Port(), s.URL())
	}
	if v := len(pool.Available()); v != 3 {
		t.Errorf("initially available %d", v)
	}
	if v := len(pool.Unavailable()); v != 0 {
		t.Errorf("initially unavailable %d", v)
	}

	now := time.Now()
	st, changed := pool.record(srvs[1], false, now)
	if !changed || st.Available || st.Failures != 1 || !st.LastProbe.Equal(now) {
		t.Errorf("first failure %t %+v", changed, st)
	}
	st, changed = pool.record(srvs[1], false, now)
	if changed || st.Failures != 2 {
		t.Errorf("second failure %t %+v", changed, st)
	}
	if v := srvs[1].Status().String(); v != "unavailable after 2 failures" {
		t.Errorf("status %s", v)
	}

	av := pool.Available()
	if len(av) != 2 || av[0] != srvs[0] || av[1] != srvs[2] {
		t.Errorf("available %v", av)
	}
	// Views are copies.
	av[0] = nil
	if pool.Available()[0] != srvs[0] {
		t.Errorf("view aliased snapshot")
	}
	if ua := pool.Unavailable(); len(ua) != 1 || ua[0] != srvs[1] {
		t.Errorf("unavailable %v", ua)
	}

	st, changed = pool.record(srvs[1], true, now)
	if !changed || !st.Available || st.Failures != 0 {
		t.Errorf("recovery %t %+v", changed, st)
	}
	if len(pool.Available())+len(pool.Unavailable()) != 3 {
		t.Errorf("partition lost a server")
	}
}

func TestProbeCycle(t *testing.T) {
	pool, mcs := mockPool(t, "a", "b", "c")
	mt := newMetrics(nil, "probe")
	release := make(chan struct{})
	var slowDone atomic.Bool

	mcs[0].ping = func(ctx context.Context) (bool, error) {
		return false, nil
	}
	mcs[1].ping = func(ctx context.Context) (bool, error) {
		return false, errors.New("refused")
	}
	// A probe that outlasts its timeout.
	mcs[2].ping = func(ctx context.Context) (bool, error) {
		defer slowDone.Store(true)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-release:
			return true, nil
		}
	}

	start := time.Now()
	probeCycle(context.Background(), pool, 20*time.Millisecond, mt, debugLogMaker(pool))
	close(release)
	if el := time.Since(start); el > time.Second {
		t.Errorf("cycle took %s", el)
	}
	if !slowDone.Load() {
		t.Errorf("cycle returned before probe completed")
	}
	if v := len(pool.Available()); v != 0 {
		t.Errorf("available %d", v)
	}
	if v := testutil.ToFloat64(mt.available); v != 0 {
		t.Errorf("available gauge %v", v)
	}
	if v := testutil.ToFloat64(mt.probes.WithLabelValues("http://c:8086", "fail")); v != 1 {
		t.Errorf("probe count %v", v)
	}

	srv := pool.Servers()[2]
	err := probe(context.Background(), srv, 10*time.Millisecond)
	if err != nil {
		t.Errorf("released probe failed: %s", err.Error())
	}
	mcs[2].ping = func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	err = probe(context.Background(), srv, 10*time.Millisecond)
	confirmError(t, err, ErrTimeout, "probe exceeded 10ms")

	err = probe(context.Background(), pool.Servers()[0], time.Second)
	confirmError(t, err, errPingFalse, "not ok")
}

// waitFor polls cond until it holds or a second elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHealthChecker(t *testing.T) {
	pool, mcs := mockPool(t, "a", "b")
	mt := newMetrics(nil, "hc")
	var pings atomic.Int32
	var up atomic.Bool
	mcs[1].ping = func(ctx context.Context) (bool, error) {
		pings.Add(1)
		return up.Load(), nil
	}

	hc := newHealthChecker(pool, mt, 10*time.Millisecond, 5*time.Millisecond, debugLogMaker)
	if v := hc.Interval(); v != 10*time.Millisecond {
		t.Errorf("interval %s", v)
	}
	waitFor(t, "unavailable", func() bool {
		ua := pool.Unavailable()
		return len(ua) == 1 && ua[0] == pool.Servers()[1]
	})
	up.Store(true)
	waitFor(t, "recovery", func() bool {
		return len(pool.Available()) == 2
	})
	if v := pool.Servers()[1].Status().Failures; v != 0 {
		t.Errorf("failures after recovery %d", v)
	}

	hc.Stop()
	hc.Stop()
	<-hc.Done()
	if err := hc.Err(); err != done.TerminatedOK {
		t.Errorf("checker err %v", err)
	}
	n := pings.Load()
	time.Sleep(30 * time.Millisecond)
	if v := pings.Load(); v != n {
		t.Errorf("probes after stop: %d then %d", n, v)
	}
}

func TestHealthCheckerStopInCycle(t *testing.T) {
	pool, mcs := mockPool(t, "a")
	mt := newMetrics(nil, "hcstop")
	var pings atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mcs[0].ping = func(ctx context.Context) (bool, error) {
		if pings.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return true, nil
	}

	// The cycle outlasts the interval so the timer is due when it returns.
	hc := newHealthChecker(pool, mt, time.Millisecond, time.Second, debugLogMaker)
	<-started
	hc.Stop()
	time.Sleep(5 * time.Millisecond)
	close(release)
	<-hc.Done()
	if v := pings.Load(); v != 1 {
		t.Errorf("cycles after stop: %d probes", v)
	}
	if v := testutil.ToFloat64(mt.probes.WithLabelValues("http://a:8086", "ok")); v != 1 {
		t.Errorf("in-flight probe not recorded: %v", v)
	}
}

func TestClientHealth(t *testing.T) {
	live := newFakeInflux(t)
	dead := deadHost(t)
	c := newTestClient(t, func(cfg *svcInfluxCfg.Client) {
		cfg.HealthCheckTimeout = edcode.Duration(500 * time.Millisecond)
	}, live.hostPort(), dead)

	if v := len(c.AvailableServers()); v != 2 {
		t.Errorf("available before probe %d", v)
	}
	c.CheckHealth(context.Background())

	av := c.AvailableServers()
	if len(av) != 1 || av[0].URL() != live.srv.URL {
		t.Errorf("available %v", av)
	}
	ua := c.UnavailableServers()
	if len(ua) != 1 || ua[0].URL() != "http://"+dead {
		t.Errorf("unavailable %v", ua)
	}
	if v := len(live.requestsTo("/ping")); v != 1 {
		t.Errorf("pings %d", v)
	}

	c.StartHealthCheck()
	c.StartHealthCheck()
	hc := c.StopHealthCheck()
	if hc == nil {
		t.Fatalf("no checker")
	}
	<-hc.Done()
	if c.StopHealthCheck() != nil {
		t.Errorf("second stop returned checker")
	}
}
