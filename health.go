// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pabigot/done"
	lw "github.com/pabigot/logwrap"
)

var errPingFalse = errors.New("ping reported not ok")

// HealthChecker periodically probes every server in a pool, updating the
// pool availability from the results.  Each cycle probes all servers
// concurrently so a slow or dead server does not delay the others.
//
// A HealthChecker runs from creation until Stop() is invoked.  Create a new
// one to resume probing.
type HealthChecker struct {
	log      lw.Logger
	pool     *ServerPool
	metrics  *metrics
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	// doneImpl supports checker completion tracking.
	doneImpl done.Implementation
}

func newHealthChecker(pool *ServerPool, mt *metrics, interval, timeout time.Duration, newLog lw.LogMaker) *HealthChecker {
	hc := &HealthChecker{
		pool:     pool,
		metrics:  mt,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
	hc.log = newLog(hc)
	go hc.main()
	return hc
}

// Done returns a channel that is closed when the checker exits.
func (hc *HealthChecker) Done() <-chan struct{} {
	return hc.doneImpl.Done()
}

// Err is nil until the checker exits, then provides the reason for the exit.
// On normal termination done.TerminatedOK is returned.
func (hc *HealthChecker) Err() error {
	return hc.doneImpl.Err()
}

// Stop requests that the checker exit.  A cycle that is in progress is
// allowed to complete and update the pool, but no further cycle will
// start.  Stop may be invoked any number of times.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.stopCh)
	})
}

// Interval returns the time between the starts of successive cycles.
func (hc *HealthChecker) Interval() time.Duration {
	return hc.interval
}

func (hc *HealthChecker) stopped() bool {
	select {
	case <-hc.stopCh:
		return true
	default:
		return false
	}
}

func (hc *HealthChecker) main() {
	lpr := lw.MakePriPr(hc.log)
	lpr.I("started: interval %s timeout %s", hc.interval, hc.timeout)

	tmr := time.NewTimer(0)
	loop := true
	for loop {
		select {
		case <-hc.stopCh:
			loop = false
		case <-tmr.C:
			if hc.stopped() {
				loop = false
				break
			}
			start := time.Now()
			probeCycle(context.Background(), hc.pool, hc.timeout, hc.metrics, hc.log)
			// Stop during the cycle must not schedule another.
			if hc.stopped() {
				loop = false
				break
			}
			delay := hc.interval - time.Since(start)
			if delay < 0 {
				delay = 0
			}
			tmr.Reset(delay)
		}
	}
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	lpr.I("stopped")
	hc.doneImpl.Finalize(nil)
}

// probeCycle probes every server in the pool concurrently and returns when
// all probes have completed.  Each probe is limited by timeout.
func probeCycle(ctx context.Context, pool *ServerPool, timeout time.Duration, mt *metrics, log lw.Logger) {
	lpr := lw.MakePriPr(log)
	var wg sync.WaitGroup
	for _, s := range pool.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			err := probe(ctx, s, timeout)
			st, changed := pool.record(s, err == nil, time.Now())
			mt.observeProbe(s, err == nil)
			if changed {
				if err == nil {
					lpr.N("%s: now available", s)
				} else {
					lpr.N("%s: now unavailable: %s", s, err.Error())
				}
			} else if err != nil {
				lpr.D("%s: probe failed (%s): %s", s, st, err.Error())
			}
		}(s)
	}
	wg.Wait()
	mt.setAvailable(len(pool.snapshot().available))
}

func probe(ctx context.Context, s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := s.cli.Ping(ctx)
	if err == nil && !ok {
		err = errPingFalse
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: probe exceeded %s", ErrTimeout, timeout)
	}
	return err
}
