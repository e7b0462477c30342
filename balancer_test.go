// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"testing"
	"time"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

func TestBalancerBuiltins(t *testing.T) {
	pool, _ := mockPool(t, "a", "b", "c")
	srvs := pool.Servers()

	b := newBalancer(AlgorithmRoundRobin, svcInfluxCfg.PolicyFail)
	if v := b.Name(); v != "round-robin" {
		t.Errorf("name %s", v)
	}
	for i := 0; i < 6; i++ {
		s, err := b.Select(Request{}, pool)
		if err != nil {
			t.Fatalf("select: %s", err.Error())
		}
		if s != srvs[i%3] {
			t.Errorf("rr %d got %s", i, s)
		}
	}

	// Round robin continues over the reduced set.
	pool.record(srvs[1], false, time.Now())
	for i := 0; i < 4; i++ {
		s, _ := b.Select(Request{}, pool)
		if s == srvs[1] {
			t.Errorf("selected unavailable server")
		}
	}

	b = newBalancer(AlgorithmFirst, svcInfluxCfg.PolicyFail)
	if s, _ := b.Select(Request{}, pool); s != srvs[0] {
		t.Errorf("first got %s", s)
	}

	b = newBalancer(AlgorithmRandom, svcInfluxCfg.PolicyFail)
	seen := make(map[*Server]bool)
	for i := 0; i < 100; i++ {
		s, err := b.Select(Request{}, pool)
		if err != nil {
			t.Fatalf("random: %s", err.Error())
		}
		seen[s] = true
	}
	if seen[srvs[1]] || len(seen) != 2 {
		t.Errorf("random selected %v", seen)
	}
}

func TestBalancerUnavailable(t *testing.T) {
	pool, _ := mockPool(t, "a", "b")
	now := time.Now()
	for _, s := range pool.Servers() {
		pool.record(s, false, now)
	}

	b := newBalancer(AlgorithmFirst, svcInfluxCfg.PolicyFail)
	_, err := b.Select(Request{}, pool)
	confirmError(t, err, ErrBackendUnavailable, "no backend server available")

	b = newBalancer(AlgorithmRoundRobin, svcInfluxCfg.PolicyAll)
	s1, err := b.Select(Request{}, pool)
	if err != nil {
		t.Fatalf("policy all: %s", err.Error())
	}
	s2, _ := b.Select(Request{}, pool)
	if s1 == s2 || s1 != pool.Servers()[0] {
		t.Errorf("policy all selected %s then %s", s1, s2)
	}
}

func TestBalancerRegister(t *testing.T) {
	pool, _ := mockPool(t, "a", "b", "c")
	last := func(req Request, available []*Server) int {
		return len(available) - 1
	}

	b := newBalancer("last-backend", svcInfluxCfg.PolicyFail)
	_, err := b.Select(Request{}, pool)
	confirmError(t, err, ErrAlgorithmUnknown, "unknown load balancing algorithm: last-backend")

	if err := b.Register("last-backend", last); err != nil {
		t.Fatalf("register: %s", err.Error())
	}
	if s, err := b.Select(Request{}, pool); err != nil || s != pool.Servers()[2] {
		t.Errorf("late registration: %v %v", s, err)
	}

	err = b.Register("last-backend", last)
	confirmError(t, err, ErrAlgorithmExists, "last-backend")
	err = b.Register(AlgorithmRandom, last)
	confirmError(t, err, ErrAlgorithmExists, "random")
	err = b.Register("", last)
	confirmError(t, err, ErrAlgorithmUnknown, "name and function required")
	err = b.Register("nil", nil)
	confirmError(t, err, ErrAlgorithmUnknown, "name and function required")

	b = newBalancer("bad", svcInfluxCfg.PolicyFail)
	b.Register("bad", func(req Request, available []*Server) int {
		available[0] = nil
		return len(available)
	})
	_, err = b.Select(Request{}, pool)
	confirmError(t, err, ErrAlgorithmIndex, "bad returned 3 of 3")
	if pool.Available()[0] == nil {
		t.Errorf("algorithm modified pool")
	}
}
