// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Algorithm selects the server for a request.  It is given the request
// (without a backend) and the non-empty list of candidate servers, and
// returns the index of the chosen server in that list.
type Algorithm func(req Request, available []*Server) int

// Names of the algorithms that every client provides.
const (
	AlgorithmRoundRobin = svcInfluxCfg.DefaultAlgorithm
	AlgorithmRandom     = "random"
	AlgorithmFirst      = "first"
)

func roundRobin() Algorithm {
	var next atomic.Uint64
	return func(req Request, available []*Server) int {
		return int((next.Add(1) - 1) % uint64(len(available)))
	}
}

func randomAlgorithm(req Request, available []*Server) int {
	return rand.IntN(len(available))
}

func firstAlgorithm(req Request, available []*Server) int {
	return 0
}

// Balancer picks one server per request using a named algorithm.  The name
// is fixed at construction but may refer to an algorithm that is registered
// later.
type Balancer struct {
	name   string
	policy svcInfluxCfg.UnavailablePolicy

	mu   sync.RWMutex
	algs map[string]Algorithm
}

func newBalancer(name string, policy svcInfluxCfg.UnavailablePolicy) *Balancer {
	return &Balancer{
		name:   name,
		policy: policy,
		algs: map[string]Algorithm{
			AlgorithmRoundRobin: roundRobin(),
			AlgorithmRandom:     randomAlgorithm,
			AlgorithmFirst:      firstAlgorithm,
		},
	}
}

// Name returns the name of the algorithm used for selection.
func (b *Balancer) Name() string {
	return b.name
}

// Register makes alg available under name.  Registered algorithms cannot be
// replaced.
func (b *Balancer) Register(name string, alg Algorithm) error {
	if name == "" || alg == nil {
		return fmt.Errorf("%w: name and function required", ErrAlgorithmUnknown)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.algs[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlgorithmExists, name)
	}
	b.algs[name] = alg
	return nil
}

func (b *Balancer) algorithm() (Algorithm, error) {
	b.mu.RLock()
	alg, ok := b.algs[b.name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmUnknown, b.name)
	}
	return alg, nil
}

// Select returns the server that should receive req.  Only available servers
// are candidates unless none are available and the policy is
// svcInfluxCfg.PolicyAll.
func (b *Balancer) Select(req Request, pool *ServerPool) (*Server, error) {
	alg, err := b.algorithm()
	if err != nil {
		return nil, err
	}
	cands := pool.snapshot().available
	if len(cands) == 0 {
		if b.policy != svcInfluxCfg.PolicyAll || len(pool.servers) == 0 {
			return nil, ErrBackendUnavailable
		}
		cands = pool.servers
	}
	// Give the algorithm its own copy so it cannot disturb the snapshot.
	view := make([]*Server, len(cands))
	copy(view, cands)
	idx := alg(req, view)
	if idx < 0 || idx >= len(cands) {
		return nil, fmt.Errorf("%w: %s returned %d of %d", ErrAlgorithmIndex,
			b.name, idx, len(cands))
	}
	return cands[idx], nil
}
