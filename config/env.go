// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pabigot/edcode"
)

// DefaultEnvPrefix is the prefix used by ApplyEnvironment when none is
// provided.
const DefaultEnvPrefix = "INFLUXPOOL_"

// envClient holds the Client settings that may be overridden from the
// environment.  Empty values leave the corresponding setting unchanged.
type envClient struct {
	Id                     string           `env:"ID"`
	URL                    string           `env:"URL"`
	LoadBalancingAlgorithm string           `env:"LOAD_BALANCING_ALGORITHM"`
	UnavailablePolicy      string           `env:"UNAVAILABLE_POLICY"`
	HealthCheckInterval    *edcode.Duration `env:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout     *edcode.Duration `env:"HEALTH_CHECK_TIMEOUT"`
	Timeout                *edcode.Duration `env:"TIMEOUT"`
	Precision              *edcode.Duration `env:"PRECISION"`
	Epoch                  string           `env:"EPOCH"`
	Format                 string           `env:"FORMAT"`
}

// ApplyEnvironment overrides settings in cfg from environment variables
// named with prefix (DefaultEnvPrefix if empty), e.g. INFLUXPOOL_URL or
// INFLUXPOOL_HEALTH_CHECK_INTERVAL.  Variables read from the dotenv files
// are used only where the process environment does not define them.
//
// Validate() should be invoked after the overrides are applied.
func (cfg *Client) ApplyEnvironment(prefix string, dotenvFiles ...string) error {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	vars := make(map[string]string)
	if len(dotenvFiles) > 0 {
		fv, err := godotenv.Read(dotenvFiles...)
		if err != nil {
			return fmt.Errorf("%w: dotenv: %s", ErrConfig, err.Error())
		}
		for k, v := range fv {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return cfg.applyEnvironment(prefix, vars)
}

func (cfg *Client) applyEnvironment(prefix string, vars map[string]string) error {
	var ec envClient
	if err := env.Parse(&ec, env.Options{
		Environment: vars,
		Prefix:      prefix,
	}); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}
	if ec.Id != "" {
		cfg.Id = ec.Id
	}
	if ec.URL != "" {
		cfg.URL = ec.URL
	}
	if ec.LoadBalancingAlgorithm != "" {
		cfg.LoadBalancingAlgorithm = ec.LoadBalancingAlgorithm
	}
	if ec.UnavailablePolicy != "" {
		if err := cfg.UnavailablePolicy.UnmarshalText([]byte(ec.UnavailablePolicy)); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	if ec.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = *ec.HealthCheckInterval
	}
	if ec.HealthCheckTimeout != nil {
		cfg.HealthCheckTimeout = *ec.HealthCheckTimeout
	}
	if ec.Timeout != nil {
		cfg.Timeout = *ec.Timeout
	}
	if ec.Precision != nil {
		cfg.Precision = *ec.Precision
	}
	if ec.Epoch != "" {
		cfg.Epoch = ec.Epoch
	}
	if ec.Format != "" {
		cfg.Format = ec.Format
	}
	return nil
}
