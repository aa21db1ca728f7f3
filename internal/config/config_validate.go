// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package config

import (
	"fmt"
	"strings"

	"github.com/nodepassdash/nodepassdash/internal/validation"
)

// normalize fills derived values that are not worth a validation error.
func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Ingest.Workers > MaxWorkers {
		c.Ingest.Workers = MaxWorkers
	}
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		e.URL = strings.TrimRight(strings.TrimSpace(e.URL), "/")
		if e.APIPath == "" {
			e.APIPath = "/api"
		}
	}
}

// Validate checks tag rules and the cross-field constraints tags cannot
// express.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, verr)
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: server.rate_limit_window must be positive when rate limiting is enabled", ErrInvalidConfig)
	}
	return c.validateEndpointNames()
}

func (c *Config) validateEndpointNames() error {
	seen := make(map[string]struct{}, len(c.Endpoints))
	for _, e := range c.Endpoints {
		key := strings.ToLower(e.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate endpoint name %q", ErrInvalidConfig, e.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
