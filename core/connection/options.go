// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"time"
)

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		idleTimeout: 10 * time.Minute,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option configures a connection.
type Option func(*config) error

type config struct {
	transport   Transport
	compressor  Compressor
	handshaker  Handshaker
	idleTimeout time.Duration
	lifeTimeout time.Duration
}

// WithTransport configures the byte transport connections use.
func WithTransport(t Transport) Option {
	return func(c *config) error {
		c.transport = t
		return nil
	}
}

// WithCompressor configures the compressor for command payloads. A nil
// compressor sends payloads uncompressed.
func WithCompressor(comp Compressor) Option {
	return func(c *config) error {
		c.compressor = comp
		return nil
	}
}

// WithHandshaker configures the handshaker run against every new connection
// before it is used. Authentication hooks in here.
func WithHandshaker(h Handshaker) Option {
	return func(c *config) error {
		c.handshaker = h
		return nil
	}
}

// WithIdleTimeout configures how long a connection may sit unused before it
// expires. Zero disables the idle check.
func WithIdleTimeout(fn func(time.Duration) time.Duration) Option {
	return func(c *config) error {
		c.idleTimeout = fn(c.idleTimeout)
		return nil
	}
}

// WithLifeTimeout configures the maximum lifetime of a connection. Zero
// disables the lifetime check.
func WithLifeTimeout(fn func(time.Duration) time.Duration) Option {
	return func(c *config) error {
		c.lifeTimeout = fn(c.lifeTimeout)
		return nil
	}
}
