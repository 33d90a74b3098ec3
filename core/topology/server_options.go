// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"io/ioutil"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongocore/core/auth"
	"github.com/ikmak/mongocore/core/command"
	"github.com/ikmak/mongocore/core/connection"
)

var defaultRTTWindow = 5 * time.Minute

func newServerConfig(opts ...ServerOption) (*serverConfig, error) {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	cfg := &serverConfig{
		heartbeatInterval:    10 * time.Second,
		minHeartbeatInterval: 500 * time.Millisecond,
		heartbeatTimeout:     10 * time.Second,
		rttWindow:            defaultRTTWindow,
		maxConns:             100,
		maxIdleConns:         100,
		logger:               logger,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ServerOption configures a server.
type ServerOption func(*serverConfig) error

type serverConfig struct {
	connectionOpts       []connection.Option
	heartbeatInterval    time.Duration
	minHeartbeatInterval time.Duration
	heartbeatTimeout     time.Duration
	rttWindow            time.Duration
	minConns             uint64
	maxConns             uint64
	maxIdleConns         uint64
	cred                 *auth.Cred
	runner               command.Runner
	logger               *logrus.Logger
}

// WithConnectionOptions configures the server's connections.
func WithConnectionOptions(fn func(...connection.Option) []connection.Option) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.connectionOpts = fn(cfg.connectionOpts...)
		return nil
	}
}

// WithHeartbeatInterval configures a server's heartbeat interval.
func WithHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.heartbeatInterval = fn(cfg.heartbeatInterval)
		return nil
	}
}

// WithMinHeartbeatInterval configures the minimum amount of time to wait
// between consecutive checks of the same server, including requested ones.
func WithMinHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.minHeartbeatInterval = fn(cfg.minHeartbeatInterval)
		return nil
	}
}

// WithHeartbeatTimeout configures how long a single check may run before it
// is abandoned.
func WithHeartbeatTimeout(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.heartbeatTimeout = fn(cfg.heartbeatTimeout)
		return nil
	}
}

// WithMaxConnections configures the maximum number of connections to allow
// for a given server.
func WithMaxConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.maxConns = fn(cfg.maxConns)
		return nil
	}
}

// WithMaxIdleConnections configures the maximum number of idle connections
// allowed for the server.
func WithMaxIdleConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.maxIdleConns = fn(cfg.maxIdleConns)
		return nil
	}
}

// WithMinConnections configures the number of connections the server's pool
// opens up front and keeps idle.
func WithMinConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.minConns = fn(cfg.minConns)
		return nil
	}
}

// WithCredential configures the credential new connections authenticate
// with. A nil credential disables authentication.
func WithCredential(fn func(*auth.Cred) *auth.Cred) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.cred = fn(cfg.cred)
		return nil
	}
}

// WithServerRunner configures the command runner the server's monitor and
// operations use.
func WithServerRunner(fn func(command.Runner) command.Runner) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.runner = fn(cfg.runner)
		return nil
	}
}

// WithServerLogger configures the logger monitoring events are written to.
func WithServerLogger(fn func(*logrus.Logger) *logrus.Logger) ServerOption {
	return func(cfg *serverConfig) error {
		cfg.logger = fn(cfg.logger)
		return nil
	}
}
