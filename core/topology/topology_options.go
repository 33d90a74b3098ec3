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

	"github.com/ikmak/mongocore/core/command"
)

// MonitorMode represents the way in which a topology is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	// AutomaticMode discovers the deployment shape from the servers'
	// responses.
	AutomaticMode MonitorMode = iota
	// SingleMode pins the topology to the one seed address.
	SingleMode
)

func newConfig(opts ...Option) (*config, error) {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	cfg := &config{
		seedList:               []string{"localhost:27017"},
		serverSelectionTimeout: 30 * time.Second,
		localThreshold:         15 * time.Millisecond,
		logger:                 logger,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option configures a topology.
type Option func(*config) error

type config struct {
	mode                   MonitorMode
	replicaSetName         string
	seedList               []string
	serverOpts             []ServerOption
	serverSelectionTimeout time.Duration
	localThreshold         time.Duration
	runner                 command.Runner
	logger                 *logrus.Logger
}

// WithMode configures the topology's monitor mode.
func WithMode(fn func(MonitorMode) MonitorMode) Option {
	return func(cfg *config) error {
		cfg.mode = fn(cfg.mode)
		return nil
	}
}

// WithReplicaSetName configures the topology's default replica set name.
func WithReplicaSetName(fn func(string) string) Option {
	return func(cfg *config) error {
		cfg.replicaSetName = fn(cfg.replicaSetName)
		return nil
	}
}

// WithSeedList configures a topology's seed list.
func WithSeedList(fn func(...string) []string) Option {
	return func(cfg *config) error {
		cfg.seedList = fn(cfg.seedList...)
		return nil
	}
}

// WithServerOptions configures a topology's server options for when a new
// server needs to be created.
func WithServerOptions(fn func(...ServerOption) []ServerOption) Option {
	return func(cfg *config) error {
		cfg.serverOpts = fn(cfg.serverOpts...)
		return nil
	}
}

// WithServerSelectionTimeout configures a topology's server selection
// timeout. A value of 0 means there is no timeout for server selection.
func WithServerSelectionTimeout(fn func(time.Duration) time.Duration) Option {
	return func(cfg *config) error {
		cfg.serverSelectionTimeout = fn(cfg.serverSelectionTimeout)
		return nil
	}
}

// WithLocalThreshold configures the latency window used when choosing among
// otherwise suitable servers.
func WithLocalThreshold(fn func(time.Duration) time.Duration) Option {
	return func(cfg *config) error {
		cfg.localThreshold = fn(cfg.localThreshold)
		return nil
	}
}

// WithRunner configures the command runner servers use for monitoring and
// operations.
func WithRunner(fn func(command.Runner) command.Runner) Option {
	return func(cfg *config) error {
		cfg.runner = fn(cfg.runner)
		return nil
	}
}

// WithLogger configures the logger topology changes are written to.
func WithLogger(fn func(*logrus.Logger) *logrus.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = fn(cfg.logger)
		return nil
	}
}
