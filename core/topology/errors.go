// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ikmak/mongocore/core/description"
)

// ErrTopologyClosed is returned when a user attempts to call a method on a
// closed Topology.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrTopologyConnected is returned when a user attempts to Connect to an
// already connected Topology.
var ErrTopologyConnected = errors.New("topology is connected or connecting")

// ErrServerClosed occurs when an attempt to Get a connection is made after
// the server has been closed.
var ErrServerClosed = errors.New("server is closed")

// ErrServerSelectionTimeout is wrapped by ServerSelectionError when the
// selection deadline passes before a suitable server appears.
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// ConfigurationError is an error with the driver or deployment
// configuration. It is never retried.
type ConfigurationError string

// Error implements the error interface.
func (e ConfigurationError) Error() string { return string(e) }

// ServerSelectionError represents a Server Selection error.
type ServerSelectionError struct {
	Desc    description.Topology
	Wrapped error
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server selection error: %s, current topology: { %s }", e.Wrapped.Error(), e.Desc.String())
	}
	return fmt.Sprintf("server selection error: current topology: { %s }", e.Desc.String())
}

// Unwrap returns the underlying error.
func (e ServerSelectionError) Unwrap() error { return e.Wrapped }

// errorMessage composes the diagnostic used when server selection times out.
// The wording depends on what the topology knew at the time.
func errorMessage(t description.Topology, isWrite bool) string {
	isReplicaSet := t.Kind == description.ReplicaSetNoPrimary || t.Kind == description.ReplicaSetWithPrimary

	var plural string
	switch {
	case isReplicaSet:
		plural = "replica set members"
	case t.Kind == description.Sharded:
		plural = "mongoses"
	default:
		plural = "servers"
	}

	var known bool
	for _, s := range t.Servers {
		if s.Kind != description.Unknown {
			known = true
			break
		}
	}

	if known {
		// We have connected, but no candidate matched the selector.
		if isWrite {
			if isReplicaSet {
				return "no primary available for writes"
			}
			return fmt.Sprintf("no %s available for writes", plural)
		}
		return fmt.Sprintf("no %s match selector", plural)
	}

	if len(t.Servers) == 0 {
		return fmt.Sprintf("no %s available", plural)
	}

	var errs []string
	common := true
	var first error
	for i, s := range t.Servers {
		if i == 0 {
			first = s.LastError
		} else if !sameError(first, s.LastError) {
			common = false
		}
		if s.LastError != nil {
			errs = append(errs, s.LastError.Error())
		}
	}

	if common {
		if first == nil {
			return fmt.Sprintf("no %s found yet", plural)
		}
		return first.Error()
	}
	return strings.Join(errs, ",")
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
