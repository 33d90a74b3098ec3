// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package command is the seam between the monitoring core and the wire
// layer. A Runner executes a single command document against one server and
// returns the reply document; everything above it is transport-agnostic.
package command

import (
	"context"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
)

// Runner executes a command against a single server and returns the reply.
// Implementations must honor the context deadline and return a
// *NetworkError wrapper for transport failures so the upper layers can
// classify them.
type Runner interface {
	Run(ctx context.Context, addr address.Address, cmd bson.D) (bson.D, error)
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, addr address.Address, cmd bson.D) (bson.D, error)

// Run implements the Runner interface.
func (f RunnerFunc) Run(ctx context.Context, addr address.Address, cmd bson.D) (bson.D, error) {
	return f(ctx, addr, cmd)
}

// IsMaster returns the server check command document.
func IsMaster() bson.D {
	return bson.D{{"ismaster", 1}}
}
