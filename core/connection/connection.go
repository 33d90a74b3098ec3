// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection provides connections and connection pooling for servers
// in a deployment. A Connection carries BSON command documents over an
// abstract byte transport, optionally compressing payloads.
package connection

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
)

// Transport moves request bytes to a single server and returns the response
// bytes. Implementations own framing and socket lifecycle.
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) (response []byte, err error)
	Close() error
}

// Connection is a connection to a single server that can run commands.
type Connection interface {
	// Run executes the command document and returns the reply document.
	// Transport failures are returned as *command.NetworkError and mark the
	// connection dead.
	Run(ctx context.Context, cmd bson.D) (bson.D, error)
	Close() error
	Expired() bool
	Addr() address.Address
	ID() string
}

// Handshaker performs setup work on a freshly opened connection before it is
// handed out, such as authenticating it. A handshake error closes the
// connection.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, conn Connection) error
}

// HandshakerFunc is a function that can be used as a Handshaker.
type HandshakerFunc func(ctx context.Context, addr address.Address, conn Connection) error

// Handshake implements the Handshaker interface.
func (f HandshakerFunc) Handshake(ctx context.Context, addr address.Address, conn Connection) error {
	return f(ctx, addr, conn)
}

// ErrConnectionClosed is returned from an attempt to use an already closed
// connection.
var ErrConnectionClosed = errors.New("the connection is closed")

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

type connection struct {
	addr             address.Address
	id               string
	transport        Transport
	compressor       Compressor
	dead             bool
	idleTimeout      time.Duration
	idleDeadline     time.Time
	lifetimeDeadline time.Time
}

// New opens a connection to the given address using the provided options.
// The options must supply a transport.
func New(ctx context.Context, addr address.Address, opts ...Option) (Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.transport == nil {
		return nil, errors.New("connection requires a transport")
	}

	c := &connection{
		addr:        addr,
		id:          fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		transport:   cfg.transport,
		compressor:  cfg.compressor,
		idleTimeout: cfg.idleTimeout,
	}
	if cfg.lifeTimeout > 0 {
		c.lifetimeDeadline = time.Now().Add(cfg.lifeTimeout)
	}
	c.bumpIdleDeadline()

	if cfg.handshaker != nil {
		if err := cfg.handshaker.Handshake(ctx, addr, c); err != nil {
			_ = c.Close()
			return nil, errors.Wrap(err, "connection handshake failed")
		}
	}

	return c, nil
}

func (c *connection) Run(ctx context.Context, cmd bson.D) (bson.D, error) {
	if c.dead {
		return nil, ErrConnectionClosed
	}

	request, err := bson.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode command")
	}
	request, err = compressPayload(request, c.compressor)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compress command payload")
	}

	response, err := c.transport.RoundTrip(ctx, request)
	if err != nil {
		c.dead = true
		return nil, &command.NetworkError{Addr: c.addr.String(), Wrapped: err}
	}

	response, err = decompressPayload(response)
	if err != nil {
		c.dead = true
		return nil, errors.Wrap(err, "unable to decompress reply payload")
	}
	reply, err := bson.Unmarshal(response)
	if err != nil {
		c.dead = true
		return nil, errors.Wrap(err, "unable to decode reply")
	}

	c.bumpIdleDeadline()
	return reply, nil
}

func (c *connection) Close() error {
	if c.dead {
		return nil
	}
	c.dead = true
	return c.transport.Close()
}

func (c *connection) Expired() bool {
	if c.dead {
		return true
	}
	now := time.Now()
	if !c.idleDeadline.IsZero() && now.After(c.idleDeadline) {
		return true
	}
	if !c.lifetimeDeadline.IsZero() && now.After(c.lifetimeDeadline) {
		return true
	}
	return false
}

func (c *connection) Addr() address.Address { return c.addr }

func (c *connection) ID() string { return c.id }

func (c *connection) bumpIdleDeadline() {
	if c.idleTimeout > 0 {
		c.idleDeadline = time.Now().Add(c.idleTimeout)
	}
}
