// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ikmak/mongocore/core/address"
)

// PoolError is an error returned from a Pool method.
type PoolError string

// Error implements the error interface.
func (pe PoolError) Error() string { return string(pe) }

// ErrPoolClosed is returned from an attempt to use a closed pool.
var ErrPoolClosed = PoolError("pool is closed")

// ErrSizeLargerThanCapacity is returned from an attempt to create a pool with
// a size larger than the capacity.
var ErrSizeLargerThanCapacity = PoolError("size is larger than capacity")

// ErrMinLargerThanSize is returned from an attempt to create a pool with a
// minimum size larger than the number of idle connections it can hold.
var ErrMinLargerThanSize = PoolError("min size is larger than size")

// ErrPoolConnected is returned from an attempt to connect an already connected pool.
var ErrPoolConnected = PoolError("pool is connected")

// ErrPoolDisconnected is returned from an attempt to disconnect an already
// disconnected or disconnecting pool.
var ErrPoolDisconnected = PoolError("pool is disconnected or disconnecting")

// These constants represent the connection states of a pool.
const (
	disconnected int32 = iota
	disconnecting
	connected
)

// Pool is used to pool Connections to a server.
type Pool interface {
	// Get returns a pooled or freshly opened connection.
	Get(context.Context) (Connection, error)
	// Connect initializes the Pool and allows connections to be retrieved
	// and pooled. Implementations must return an error if Connect is called
	// more than once before calling Disconnect.
	Connect(context.Context) error
	// Disconnect closes connections managed by this Pool. Implementations
	// must either wait until all of the connections in use have been
	// returned and closed or the context expires before returning. If the
	// context expires, in use connections are closed immediately. Calling
	// Disconnect multiple times after a single Connect call must result in
	// an error.
	Disconnect(context.Context) error
	// Drain expires every connection currently checked into or out of the
	// pool, without closing the pool.
	Drain() error
}

type pool struct {
	address    address.Address
	opts       []Option
	conns      chan *pooledConnection
	generation uint64
	sem        *semaphore.Weighted
	connected  int32
	nextid     uint64
	minSize    uint64
	capacity   uint64
	inflight   map[uint64]*pooledConnection

	sync.Mutex
}

// NewPool creates a new pool that will open min connections up front, hold
// size number of idle connections, and create a max of capacity connections.
// It will use the provided options.
func NewPool(addr address.Address, min, size, capacity uint64, opts ...Option) (Pool, error) {
	if size > capacity {
		return nil, ErrSizeLargerThanCapacity
	}
	if min > size {
		return nil, ErrMinLargerThanSize
	}
	p := &pool{
		address:    addr,
		conns:      make(chan *pooledConnection, size),
		generation: 0,
		sem:        semaphore.NewWeighted(int64(capacity)),
		connected:  disconnected,
		minSize:    min,
		capacity:   capacity,
		inflight:   make(map[uint64]*pooledConnection),
		opts:       opts,
	}
	return p, nil
}

func (p *pool) Drain() error {
	atomic.AddUint64(&p.generation, 1)
	return nil
}

func (p *pool) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.connected, disconnected, connected) {
		return ErrPoolConnected
	}
	atomic.AddUint64(&p.generation, 1)
	p.warm(ctx)
	return nil
}

// warm opens the pool's minimum number of connections. Failures are not
// fatal; the pool falls back to opening connections on demand.
func (p *pool) warm(ctx context.Context) {
	for i := uint64(0); i < p.minSize; i++ {
		if !p.sem.TryAcquire(1) {
			return
		}
		c, err := New(ctx, p.address, p.opts...)
		if err != nil {
			p.sem.Release(1)
			return
		}
		pc := &pooledConnection{
			Connection: c,
			p:          p,
			generation: atomic.LoadUint64(&p.generation),
			id:         atomic.AddUint64(&p.nextid, 1),
		}
		p.Lock()
		p.inflight[pc.id] = pc
		p.Unlock()
		select {
		case p.conns <- pc:
		default:
			_ = p.closeConnection(pc)
			return
		}
	}
}

func (p *pool) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.connected, connected, disconnecting) {
		return ErrPoolDisconnected
	}

loop:
	for {
		select {
		case pc := <-p.conns:
			// This error would be overwritten by the semaphore
			_ = p.closeConnection(pc)
		default:
			break loop
		}
	}
	err := p.sem.Acquire(ctx, int64(p.capacity))
	if err != nil {
		p.Lock()
		// We copy the remaining connections into a slice, then iterate the
		// slice to close them. This keeps the clean up in a single function
		// at the expense of a double iteration in the worst case.
		toClose := make([]*pooledConnection, 0, len(p.inflight))
		for _, pc := range p.inflight {
			toClose = append(toClose, pc)
		}
		p.Unlock()
		for _, pc := range toClose {
			_ = p.closeConnection(pc)
		}
	} else {
		p.sem.Release(int64(p.capacity))
	}
	atomic.StoreInt32(&p.connected, disconnected)
	return nil
}

func (p *pool) Get(ctx context.Context) (Connection, error) {
	if atomic.LoadInt32(&p.connected) != connected {
		return nil, ErrPoolClosed
	}

	return p.get(ctx)
}

func (p *pool) get(ctx context.Context) (Connection, error) {
	g := atomic.LoadUint64(&p.generation)
	select {
	case c := <-p.conns:
		if c.Expired() {
			go func() { _ = p.closeConnection(c) }()
			return p.get(ctx)
		}

		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		err := p.sem.Acquire(ctx, 1)
		if err != nil {
			return nil, err
		}
		c, err := New(ctx, p.address, p.opts...)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}

		pc := &pooledConnection{
			Connection: c,
			p:          p,
			generation: g,
			id:         atomic.AddUint64(&p.nextid, 1),
		}
		p.Lock()
		defer p.Unlock()
		p.inflight[pc.id] = pc
		return pc, nil
	}
}

func (p *pool) closeConnection(pc *pooledConnection) error {
	if !atomic.CompareAndSwapInt32(&pc.closed, 0, 1) {
		return nil
	}
	p.sem.Release(1)
	p.Lock()
	delete(p.inflight, pc.id)
	p.Unlock()
	return pc.Connection.Close()
}

func (p *pool) returnConnection(pc *pooledConnection) error {
	if atomic.LoadInt32(&p.connected) != connected || pc.Expired() {
		return p.closeConnection(pc)
	}

	select {
	case p.conns <- pc:
		return nil
	default:
		return p.closeConnection(pc)
	}
}

func (p *pool) isExpired(generation uint64) bool {
	return generation < atomic.LoadUint64(&p.generation)
}

type pooledConnection struct {
	Connection
	p          *pool
	generation uint64
	id         uint64
	closed     int32
}

// Close returns the connection to its pool rather than closing the
// underlying connection.
func (pc *pooledConnection) Close() error {
	return pc.p.returnConnection(pc)
}

func (pc *pooledConnection) Expired() bool {
	return pc.Connection.Expired() || pc.p.isExpired(pc.generation)
}
