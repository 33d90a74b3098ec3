// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handle the discovery, monitoring and
// selection of servers. This package is designed to expose enough inner
// workings of service discovery and monitoring to allow low level
// applications to have fine grained control, while hiding most of the
// detailed implementation of the algorithms.
package topology

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
	"github.com/ikmak/mongocore/core/description"
	"github.com/ikmak/mongocore/core/session"
)

const (
	disconnected int32 = iota
	disconnecting
	connected
	connecting
)

// Topology represents a MongoDB deployment. It discovers the deployment's
// shape from the configured seed list, monitors each server with a
// background heartbeat, and selects servers for operations.
type Topology struct {
	connectionstate int32

	cfg *config

	desc atomic.Value // holds a description.Topology

	fsm     *fsm
	changes chan description.Server
	done    chan struct{}
	closewg sync.WaitGroup

	subscribers         map[uint64]chan description.Topology
	lastSubscriberID    uint64
	subscriptionsClosed bool
	subLock             sync.Mutex

	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	// SessionPool is the pool of server sessions for this deployment. It is
	// created during Connect and tracks the deployment's logical session
	// timeout through a topology subscription.
	SessionPool *session.Pool

	rand     *rand.Rand
	randLock sync.Mutex
}

// New creates a new topology. The returned Topology must be initialized with
// the Connect method before use.
func New(opts ...Option) (*Topology, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	t := &Topology{
		cfg:         cfg,
		fsm:         newFSM(),
		changes:     make(chan description.Server),
		done:        make(chan struct{}),
		subscribers: make(map[uint64]chan description.Topology),
		servers:     make(map[address.Address]*Server),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if cfg.replicaSetName != "" {
		t.fsm.SetName = cfg.replicaSetName
		t.fsm.Kind = description.ReplicaSetNoPrimary
	}
	if cfg.mode == SingleMode {
		t.fsm.Kind = description.Single
	}

	t.desc.Store(description.Topology{Kind: t.fsm.Kind})

	return t, nil
}

// Connect initializes a Topology and starts the monitoring process. This
// function must be called to properly monitor the topology.
func (t *Topology) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connectionstate, disconnected, connecting) {
		return ErrTopologyConnected
	}

	t.closewg.Add(1)
	go t.consume()

	t.serversLock.Lock()
	for _, seed := range t.cfg.seedList {
		addr := address.Address(seed).Canonicalize()
		t.fsm.addServer(addr)
		if err := t.addServer(addr); err != nil {
			t.serversLock.Unlock()
			return err
		}
	}
	t.desc.Store(t.fsm.Topology)
	t.serversLock.Unlock()

	sub, _, err := t.Subscribe()
	if err != nil {
		return err
	}
	t.SessionPool = session.NewPool(sub)

	atomic.StoreInt32(&t.connectionstate, connected)
	return nil
}

// Disconnect closes the topology. It stops the monitoring thread and closes
// all open subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connectionstate, connected, disconnecting) {
		return ErrTopologyClosed
	}

	// Stop the consume routine first. Server monitors may be blocked
	// publishing a change, and closing done releases them.
	close(t.done)
	t.closewg.Wait()

	t.serversLock.Lock()
	t.serversClosed = true
	for addr, server := range t.servers {
		_ = server.Disconnect(ctx)
		delete(t.servers, addr)
	}
	t.serversLock.Unlock()

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})

	atomic.StoreInt32(&t.connectionstate, disconnected)
	return nil
}

// Description returns a description of the topology.
func (t *Topology) Description() description.Topology {
	return t.desc.Load().(description.Topology)
}

// Subscribe returns a channel on which all updated topology descriptions
// will be sent. The channel has a buffer size of one, and is pre-populated
// with the current description. Subscribe also returns a function that, when
// called, closes the channel and removes it from the subscription list.
func (t *Topology) Subscribe() (<-chan description.Topology, func(), error) {
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, nil, ErrTopologyClosed
	}
	t.lastSubscriberID++
	id := t.lastSubscriberID
	t.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.subLock.Lock()
			defer t.subLock.Unlock()
			if _, ok := t.subscribers[id]; !ok {
				return
			}
			close(ch)
			delete(t.subscribers, id)
		})
	}

	return ch, unsubscribe, nil
}

// RequestImmediateCheck will send heartbeats to all the servers in the
// topology right away, instead of waiting for the heartbeat timeout.
func (t *Topology) RequestImmediateCheck() {
	if atomic.LoadInt32(&t.connectionstate) != connected {
		return
	}
	t.serversLock.Lock()
	for _, server := range t.servers {
		server.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// ServerByAddr returns the monitored server for the given address, if the
// topology currently includes it.
func (t *Topology) ServerByAddr(addr address.Address) (*Server, bool) {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	server, ok := t.servers[addr.Canonicalize()]
	return server, ok
}

// SelectServer selects a server with given a selector, returning the
// matching server wrapped with the topology kind it was selected under. It
// blocks until a server matches, the selection timeout passes, or the
// context expires.
func (t *Topology) SelectServer(ctx context.Context, selector ServerSelector) (*SelectedServer, error) {
	if atomic.LoadInt32(&t.connectionstate) != connected {
		return nil, ErrTopologyClosed
	}

	var timeoutCh <-chan time.Time
	if t.cfg.serverSelectionTimeout > 0 {
		timer := time.NewTimer(t.cfg.serverSelectionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	sub, unsubscribe, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	_, isWrite := selector.(writeSelector)

	for {
		var current description.Topology
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Desc: t.Description(), Wrapped: ctx.Err()}
		case <-timeoutCh:
			desc := t.Description()
			return nil, ServerSelectionError{
				Desc:    desc,
				Wrapped: errors.Wrap(ErrServerSelectionTimeout, errorMessage(desc, isWrite)),
			}
		case desc, ok := <-sub:
			if !ok {
				// The topology was disconnected while we were waiting.
				return nil, ErrTopologyClosed
			}
			current = desc
		}

		if current.CompatibilityErr != nil {
			return nil, current.CompatibilityErr
		}

		suitable, err := CompositeSelector([]ServerSelector{
			selector,
			LatencySelector(t.cfg.localThreshold),
		}).SelectServer(current, current.Servers)
		if err != nil {
			return nil, ServerSelectionError{Desc: current, Wrapped: err}
		}

		if len(suitable) == 0 {
			t.RequestImmediateCheck()
			continue
		}

		t.randLock.Lock()
		chosen := suitable[t.rand.Intn(len(suitable))]
		t.randLock.Unlock()

		server, ok := t.ServerByAddr(chosen.Addr)
		if !ok {
			// The server was removed between selection and lookup. Try again
			// with the next description.
			continue
		}
		return &SelectedServer{Server: server, Kind: current.Kind}, nil
	}
}

// consume is the background routine that serializes server description
// changes through the state machine.
func (t *Topology) consume() {
	defer t.closewg.Done()

	for {
		select {
		case desc := <-t.changes:
			t.apply(desc)
		case <-t.done:
			return
		}
	}
}

// apply applies one server description to the state machine and reconciles
// the set of monitored servers with the outcome.
func (t *Topology) apply(desc description.Server) {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	if t.serversClosed {
		return
	}
	if _, ok := t.servers[desc.Addr]; !ok {
		// A late heartbeat from a server that has already been removed.
		return
	}

	prev := t.fsm.Topology
	t.fsm.apply(desc)
	current := t.fsm.Topology

	diff := diffTopology(prev, current)
	for _, removed := range diff.Removed {
		if server, ok := t.servers[removed.Addr]; ok {
			go func(s *Server) {
				// Disconnect waits for the monitor to stop, and the monitor
				// may be blocked publishing into this topology.
				_ = s.Disconnect(context.Background())
			}(server)
			delete(t.servers, removed.Addr)
		}
	}
	for _, added := range diff.Added {
		_ = t.addServer(added.Addr)
	}

	if prev.Kind != current.Kind {
		t.cfg.logger.WithFields(logrus.Fields{
			"previous": prev.Kind.String(),
			"current":  current.Kind.String(),
		}).Info("topology description changed")
	}

	t.desc.Store(current)
	t.publish(current)
}

// publish sends the description to every subscriber, replacing any stale
// description a subscriber has not read yet.
func (t *Topology) publish(desc description.Topology) {
	t.subLock.Lock()
	defer t.subLock.Unlock()
	for _, ch := range t.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- desc
	}
}

// addServer starts monitoring the address. The caller must hold serversLock.
func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	opts := t.cfg.serverOpts
	if t.cfg.runner != nil {
		opts = append(opts[:len(opts):len(opts)], WithServerRunner(
			func(command.Runner) command.Runner { return t.cfg.runner },
		))
	}

	server, err := ConnectServer(addr, t.changeCallback, opts...)
	if err != nil {
		return err
	}

	t.servers[addr] = server
	return nil
}

// changeCallback hands a server description change to the consume routine.
func (t *Topology) changeCallback(desc description.Server) {
	select {
	case t.changes <- desc:
	case <-t.done:
	}
}

// SelectedServer represents a server that was selected from a topology. It
// pins the topology kind observed at selection time.
type SelectedServer struct {
	*Server
	Kind description.TopologyKind
}

// Description returns a description of the server, including the topology
// kind it was selected under.
func (ss *SelectedServer) Description() description.SelectedServer {
	return description.SelectedServer{
		Server: ss.Server.Description(),
		Kind:   ss.Kind,
	}
}
