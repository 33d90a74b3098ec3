// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/auth"
	"github.com/ikmak/mongocore/core/command"
	"github.com/ikmak/mongocore/core/connection"
	"github.com/ikmak/mongocore/core/description"
)

// ErrServerConnected occurs when at attempt to Connect is made after a server
// has already been connected.
var ErrServerConnected = errors.New("server is connected")

// Server is a single server within a topology. It owns the server's
// connection pool and the background monitor that keeps the server's
// description current.
type Server struct {
	addr address.Address
	cfg  *serverConfig

	connectionstate int32
	done            chan struct{}
	checkNow        chan struct{}
	closewg         sync.WaitGroup

	pool connection.Pool
	rtt  *rttMonitor

	desc atomic.Value // holds a description.Server

	updateTopologyCallback atomic.Value // holds a func(description.Server)
}

// ConnectServer creates a new Server and then initializes it using the
// Connect method.
func ConnectServer(addr address.Address, updateCallback func(description.Server), opts ...ServerOption) (*Server, error) {
	srvr, err := NewServer(addr, opts...)
	if err != nil {
		return nil, err
	}
	srvr.updateTopologyCallback.Store(updateCallback)
	err = srvr.Connect()
	if err != nil {
		return nil, err
	}
	return srvr, nil
}

// NewServer creates a new server. The mobility of the server is managed by
// the Connect and Disconnect methods; no monitoring happens until Connect is
// called.
func NewServer(addr address.Address, opts ...ServerOption) (*Server, error) {
	cfg, err := newServerConfig(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.runner == nil {
		return nil, errors.New("server requires a command runner")
	}

	s := &Server{
		addr:     addr.Canonicalize(),
		cfg:      cfg,
		done:     make(chan struct{}),
		checkNow: make(chan struct{}, 1),
		rtt:      newRTTMonitor(cfg.heartbeatInterval, cfg.rttWindow),
	}
	s.desc.Store(description.NewDefaultServer(s.addr))

	connOpts := cfg.connectionOpts
	if cfg.cred != nil {
		authenticator, err := auth.NewScramSHA256Authenticator(cfg.cred)
		if err != nil {
			return nil, err
		}
		connOpts = append(connOpts[:len(connOpts):len(connOpts)],
			connection.WithHandshaker(auth.Handshaker(authenticator)))
	}

	pool, err := connection.NewPool(s.addr, cfg.minConns, cfg.maxIdleConns, cfg.maxConns, connOpts...)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	return s, nil
}

// Connect initializes the Server by starting background monitoring goroutines.
func (s *Server) Connect() error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, disconnected, connected) {
		return ErrServerConnected
	}
	if err := s.pool.Connect(context.Background()); err != nil {
		return err
	}

	s.closewg.Add(1)
	go s.update()
	return nil
}

// Disconnect closes sockets to the server. The monitor goroutine is stopped
// before the pool is drained and closed.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, connected, disconnecting) {
		return ErrServerClosed
	}

	close(s.done)
	s.closewg.Wait()
	err := s.pool.Disconnect(ctx)

	atomic.StoreInt32(&s.connectionstate, disconnected)
	return err
}

// Addr returns the address of the server.
func (s *Server) Addr() address.Address {
	return s.addr
}

// Description returns a description of the server as of the last heartbeat.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Connection gets a connection to the server.
func (s *Server) Connection(ctx context.Context) (connection.Connection, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrServerClosed
	}
	return s.pool.Get(ctx)
}

// RunCommand runs the command document against this server on a pooled
// connection and classifies any failure.
func (s *Server) RunCommand(ctx context.Context, cmd bson.D) (bson.D, error) {
	conn, err := s.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	reply, err := conn.Run(ctx, cmd)
	if err != nil {
		s.ProcessError(err)
		return nil, err
	}
	return reply, nil
}

// ProcessError handles an error that occurred while running an operation
// against this server. Network errors and not-master/node-is-recovering
// server errors clear the pool and mark the server Unknown until the next
// check.
func (s *Server) ProcessError(err error) {
	if !command.IsNetworkError(err) && !command.IsStateChangeError(err) {
		return
	}
	_ = s.pool.Drain()
	s.updateDescription(description.NewServerFromError(s.addr, err))
	s.RequestImmediateCheck()
}

// RequestImmediateCheck will cause the server to send a heartbeat to the
// server right away, instead of waiting for the heartbeat timeout.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// update is the background routine that runs the heartbeat loop. It exits
// when the done channel closes.
func (s *Server) update() {
	defer s.closewg.Done()

	heartbeatTimer := time.NewTimer(0)
	rateLimitTimer := time.NewTimer(0)
	defer heartbeatTimer.Stop()
	defer rateLimitTimer.Stop()

	checkServer := func() {
		// Wait if the last check finished less than the minimum heartbeat
		// interval ago. A flood of immediate check requests must not hammer
		// the server.
		select {
		case <-rateLimitTimer.C:
		case <-s.done:
			return
		}

		desc := s.heartbeat()
		s.updateDescription(desc)

		rateLimitTimer.Stop()
		rateLimitTimer.Reset(s.cfg.minHeartbeatInterval)
		heartbeatTimer.Stop()
		heartbeatTimer.Reset(s.cfg.heartbeatInterval)
	}

	for {
		select {
		case <-heartbeatTimer.C:
			checkServer()
		case <-s.checkNow:
			checkServer()
		case <-s.done:
			return
		}
	}
}

// updateDescription stores the new description and hands it to the owning
// topology, if any.
func (s *Server) updateDescription(desc description.Server) {
	prev := s.Description()
	s.desc.Store(desc)

	if prev.Kind != desc.Kind || !sameError(prev.LastError, desc.LastError) {
		s.cfg.logger.WithFields(logrus.Fields{
			"address":  s.addr.String(),
			"previous": prev.Kind.String(),
			"current":  desc.Kind.String(),
		}).Debug("server description changed")
	}

	callback, ok := s.updateTopologyCallback.Load().(func(description.Server))
	if ok && callback != nil {
		callback(desc)
	}
}

// heartbeat runs one server check. When a check fails against a previously
// known server the check is retried once immediately; the second failure
// marks the server Unknown. Any failure clears the connection pool.
func (s *Server) heartbeat() description.Server {
	prevKind := s.Description().Kind

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.heartbeatTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	desc, err := s.check(ctx)
	if err == nil {
		return desc
	}

	_ = s.pool.Drain()
	s.rtt.reset()

	if prevKind != description.Unknown {
		// The server was known before this failure, so the failure may be a
		// single dropped socket. One immediate retry is allowed.
		desc, retryErr := s.check(ctx)
		if retryErr == nil {
			return desc
		}
		_ = s.pool.Drain()
		err = retryErr
	}

	return description.NewServerFromError(s.addr, err)
}

// check runs a single isMaster against the server and builds a description
// from the reply.
func (s *Server) check(ctx context.Context) (description.Server, error) {
	start := time.Now()
	reply, err := s.cfg.runner.Run(ctx, s.addr, command.IsMaster())
	if err != nil {
		return description.Server{}, err
	}
	if cmdErr := command.ExtractError(reply); cmdErr != nil {
		return description.Server{}, cmdErr
	}
	delay := time.Since(start)
	s.rtt.addSample(delay)

	desc := description.NewServer(s.addr, reply)
	desc.HeartbeatInterval = s.cfg.heartbeatInterval
	if avg, set := s.rtt.getRTT(); set {
		desc = desc.SetAverageRTT(avg)
	}
	return desc, nil
}
