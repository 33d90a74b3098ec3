// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions: pooled server sessions,
// client sessions with causal consistency state, the shared cluster clock,
// and the client side transaction state machine.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
	"github.com/ikmak/mongocore/core/description"
	"github.com/ikmak/mongocore/core/readpref"
)

// Session related errors. These are all local; none of them involve a
// network round trip.
var (
	ErrSessionEnded       = errors.New("ended session was used")
	ErrNoTransactStarted  = errors.New("no transaction started")
	ErrTransactInProgress = errors.New("transaction already in progress")
	ErrAbortAfterCommit   = errors.New("cannot call abortTransaction after calling commitTransaction")
	ErrAbortTwice         = errors.New("cannot call abortTransaction twice")
	ErrCommitAfterAbort   = errors.New("cannot call commitTransaction after calling abortTransaction")
)

// TransactionState indicates the state of the transaction owned by a client
// session.
type TransactionState uint8

// Client session transaction states.
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	CommittedEmpty
	Aborted
)

// String implements the fmt.Stringer interface.
func (s TransactionState) String() string {
	switch s {
	case None:
		return "none"
	case Starting:
		return "starting"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case CommittedEmpty:
		return "committed empty"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Type describes the type of the session.
type Type uint8

// These constants are the valid types for a client session.
const (
	Explicit Type = iota
	Implicit
)

// MinWireVersion is the minimum wire version that supports sessions.
const MinWireVersion = 6

// withTransactionTimeout is the wall clock budget WithTransaction retries
// within. It is fixed to stay under the server's transaction lifetime limit.
const withTransactionTimeout = 120 * time.Second

// CommandRunner runs a command document against the deployment, performing
// server selection itself. It is the seam between sessions and the topology.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd bson.D) (bson.D, error)
}

// CommandRunnerFunc is a function that can be used as a CommandRunner.
type CommandRunnerFunc func(ctx context.Context, cmd bson.D) (bson.D, error)

// RunCommand implements the CommandRunner interface.
func (f CommandRunnerFunc) RunCommand(ctx context.Context, cmd bson.D) (bson.D, error) {
	return f(ctx, cmd)
}

// Client is a session for clients to run commands.
type Client struct {
	ClusterTime   bson.D
	OperationTime *bson.Timestamp
	SessionID     bson.D
	SessionType   Type
	Terminated    bool
	Consistent    bool
	RetryWrites   bool
	RetryReads    bool

	// Options for the current transaction, reset by StartTransaction.
	CurrentRp *readpref.ReadPref
	CurrentWc bson.D
	CurrentRc bson.D

	TransactionState TransactionState
	TxnNumber        int64

	// PinnedAddr is the mongos the current transaction is pinned to, if any.
	PinnedAddr    address.Address
	RecoveryToken bson.D

	pool          *Pool
	clock         *ClusterClock
	runner        CommandRunner
	serverSession *Server

	// Defaults applied to each transaction this session starts.
	transactionRp *readpref.ReadPref
	transactionWc bson.D
	transactionRc bson.D
}

// NewClientSession creates a Client backed by a server session from the
// pool.
func NewClientSession(pool *Pool, sessionType Type, opts ...Option) (*Client, error) {
	servSess, err := pool.GetSession()
	if err != nil {
		return nil, err
	}

	c := &Client{
		SessionID:     servSess.SessionID,
		SessionType:   sessionType,
		Consistent:    true,
		RetryWrites:   true,
		RetryReads:    true,
		pool:          pool,
		serverSession: servSess,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// AdvanceClusterTime updates the session's cluster time, and the shared
// cluster clock if the session has one.
func (c *Client) AdvanceClusterTime(clusterTime bson.D) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	if c.clock != nil {
		c.clock.AdvanceClusterTime(clusterTime)
	}
	return nil
}

// AdvanceOperationTime updates the session's operation time for causal
// consistency. Older timestamps are ignored.
func (c *Client) AdvanceOperationTime(opTime *bson.Timestamp) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if opTime == nil {
		return nil
	}
	if c.OperationTime == nil ||
		opTime.T > c.OperationTime.T ||
		(opTime.T == c.OperationTime.T && opTime.I > c.OperationTime.I) {
		t := *opTime
		c.OperationTime = &t
	}
	return nil
}

// UpdateUseTime marks the server session as used. Must be called whenever
// this session is attached to a command sent to the server.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.serverSession.updateUseTime()
	return nil
}

// MarkDirty flags the underlying server session so the pool discards it.
func (c *Client) MarkDirty() {
	if c.serverSession != nil {
		c.serverSession.MarkDirty()
	}
}

// EndSession ends the session. An open transaction is aborted on a best
// effort basis. Using the session after EndSession fails locally.
func (c *Client) EndSession(ctx context.Context) {
	if c.Terminated {
		return
	}
	if c.TransactionState == InProgress {
		_ = c.AbortTransaction(ctx)
	}

	c.Terminated = true
	c.pool.ReturnSession(c.serverSession)
}

// StartTransaction begins a new transaction on this session. The transaction
// is known only to the client until the first command is applied.
func (c *Client) StartTransaction(opts ...TransactionOption) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if c.TransactionState == Starting || c.TransactionState == InProgress {
		return ErrTransactInProgress
	}

	c.CurrentRp = c.transactionRp
	c.CurrentWc = c.transactionWc
	c.CurrentRc = c.transactionRc
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}

	c.TxnNumber = c.serverSession.NextTxnNumber()
	c.PinnedAddr = ""
	c.RecoveryToken = nil
	c.TransactionState = Starting

	return nil
}

// ApplyCommand transitions the session's transaction state when a command
// carrying it is sent to the given server.
func (c *Client) ApplyCommand(desc description.Server) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.serverSession.updateUseTime()

	switch c.TransactionState {
	case Starting:
		c.TransactionState = InProgress
		if desc.Kind == description.Mongos {
			c.PinnedAddr = desc.Addr
		}
	case Committed, CommittedEmpty, Aborted:
		c.TransactionState = None
	}
	return nil
}

// CommitTransaction commits the session's transaction. A commit from the
// Starting state never reached the server, so it succeeds locally. Errors
// that leave the outcome unknown are retried once with the write concern
// upgraded to majority, and transport failures are re-labeled
// UnknownTransactionCommitResult since the server may have applied the
// commit.
func (c *Client) CommitTransaction(ctx context.Context) error {
	if c.Terminated {
		return ErrSessionEnded
	}

	switch c.TransactionState {
	case None:
		return ErrNoTransactStarted
	case Aborted:
		return ErrCommitAfterAbort
	case Starting, CommittedEmpty:
		c.TransactionState = CommittedEmpty
		return nil
	}

	err := c.runCommit(ctx, c.CurrentWc)
	if err == nil {
		c.TransactionState = Committed
		return nil
	}

	ce, isCommandErr := asCommandError(err)
	if !isCommandErr {
		c.TransactionState = Committed
		return err
	}

	if ce.RetryableCommit() {
		retryErr := c.runCommit(ctx, majorityWriteConcern())
		if retryErr == nil {
			c.TransactionState = Committed
			return nil
		}
		if retried, ok := asCommandError(retryErr); ok {
			ce = retried
		} else {
			c.TransactionState = Committed
			return retryErr
		}
	}

	if ce.RetryableCommit() {
		ce = ce.WithoutLabel(command.TransientTransactionError).
			WithLabel(command.UnknownTransactionCommitResult)
	}

	c.TransactionState = Committed
	return ce
}

// AbortTransaction aborts the session's transaction. An abort from the
// Starting state never reached the server, so it succeeds locally. Server
// errors during abort are swallowed; the server will clean the transaction
// up on its own.
func (c *Client) AbortTransaction(ctx context.Context) error {
	if c.Terminated {
		return ErrSessionEnded
	}

	switch c.TransactionState {
	case None:
		return ErrNoTransactStarted
	case Committed, CommittedEmpty:
		return ErrAbortAfterCommit
	case Aborted:
		return ErrAbortTwice
	case Starting:
		c.TransactionState = Aborted
		return nil
	}

	_ = c.runTxnCommand(ctx, "abortTransaction", c.CurrentWc)

	c.TransactionState = Aborted
	return nil
}

// CanRetryWrite reports whether a write that failed with err may be retried
// once on this session. Retryable writes do not apply inside transactions;
// the transaction owns its own retry rules.
func (c *Client) CanRetryWrite(err error) bool {
	if c.Terminated || !c.RetryWrites {
		return false
	}
	if c.TransactionState == Starting || c.TransactionState == InProgress {
		return false
	}
	ce, ok := asCommandError(err)
	return ok && ce.Retryable()
}

// CanRetryRead reports whether a read that failed with err may be retried
// once on this session.
func (c *Client) CanRetryRead(err error) bool {
	if c.Terminated || !c.RetryReads {
		return false
	}
	ce, ok := asCommandError(err)
	return ok && ce.Retryable()
}

// WithTransaction runs fn inside a transaction, retrying the whole body on
// transient transaction errors and the commit on unknown commit results,
// within a fixed wall clock budget.
func (c *Client) WithTransaction(ctx context.Context, fn func(context.Context) error, opts ...TransactionOption) error {
	deadline := time.Now().Add(withTransactionTimeout)

	for {
		if err := c.StartTransaction(opts...); err != nil {
			return err
		}

		if err := fn(ctx); err != nil {
			if c.TransactionState == Starting || c.TransactionState == InProgress {
				_ = c.AbortTransaction(ctx)
			}
			if command.HasLabel(err, command.TransientTransactionError) && time.Now().Before(deadline) {
				continue
			}
			return err
		}

		if c.TransactionState == Aborted || c.TransactionState == None {
			// The callback resolved the transaction itself.
			return nil
		}

		restart := false
		for {
			err := c.CommitTransaction(ctx)
			if err == nil {
				return nil
			}

			if command.HasLabel(err, command.UnknownTransactionCommitResult) &&
				!isMaxTimeMSExpired(err) && time.Now().Before(deadline) {
				continue
			}
			if command.HasLabel(err, command.TransientTransactionError) && time.Now().Before(deadline) {
				restart = true
				break
			}
			return err
		}
		if restart {
			continue
		}
	}
}

// runCommit sends one commitTransaction attempt with the given write
// concern.
func (c *Client) runCommit(ctx context.Context, wc bson.D) error {
	return c.runTxnCommand(ctx, "commitTransaction", wc)
}

func (c *Client) runTxnCommand(ctx context.Context, name string, wc bson.D) error {
	if c.runner == nil {
		return errors.New("session has no command runner")
	}

	cmd := bson.D{
		{name, int32(1)},
		{"lsid", c.SessionID},
		{"txnNumber", c.TxnNumber},
		{"autocommit", false},
	}
	if wc != nil {
		cmd = append(cmd, bson.E{Key: "writeConcern", Value: wc})
	}
	if c.RecoveryToken != nil {
		cmd = append(cmd, bson.E{Key: "recoveryToken", Value: c.RecoveryToken})
	}

	c.serverSession.updateUseTime()
	reply, err := c.runner.RunCommand(ctx, cmd)
	if err != nil {
		if command.IsNetworkError(err) {
			c.MarkDirty()
		}
		return err
	}

	c.processReply(reply)
	return command.ExtractError(reply)
}

// processReply folds the reply's cluster and operation times into the
// session.
func (c *Client) processReply(reply bson.D) {
	if ctVal, found := reply.Lookup("$clusterTime"); found {
		if _, isDoc := ctVal.(bson.D); isDoc {
			_ = c.AdvanceClusterTime(bson.D{{"$clusterTime", ctVal}})
		}
	}
	if otVal, found := reply.Lookup("operationTime"); found {
		if ts, isTS := otVal.(bson.Timestamp); isTS {
			_ = c.AdvanceOperationTime(&ts)
		}
	}
	if rtVal, found := reply.Lookup("recoveryToken"); found {
		if rt, isDoc := rtVal.(bson.D); isDoc {
			c.RecoveryToken = rt
		}
	}
}

// majorityWriteConcern is the write concern commit retries use.
func majorityWriteConcern() bson.D {
	return bson.D{{"w", "majority"}, {"wtimeout", int32(10000)}}
}

func asCommandError(err error) (command.Error, bool) {
	var ce command.Error
	if errors.As(err, &ce) {
		return ce, true
	}
	var ne *command.NetworkError
	if errors.As(err, &ne) {
		return command.Error{
			Message: ne.Error(),
			Labels:  []string{command.NetworkErrorLabel},
		}, true
	}
	return command.Error{}, false
}

func isMaxTimeMSExpired(err error) bool {
	var ce command.Error
	return errors.As(err, &ce) && ce.Code == codeMaxTimeMSExpired
}

const codeMaxTimeMSExpired = 50
