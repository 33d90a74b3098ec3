// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
	"github.com/ikmak/mongocore/core/description"
)

// recordingRunner records every command it receives and pops replies from a
// queue. An entry with err != nil fails the command.
type recordingRunner struct {
	commands []bson.D
	replies  []bson.D
	errs     []error
}

func (rr *recordingRunner) RunCommand(ctx context.Context, cmd bson.D) (bson.D, error) {
	rr.commands = append(rr.commands, cmd)
	i := len(rr.commands) - 1

	var err error
	if i < len(rr.errs) {
		err = rr.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(rr.replies) {
		return rr.replies[i], nil
	}
	return bson.D{{"ok", 1.0}}, nil
}

func testPool() *Pool {
	p := NewPool(nil)
	p.timeout, p.timeoutSet = 30, true
	return p
}

func newTestSession(t *testing.T, runner CommandRunner, opts ...Option) *Client {
	t.Helper()
	if runner != nil {
		opts = append(opts, WithCommandRunner(runner))
	}
	sess, err := NewClientSession(testPool(), Explicit, opts...)
	require.NoError(t, err)
	return sess
}

func inProgress(t *testing.T, sess *Client) {
	t.Helper()
	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.ApplyCommand(description.Server{Kind: description.RSPrimary}))
	require.Equal(t, InProgress, sess.TransactionState)
}

func TestClientSessionAdvanceClusterTime(t *testing.T) {
	sess := newTestSession(t, nil)
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.AdvanceClusterTime(clusterTimeDoc(5, 5)))
	require.True(t, cmp.Equal(clusterTimeDoc(5, 5), sess.ClusterTime))

	require.NoError(t, sess.AdvanceClusterTime(clusterTimeDoc(5, 0)))
	require.True(t, cmp.Equal(clusterTimeDoc(5, 5), sess.ClusterTime))

	require.NoError(t, sess.AdvanceClusterTime(clusterTimeDoc(10, 5)))
	require.True(t, cmp.Equal(clusterTimeDoc(10, 5), sess.ClusterTime))
}

func TestClientSessionSharesClusterClock(t *testing.T) {
	var clock ClusterClock
	sess := newTestSession(t, nil, WithClusterClock(&clock))
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.AdvanceClusterTime(clusterTimeDoc(7, 2)))
	require.True(t, cmp.Equal(clusterTimeDoc(7, 2), clock.GetClusterTime()))
}

func TestClientSessionAdvanceOperationTime(t *testing.T) {
	sess := newTestSession(t, nil)
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.AdvanceOperationTime(&bson.Timestamp{T: 1, I: 0}))
	require.Equal(t, &bson.Timestamp{T: 1, I: 0}, sess.OperationTime)

	require.NoError(t, sess.AdvanceOperationTime(&bson.Timestamp{T: 2, I: 0}))
	require.Equal(t, &bson.Timestamp{T: 2, I: 0}, sess.OperationTime)

	require.NoError(t, sess.AdvanceOperationTime(&bson.Timestamp{T: 2, I: 1}))
	require.Equal(t, &bson.Timestamp{T: 2, I: 1}, sess.OperationTime)

	require.NoError(t, sess.AdvanceOperationTime(&bson.Timestamp{T: 1, I: 10}))
	require.Equal(t, &bson.Timestamp{T: 2, I: 1}, sess.OperationTime)
}

func TestClientSessionEnd(t *testing.T) {
	pool := testPool()
	sess, err := NewClientSession(pool, Explicit)
	require.NoError(t, err)

	sess.EndSession(context.Background())
	sess.EndSession(context.Background()) // must be safe to call twice

	require.Equal(t, ErrSessionEnded, sess.UpdateUseTime())
	require.Equal(t, ErrSessionEnded, sess.AdvanceClusterTime(clusterTimeDoc(1, 1)))
	require.Equal(t, ErrSessionEnded, sess.StartTransaction())

	// The server session went back to the pool.
	reused, err := pool.GetSession()
	require.NoError(t, err)
	require.True(t, cmp.Equal(sess.SessionID, reused.SessionID))
}

func TestTransactionStateMachine(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())
	ctx := context.Background()

	require.Equal(t, ErrNoTransactStarted, sess.CommitTransaction(ctx))
	require.Equal(t, ErrNoTransactStarted, sess.AbortTransaction(ctx))
	require.Equal(t, None, sess.TransactionState)

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, Starting, sess.TransactionState)
	require.Equal(t, ErrTransactInProgress, sess.StartTransaction())

	require.NoError(t, sess.ApplyCommand(description.Server{Kind: description.Standalone}))
	require.Equal(t, InProgress, sess.TransactionState)
	require.Equal(t, ErrTransactInProgress, sess.StartTransaction())

	require.NoError(t, sess.CommitTransaction(ctx))
	require.Equal(t, Committed, sess.TransactionState)
	require.Equal(t, ErrAbortAfterCommit, sess.AbortTransaction(ctx))

	// Commit after commit reruns the commit.
	require.NoError(t, sess.CommitTransaction(ctx))

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, Starting, sess.TransactionState)

	require.NoError(t, sess.AbortTransaction(ctx))
	require.Equal(t, Aborted, sess.TransactionState)
	require.Equal(t, ErrAbortTwice, sess.AbortTransaction(ctx))
	require.Equal(t, ErrCommitAfterAbort, sess.CommitTransaction(ctx))
}

func TestTransactionNumberIncrements(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())
	ctx := context.Background()

	require.NoError(t, sess.StartTransaction())
	first := sess.TxnNumber
	require.NoError(t, sess.AbortTransaction(ctx))

	require.NoError(t, sess.StartTransaction())
	require.Equal(t, first+1, sess.TxnNumber)
	require.NoError(t, sess.AbortTransaction(ctx))
}

func TestCommitFromStartingIsLocal(t *testing.T) {
	runner := &recordingRunner{}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Equal(t, CommittedEmpty, sess.TransactionState)
	require.Empty(t, runner.commands, "empty commit must not reach the server")

	// A new transaction can be started after an empty commit.
	require.NoError(t, sess.StartTransaction())
}

func TestAbortFromStartingIsLocal(t *testing.T) {
	runner := &recordingRunner{}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.AbortTransaction(context.Background()))
	require.Equal(t, Aborted, sess.TransactionState)
	require.Empty(t, runner.commands, "empty abort must not reach the server")
}

func TestCommitCommandShape(t *testing.T) {
	runner := &recordingRunner{}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Len(t, runner.commands, 1)

	cmd := runner.commands[0]
	require.Equal(t, "commitTransaction", cmd[0].Key)

	lsid, found := cmd.Lookup("lsid")
	require.True(t, found)
	require.True(t, cmp.Equal(sess.SessionID, lsid.(bson.D)))

	txnNum, found := cmd.Lookup("txnNumber")
	require.True(t, found)
	require.Equal(t, sess.TxnNumber, txnNum.(int64))

	autocommit, found := cmd.Lookup("autocommit")
	require.True(t, found)
	require.Equal(t, false, autocommit.(bool))
}

func TestCommitRetriesOnceOnNetworkError(t *testing.T) {
	runner := &recordingRunner{
		errs: []error{&command.NetworkError{Addr: "a:27017", Wrapped: context.DeadlineExceeded}},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Equal(t, Committed, sess.TransactionState)
	require.Len(t, runner.commands, 2)

	// The retried attempt upgrades the write concern.
	wc, found := runner.commands[1].Lookup("writeConcern")
	require.True(t, found)
	require.True(t, cmp.Equal(bson.D{{"w", "majority"}, {"wtimeout", int32(10000)}}, wc.(bson.D)))

	_, found = runner.commands[0].Lookup("writeConcern")
	require.False(t, found, "first attempt must use the transaction's own write concern")
}

func TestCommitRetriesOnceOnRetryableCode(t *testing.T) {
	runner := &recordingRunner{
		replies: []bson.D{
			{{"ok", 0.0}, {"errmsg", "interrupted at shutdown"}, {"code", int32(11600)}},
			{{"ok", 1.0}},
		},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Len(t, runner.commands, 2)
}

func TestCommitRetriesOnceOnWriteConcernTimeout(t *testing.T) {
	runner := &recordingRunner{
		replies: []bson.D{
			{{"ok", 1.0}, {"writeConcernError", bson.D{{"code", int32(64)}, {"errmsg", "waiting for replication timed out"}}}},
			{{"ok", 1.0}},
		},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.Len(t, runner.commands, 2)
}

func TestCommitUnknownResultLabel(t *testing.T) {
	netErr := &command.NetworkError{Addr: "a:27017", Wrapped: context.DeadlineExceeded}
	runner := &recordingRunner{errs: []error{netErr, netErr}}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	err := sess.CommitTransaction(context.Background())
	require.Error(t, err)
	require.Len(t, runner.commands, 2, "commit is retried exactly once")

	require.True(t, command.HasLabel(err, command.UnknownTransactionCommitResult))
	require.False(t, command.HasLabel(err, command.TransientTransactionError))

	// The server session state is unknown, so it must not be reused.
	require.True(t, sess.serverSession.Dirty)
}

func TestCommitDoesNotRetryOrdinaryErrors(t *testing.T) {
	runner := &recordingRunner{
		replies: []bson.D{
			{{"ok", 0.0}, {"errmsg", "duplicate key"}, {"code", int32(11000)}},
		},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	err := sess.CommitTransaction(context.Background())
	require.Error(t, err)
	require.Len(t, runner.commands, 1)
	require.False(t, command.HasLabel(err, command.UnknownTransactionCommitResult))
}

func TestAbortSwallowsServerErrors(t *testing.T) {
	runner := &recordingRunner{
		replies: []bson.D{
			{{"ok", 0.0}, {"errmsg", "transaction not found"}, {"code", int32(251)}},
		},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.AbortTransaction(context.Background()))
	require.Equal(t, Aborted, sess.TransactionState)
	require.Len(t, runner.commands, 1)
	require.Equal(t, "abortTransaction", runner.commands[0][0].Key)
}

func TestApplyCommandPinsMongos(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())

	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.ApplyCommand(description.Server{
		Addr: address.Address("mongos1:27017"),
		Kind: description.Mongos,
	}))
	require.Equal(t, address.Address("mongos1:27017"), sess.PinnedAddr)

	// The next transaction starts unpinned.
	require.NoError(t, sess.AbortTransaction(context.Background()))
	require.NoError(t, sess.StartTransaction())
	require.Equal(t, address.Address(""), sess.PinnedAddr)
	require.NoError(t, sess.AbortTransaction(context.Background()))
}

func TestApplyCommandResolvesFinishedTransaction(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())
	ctx := context.Background()

	require.NoError(t, sess.StartTransaction())
	require.NoError(t, sess.AbortTransaction(ctx))
	require.Equal(t, Aborted, sess.TransactionState)

	// The next non-transaction command moves the session back to None.
	require.NoError(t, sess.ApplyCommand(description.Server{Kind: description.RSPrimary}))
	require.Equal(t, None, sess.TransactionState)
}

func TestCommitCapturesReplyTimes(t *testing.T) {
	runner := &recordingRunner{
		replies: []bson.D{{
			{"ok", 1.0},
			{"$clusterTime", bson.D{{"clusterTime", bson.Timestamp{T: 42, I: 1}}}},
			{"operationTime", bson.Timestamp{T: 42, I: 1}},
			{"recoveryToken", bson.D{{"recoveryToken", "opaque"}}},
		}},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())
	inProgress(t, sess)

	require.NoError(t, sess.CommitTransaction(context.Background()))
	require.True(t, cmp.Equal(clusterTimeDoc(42, 1), sess.ClusterTime))
	require.Equal(t, &bson.Timestamp{T: 42, I: 1}, sess.OperationTime)
	require.NotNil(t, sess.RecoveryToken)
}

func TestWithTransactionCommits(t *testing.T) {
	runner := &recordingRunner{}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())

	var calls int
	err := sess.WithTransaction(context.Background(), func(context.Context) error {
		calls++
		return sess.ApplyCommand(description.Server{Kind: description.RSPrimary})
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, Committed, sess.TransactionState)
	require.Len(t, runner.commands, 1)
}

func TestWithTransactionRetriesTransientErrors(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())

	var calls int
	err := sess.WithTransaction(context.Background(), func(context.Context) error {
		calls++
		_ = sess.ApplyCommand(description.Server{Kind: description.RSPrimary})
		if calls == 1 {
			return command.Error{Message: "write conflict", Labels: []string{command.TransientTransactionError}}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, Committed, sess.TransactionState)
}

func TestWithTransactionRetriesUnknownCommit(t *testing.T) {
	netErr := &command.NetworkError{Addr: "a:27017", Wrapped: context.DeadlineExceeded}
	runner := &recordingRunner{
		// Both attempts of the first commit fail, then the retried commit
		// succeeds on its first attempt.
		errs: []error{netErr, netErr},
	}
	sess := newTestSession(t, runner)
	defer sess.EndSession(context.Background())

	err := sess.WithTransaction(context.Background(), func(context.Context) error {
		return sess.ApplyCommand(description.Server{Kind: description.RSPrimary})
	})
	require.NoError(t, err)
	require.Equal(t, Committed, sess.TransactionState)
	require.Len(t, runner.commands, 3)
}

func TestWithTransactionSurfacesOrdinaryErrors(t *testing.T) {
	sess := newTestSession(t, &recordingRunner{})
	defer sess.EndSession(context.Background())

	var calls int
	wantErr := command.Error{Message: "duplicate key", Code: 11000}
	err := sess.WithTransaction(context.Background(), func(context.Context) error {
		calls++
		_ = sess.ApplyCommand(description.Server{Kind: description.RSPrimary})
		return wantErr
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "ordinary errors must not retry")
	require.Equal(t, Aborted, sess.TransactionState)
}

func TestCausalConsistencyDefaults(t *testing.T) {
	sess := newTestSession(t, nil)
	require.True(t, sess.Consistent)
	sess.EndSession(context.Background())

	sess = newTestSession(t, nil, WithCausalConsistency(false))
	require.False(t, sess.Consistent)
	sess.EndSession(context.Background())
}

func TestTransactionOptions(t *testing.T) {
	wc := bson.D{{"w", int32(2)}}
	sess := newTestSession(t, &recordingRunner{}, WithDefaultWriteConcern(wc))
	defer sess.EndSession(context.Background())
	ctx := context.Background()

	require.NoError(t, sess.StartTransaction())
	require.True(t, cmp.Equal(wc, sess.CurrentWc))
	require.NoError(t, sess.AbortTransaction(ctx))

	override := bson.D{{"w", "majority"}}
	require.NoError(t, sess.StartTransaction(WithTransactionWriteConcern(override)))
	require.True(t, cmp.Equal(override, sess.CurrentWc))
	require.NoError(t, sess.AbortTransaction(ctx))

	// The override does not stick for the next transaction.
	require.NoError(t, sess.StartTransaction())
	require.True(t, cmp.Equal(wc, sess.CurrentWc))
	require.NoError(t, sess.AbortTransaction(ctx))
}

func TestRetryFlagsDefaults(t *testing.T) {
	sess := newTestSession(t, nil)
	defer sess.EndSession(context.Background())
	require.True(t, sess.RetryWrites)
	require.True(t, sess.RetryReads)
}

func TestCanRetryWrite(t *testing.T) {
	retryable := command.Error{Code: 10107, Message: "not master"}
	network := &command.NetworkError{Addr: "localhost:27017", Wrapped: context.DeadlineExceeded}

	sess := newTestSession(t, &recordingRunner{})
	require.True(t, sess.CanRetryWrite(retryable))
	require.True(t, sess.CanRetryWrite(network))
	require.False(t, sess.CanRetryWrite(command.Error{Code: 11000, Message: "duplicate key"}))

	// Retryable writes do not apply inside a transaction.
	inProgress(t, sess)
	require.False(t, sess.CanRetryWrite(retryable))
	require.NoError(t, sess.AbortTransaction(context.Background()))
	require.True(t, sess.CanRetryWrite(retryable))

	sess.EndSession(context.Background())
	require.False(t, sess.CanRetryWrite(retryable))

	sess = newTestSession(t, nil, WithRetryWrites(false))
	defer sess.EndSession(context.Background())
	require.False(t, sess.CanRetryWrite(retryable))
}

func TestCanRetryRead(t *testing.T) {
	retryable := command.Error{Code: 11600, Message: "interrupted at shutdown"}

	sess := newTestSession(t, nil)
	require.True(t, sess.CanRetryRead(retryable))
	require.False(t, sess.CanRetryRead(command.Error{Code: 50, Message: "operation exceeded time limit"}))

	sess.EndSession(context.Background())
	require.False(t, sess.CanRetryRead(retryable))

	sess = newTestSession(t, nil, WithRetryReads(false))
	defer sess.EndSession(context.Background())
	require.False(t, sess.CanRetryRead(retryable))
}
