// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/readpref"
)

// Option configures a client session.
type Option func(*Client) error

// WithCausalConsistency specifies if the session should be causally
// consistent. Sessions are causally consistent by default.
func WithCausalConsistency(b bool) Option {
	return func(c *Client) error {
		c.Consistent = b
		return nil
	}
}

// WithRetryWrites specifies if failed writes may be retried once on this
// session. Writes are retryable by default.
func WithRetryWrites(b bool) Option {
	return func(c *Client) error {
		c.RetryWrites = b
		return nil
	}
}

// WithRetryReads specifies if failed reads may be retried once on this
// session. Reads are retryable by default.
func WithRetryReads(b bool) Option {
	return func(c *Client) error {
		c.RetryReads = b
		return nil
	}
}

// WithClusterClock sets the cluster clock the session shares with its owning
// deployment handle.
func WithClusterClock(clock *ClusterClock) Option {
	return func(c *Client) error {
		c.clock = clock
		return nil
	}
}

// WithCommandRunner sets the runner used to send commitTransaction and
// abortTransaction commands.
func WithCommandRunner(runner CommandRunner) Option {
	return func(c *Client) error {
		c.runner = runner
		return nil
	}
}

// WithDefaultReadPreference sets the read preference transactions started
// from this session use unless overridden per transaction.
func WithDefaultReadPreference(rp *readpref.ReadPref) Option {
	return func(c *Client) error {
		c.transactionRp = rp
		return nil
	}
}

// WithDefaultWriteConcern sets the write concern transactions started from
// this session use unless overridden per transaction.
func WithDefaultWriteConcern(wc bson.D) Option {
	return func(c *Client) error {
		c.transactionWc = wc
		return nil
	}
}

// WithDefaultReadConcern sets the read concern transactions started from
// this session use unless overridden per transaction.
func WithDefaultReadConcern(rc bson.D) Option {
	return func(c *Client) error {
		c.transactionRc = rc
		return nil
	}
}

// TransactionOption configures a single transaction on a client session.
type TransactionOption func(*Client) error

// WithTransactionReadPreference sets the read preference for the current
// transaction.
func WithTransactionReadPreference(rp *readpref.ReadPref) TransactionOption {
	return func(c *Client) error {
		c.CurrentRp = rp
		return nil
	}
}

// WithTransactionWriteConcern sets the write concern for the current
// transaction.
func WithTransactionWriteConcern(wc bson.D) TransactionOption {
	return func(c *Client) error {
		c.CurrentWc = wc
		return nil
	}
}

// WithTransactionReadConcern sets the read concern for the current
// transaction.
func WithTransactionReadConcern(rc bson.D) TransactionOption {
	return func(c *Client) error {
		c.CurrentRc = rc
		return nil
	}
}
