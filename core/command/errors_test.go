// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocore/bson"
)

func TestErrorRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  Error
		want bool
	}{
		{"interrupted at shutdown", Error{Code: 11600}, true},
		{"not master", Error{Code: 10107}, true},
		{"shutdown in progress", Error{Code: 91}, true},
		{"host unreachable", Error{Code: 6}, true},
		{"network label", Error{Labels: []string{NetworkErrorLabel}}, true},
		{"not master message", Error{Message: "not master and slaveOk=false"}, true},
		{"node recovering message", Error{Message: "node is recovering"}, true},
		{"ordinary failure", Error{Code: 26, Message: "ns not found"}, false},
		{"write concern failed", Error{Code: 64}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.err.Retryable())
		})
	}
}

func TestErrorRetryableCommit(t *testing.T) {
	require.True(t, Error{Code: 64}.RetryableCommit())
	require.True(t, Error{Code: 50}.RetryableCommit())
	require.True(t, Error{Code: 11600}.RetryableCommit())
	require.False(t, Error{Code: 26}.RetryableCommit())
}

func TestErrorLabels(t *testing.T) {
	err := Error{Message: "boom"}
	require.False(t, err.HasErrorLabel(TransientTransactionError))

	labeled := err.WithLabel(TransientTransactionError)
	require.True(t, labeled.HasErrorLabel(TransientTransactionError))
	require.False(t, err.HasErrorLabel(TransientTransactionError), "WithLabel must not mutate the receiver")

	again := labeled.WithLabel(TransientTransactionError)
	require.Len(t, again.Labels, 1)

	cleared := labeled.WithoutLabel(TransientTransactionError)
	require.False(t, cleared.HasErrorLabel(TransientTransactionError))
}

func TestExtractError(t *testing.T) {
	err := ExtractError(bson.D{{"ok", 1.0}})
	require.NoError(t, err)

	err = ExtractError(bson.D{
		{"ok", 0.0},
		{"errmsg", "not master"},
		{"code", int32(10107)},
		{"codeName", "NotMaster"},
		{"errorLabels", bson.A{"RetryableWriteError"}},
	})
	require.Error(t, err)
	cmdErr, isCmdErr := err.(Error)
	require.True(t, isCmdErr)
	require.Equal(t, int32(10107), cmdErr.Code)
	require.Equal(t, "NotMaster", cmdErr.Name)
	require.True(t, cmdErr.HasErrorLabel("RetryableWriteError"))
	require.True(t, cmdErr.Retryable())
}

func TestExtractWriteConcernError(t *testing.T) {
	err := ExtractError(bson.D{
		{"ok", 1.0},
		{"writeConcernError", bson.D{{"code", int32(64)}, {"errmsg", "waiting for replication timed out"}}},
	})
	require.Error(t, err)
	cmdErr, isCmdErr := err.(Error)
	require.True(t, isCmdErr)
	require.Equal(t, int32(64), cmdErr.Code)
	require.True(t, cmdErr.RetryableCommit())
}

func TestIsNetworkError(t *testing.T) {
	ne := &NetworkError{Addr: "localhost:27017", Wrapped: errors.New("connection reset")}
	require.True(t, IsNetworkError(ne))
	require.True(t, IsNetworkError(Error{Labels: []string{NetworkErrorLabel}}))
	require.False(t, IsNetworkError(errors.New("boom")))
}

func TestIsStateChangeError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"not master code", Error{Code: 10107}, true},
		{"not master no longer primary", Error{Code: 13435}, true},
		{"interrupted at shutdown", Error{Code: 11600}, true},
		{"interrupted due to repl state change", Error{Code: 11602}, true},
		{"not master or secondary", Error{Code: 13436}, true},
		{"primary stepped down", Error{Code: 189}, true},
		{"shutdown in progress", Error{Code: 91}, true},
		{"not master message only", Error{Message: "not master"}, true},
		{"recovering message only", Error{Message: "node is recovering"}, true},
		{"pointer form", &Error{Code: 10107}, true},
		{"duplicate key", Error{Code: 11000, Message: "duplicate key"}, false},
		{"message ignored when code set", Error{Code: 11000, Message: "not master"}, false},
		{"not a command error", errors.New("not master"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsStateChangeError(tc.err))
		})
	}
}

func TestErrorNotMasterAndRecovering(t *testing.T) {
	// "node is recovering" contains "not master" semantics on legacy servers
	// only through its own codes; the message fallbacks must not overlap.
	err := Error{Message: "node is recovering"}
	require.True(t, err.NodeIsRecovering())
	require.False(t, err.NotMaster())

	err = Error{Message: "not master"}
	require.False(t, err.NodeIsRecovering())
	require.True(t, err.NotMaster())
}
