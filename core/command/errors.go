// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ikmak/mongocore/bson"
)

// ErrNoCommandResponse occurs when the server sent no response document to a command.
var ErrNoCommandResponse = errors.New("no command response document")

// UnknownTransactionCommitResult is an error label for unknown transaction commit results.
const UnknownTransactionCommitResult = "UnknownTransactionCommitResult"

// TransientTransactionError is an error label for transient errors with transactions.
const TransientTransactionError = "TransientTransactionError"

// NetworkErrorLabel is an error label for network errors.
const NetworkErrorLabel = "NetworkError"

var retryableCodes = []int32{11600, 11602, 10107, 13435, 13436, 189, 91, 7, 6, 89, 9001}

// Server error codes that signal a replica set state change: the member is
// no longer primary, or is shutting down or recovering.
var (
	notMasterCodes  = []int32{10107, 13435}
	recoveringCodes = []int32{11600, 11602, 13436, 189, 91}
)

// Write concern failures that leave a commit outcome unknown.
const (
	codeWriteConcernFailed = 64
	codeMaxTimeMSExpired   = 50
)

// Error is a command execution error from the database. Error labels are
// carried as values on the error itself rather than encoded in the type.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// WithLabel returns a copy of the error with the label added. Adding a label
// twice is a no-op.
func (e Error) WithLabel(label string) Error {
	if e.HasErrorLabel(label) {
		return e
	}
	labels := make([]string, 0, len(e.Labels)+1)
	labels = append(labels, e.Labels...)
	labels = append(labels, label)
	e.Labels = labels
	return e
}

// WithoutLabel returns a copy of the error with the label removed.
func (e Error) WithoutLabel(label string) Error {
	var labels []string
	for _, l := range e.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	e.Labels = labels
	return e
}

// Retryable returns true if the error is retryable.
func (e Error) Retryable() bool {
	if e.HasErrorLabel(NetworkErrorLabel) {
		return true
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}
	if strings.Contains(e.Message, "not master") || strings.Contains(e.Message, "node is recovering") {
		return true
	}

	return false
}

// RetryableCommit returns true if a commitTransaction that failed with this
// error may be retried. Write concern timeouts and maxTimeMS expiry leave
// the commit outcome unknown, so they count in addition to the plain
// retryable errors.
func (e Error) RetryableCommit() bool {
	return e.Retryable() || e.Code == codeWriteConcernFailed || e.Code == codeMaxTimeMSExpired
}

// NodeIsRecovering returns true if the error signals the server is shutting
// down or otherwise unable to serve until it finishes recovering.
func (e Error) NodeIsRecovering() bool {
	for _, code := range recoveringCodes {
		if e.Code == code {
			return true
		}
	}
	return e.Code == 0 && strings.Contains(e.Message, "node is recovering")
}

// NotMaster returns true if the error signals the server is no longer the
// replica set primary.
func (e Error) NotMaster() bool {
	for _, code := range notMasterCodes {
		if e.Code == code {
			return true
		}
	}
	return e.Code == 0 && !e.NodeIsRecovering() && strings.Contains(e.Message, "not master")
}

// NetworkError is a transport failure while running a command. The command
// may or may not have executed on the server.
type NetworkError struct {
	Addr    string
	Wrapped error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("connection error to %s: %s", e.Addr, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Wrapped
}

// commandError extracts the Error in err's chain, whether it travels by
// value or behind a pointer.
func commandError(err error) (Error, bool) {
	var ce Error
	if errors.As(err, &ce) {
		return ce, true
	}
	var cep *Error
	if errors.As(err, &cep) && cep != nil {
		return *cep, true
	}
	return Error{}, false
}

// HasLabel returns true if err is a command error carrying the label.
func HasLabel(err error, label string) bool {
	if ce, ok := commandError(err); ok {
		return ce.HasErrorLabel(label)
	}
	return false
}

// IsNetworkError returns true if err is a transport failure or carries the
// network error label.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if ce, ok := commandError(err); ok {
		return ce.HasErrorLabel(NetworkErrorLabel)
	}
	return false
}

// IsStateChangeError returns true for not-master and node-is-recovering
// command errors. Servers reporting either must be re-checked; the error
// means the topology moved underneath the operation.
func IsStateChangeError(err error) bool {
	ce, ok := commandError(err)
	return ok && (ce.NotMaster() || ce.NodeIsRecovering())
}

// ExtractError returns an Error when the reply document indicates a command
// failure, and nil when the reply is ok.
func ExtractError(reply bson.D) error {
	var errmsg, codeName string
	var code int32
	var labels []string
	ok := false

	for _, elem := range reply {
		switch elem.Key {
		case "ok":
			switch v := elem.Value.(type) {
			case int32:
				ok = v == 1
			case int64:
				ok = v == 1
			case float64:
				ok = v == 1
			}
		case "errmsg":
			if str, isStr := elem.Value.(string); isStr {
				errmsg = str
			}
		case "codeName":
			if str, isStr := elem.Value.(string); isStr {
				codeName = str
			}
		case "code":
			switch v := elem.Value.(type) {
			case int32:
				code = v
			case int64:
				code = int32(v)
			}
		case "errorLabels":
			if arr, isArr := elem.Value.(bson.A); isArr {
				for _, item := range arr {
					if str, isStr := item.(string); isStr {
						labels = append(labels, str)
					}
				}
			}
		}
	}

	if ok {
		return extractWriteConcernError(reply)
	}

	if errmsg == "" {
		errmsg = "command failed"
	}

	return Error{
		Code:    code,
		Message: errmsg,
		Name:    codeName,
		Labels:  labels,
	}
}

// extractWriteConcernError surfaces a writeConcernError from an otherwise ok
// reply. The commit retry path needs the code.
func extractWriteConcernError(reply bson.D) error {
	v, found := reply.Lookup("writeConcernError")
	if !found {
		return nil
	}
	doc, isDoc := v.(bson.D)
	if !isDoc {
		return nil
	}

	var wce Error
	for _, elem := range doc {
		switch elem.Key {
		case "code":
			switch n := elem.Value.(type) {
			case int32:
				wce.Code = n
			case int64:
				wce.Code = int32(n)
			}
		case "errmsg":
			if str, isStr := elem.Value.(string); isStr {
				wce.Message = str
			}
		}
	}
	return wce
}
