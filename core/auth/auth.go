// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth provides the SCRAM authenticator used by connection pools
// when credentials are configured.
package auth

import (
	"context"
	"fmt"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
)

const defaultAuthDB = "admin"

// Cred is a user's credential.
type Cred struct {
	Source   string
	Username string
	Password string
}

// Authenticator handles authenticating a connection.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, addr address.Address, runner command.Runner) error
}

// Error is an error that occurred during authentication.
type Error struct {
	message string
	inner   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Inner returns the wrapped error.
func (e *Error) Inner() error {
	return e.inner
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.inner
}

func newAuthError(msg string, inner error) error {
	return &Error{message: msg, inner: inner}
}

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

// ConductSaslConversation runs a full sasl conversation against the given
// server in the context of the db.
func ConductSaslConversation(ctx context.Context, addr address.Address, runner command.Runner, db string, client SaslClient) error {
	if db == "" {
		db = defaultAuthDB
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError(fmt.Sprintf("failed to start %s conversation", mechanism), err)
	}

	saslStart := bson.D{
		{"saslStart", int32(1)},
		{"mechanism", mechanism},
		{"payload", bson.Binary{Data: payload}},
		{"$db", db},
	}
	reply, err := runner.Run(ctx, addr, saslStart)
	if err != nil {
		return newAuthError("sasl start command error", err)
	}

	for {
		if err = command.ExtractError(reply); err != nil {
			return newAuthError("sasl command failure", err)
		}

		cid, hasCID := lookupInt32(reply, "conversationId")
		if !hasCID {
			return newAuthError("sasl reply missing conversationId", nil)
		}
		done, _ := reply.Lookup("done")
		challenge := lookupBinary(reply, "payload")

		if done == true && client.Completed() {
			return nil
		}

		payload, err = client.Next(challenge)
		if err != nil {
			return newAuthError("unable to advance sasl conversation", err)
		}

		if done == true && client.Completed() {
			return nil
		}

		saslContinue := bson.D{
			{"saslContinue", int32(1)},
			{"conversationId", cid},
			{"payload", bson.Binary{Data: payload}},
			{"$db", db},
		}
		reply, err = runner.Run(ctx, addr, saslContinue)
		if err != nil {
			return newAuthError("sasl continue command error", err)
		}
	}
}

func lookupInt32(doc bson.D, key string) (int32, bool) {
	v, found := doc.Lookup(key)
	if !found {
		return 0, false
	}
	n, isInt := v.(int32)
	return n, isInt
}

func lookupBinary(doc bson.D, key string) []byte {
	v, found := doc.Lookup(key)
	if !found {
		return nil
	}
	if bin, isBin := v.(bson.Binary); isBin {
		return bin.Data
	}
	return nil
}
