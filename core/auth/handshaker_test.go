// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/command"
)

// handshakeConn routes the commands an authenticator runs into a command
// runner, standing in for a freshly dialed connection.
type handshakeConn struct {
	runner command.Runner
	closed bool
}

func (c *handshakeConn) Run(ctx context.Context, cmd bson.D) (bson.D, error) {
	return c.runner.Run(ctx, c.Addr(), cmd)
}

func (c *handshakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *handshakeConn) Expired() bool         { return false }
func (c *handshakeConn) Addr() address.Address { return "localhost:27017" }
func (c *handshakeConn) ID() string            { return "localhost:27017[-1]" }

func TestHandshakerAuthenticatesConnection(t *testing.T) {
	server := scramServer(t, "user", "pencil")

	authenticator, err := NewScramSHA256Authenticator(&Cred{
		Source:   "admin",
		Username: "user",
		Password: "pencil",
	})
	require.NoError(t, err)

	conn := &handshakeConn{runner: scramServerRunner(t, server.NewConversation())}
	h := Handshaker(authenticator)
	require.NoError(t, h.Handshake(context.Background(), conn.Addr(), conn))
}

func TestHandshakerWrongPassword(t *testing.T) {
	server := scramServer(t, "user", "pencil")

	authenticator, err := NewScramSHA256Authenticator(&Cred{
		Source:   "admin",
		Username: "user",
		Password: "not pencil",
	})
	require.NoError(t, err)

	conn := &handshakeConn{runner: scramServerRunner(t, server.NewConversation())}
	h := Handshaker(authenticator)

	err = h.Handshake(context.Background(), conn.Addr(), conn)
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
}
