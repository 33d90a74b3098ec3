// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/connection"
)

// Handshaker returns a connection handshaker that runs the authenticator's
// conversation on every new connection.
func Handshaker(authenticator Authenticator) connection.Handshaker {
	return connection.HandshakerFunc(func(ctx context.Context, addr address.Address, conn connection.Connection) error {
		return authenticator.Auth(ctx, addr, connectionRunner{conn: conn})
	})
}

// connectionRunner runs commands on a single connection, ignoring the
// address; the conversation stays on the connection being authenticated.
type connectionRunner struct {
	conn connection.Connection
}

func (r connectionRunner) Run(ctx context.Context, _ address.Address, cmd bson.D) (bson.D, error) {
	return r.conn.Run(ctx, cmd)
}
