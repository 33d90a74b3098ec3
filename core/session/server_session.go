// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ikmak/mongocore/bson"
)

// UUIDSubtype is the BSON binary subtype that a session ID is encoded as.
const UUIDSubtype byte = 4

// Server is an open session with the server. Server sessions are pooled and
// reused across client sessions.
type Server struct {
	SessionID bson.D
	TxnNumber int64
	LastUsed  time.Time
	Dirty     bool

	next *Server
	prev *Server
}

func newServerSession() *Server {
	return &Server{
		SessionID: genSessionID(),
		LastUsed:  time.Now(),
	}
}

func genSessionID() bson.D {
	id := uuid.New()
	return bson.D{{"id", bson.Binary{Subtype: UUIDSubtype, Data: id[:]}}}
}

// expired reports whether the session has less than one minute left before
// it becomes stale on the server.
func (ss *Server) expired(timeoutMinutes uint32) bool {
	if timeoutMinutes == 0 {
		return true
	}
	timeUnused := time.Since(ss.LastUsed).Minutes()
	return timeUnused > float64(timeoutMinutes-1)
}

// updateUseTime marks the session as used right now. Must be called whenever
// the session is attached to a command sent to the server.
func (ss *Server) updateUseTime() {
	ss.LastUsed = time.Now()
}

// NextTxnNumber advances and returns the session's transaction number.
func (ss *Server) NextTxnNumber() int64 {
	ss.TxnNumber++
	return ss.TxnNumber
}

// MarkDirty flags the session so the pool discards it instead of reusing it.
// Called after a network error while the session was in use; the state the
// server holds for it is unknown.
func (ss *Server) MarkDirty() {
	ss.Dirty = true
}
