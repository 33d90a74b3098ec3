// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/description"
)

func TestSessionIDFormat(t *testing.T) {
	ss := newServerSession()

	v, found := ss.SessionID.Lookup("id")
	require.True(t, found)
	bin, ok := v.(bson.Binary)
	require.True(t, ok)
	require.Equal(t, UUIDSubtype, bin.Subtype)
	require.Len(t, bin.Data, 16)

	other := newServerSession()
	require.False(t, cmp.Equal(ss.SessionID, other.SessionID))
}

func TestSessionPoolLifo(t *testing.T) {
	p := NewPool(nil)
	p.timeout, p.timeoutSet = 30, true

	first, err := p.GetSession()
	require.NoError(t, err)
	second, err := p.GetSession()
	require.NoError(t, err)

	p.ReturnSession(first)
	p.ReturnSession(second)

	sess, err := p.GetSession()
	require.NoError(t, err)
	nextSess, err := p.GetSession()
	require.NoError(t, err)

	require.True(t, cmp.Equal(second.SessionID, sess.SessionID), "expected last returned session first")
	require.True(t, cmp.Equal(first.SessionID, nextSess.SessionID))
}

func TestSessionPoolExpiredRemoved(t *testing.T) {
	p := NewPool(nil)
	// Sessions always become stale as soon as they are returned.
	p.timeout, p.timeoutSet = 0, true

	first, err := p.GetSession()
	require.NoError(t, err)
	second, err := p.GetSession()
	require.NoError(t, err)

	p.ReturnSession(first)
	p.ReturnSession(second)

	sess, err := p.GetSession()
	require.NoError(t, err)
	require.False(t, cmp.Equal(first.SessionID, sess.SessionID), "expired session was reused")
	require.False(t, cmp.Equal(second.SessionID, sess.SessionID), "expired session was reused")
}

func TestSessionPoolDirtyDiscarded(t *testing.T) {
	p := NewPool(nil)
	p.timeout, p.timeoutSet = 30, true

	sess, err := p.GetSession()
	require.NoError(t, err)
	sess.MarkDirty()
	p.ReturnSession(sess)

	next, err := p.GetSession()
	require.NoError(t, err)
	require.False(t, cmp.Equal(sess.SessionID, next.SessionID), "dirty session was reused")
}

func TestSessionPoolIdleEviction(t *testing.T) {
	p := NewPool(nil)
	p.timeout, p.timeoutSet = 30, true

	sess, err := p.GetSession()
	require.NoError(t, err)
	p.ReturnSession(sess)

	// The session was last used more than timeout-1 minutes ago.
	sess.LastUsed = time.Now().Add(-30 * time.Minute)

	next, err := p.GetSession()
	require.NoError(t, err)
	require.False(t, cmp.Equal(sess.SessionID, next.SessionID), "stale session was reused")
}

func TestSessionPoolTimeoutFromTopology(t *testing.T) {
	descChan := make(chan description.Topology, 1)
	p := NewPool(descChan)

	descChan <- description.Topology{SessionTimeoutMinutes: 30, SessionTimeoutMinsSet: true}

	sess, err := p.GetSession()
	require.NoError(t, err)
	require.Equal(t, uint32(30), p.timeout)
	require.True(t, p.timeoutSet)
	p.ReturnSession(sess)
}

func TestSessionPoolIDSlice(t *testing.T) {
	p := NewPool(nil)
	p.timeout, p.timeoutSet = 30, true

	first, err := p.GetSession()
	require.NoError(t, err)
	second, err := p.GetSession()
	require.NoError(t, err)
	p.ReturnSession(first)
	p.ReturnSession(second)

	ids := p.IDSlice()
	require.Len(t, ids, 2)
	require.True(t, cmp.Equal(second.SessionID, ids[0].(bson.D)))
	require.True(t, cmp.Equal(first.SessionID, ids[1].(bson.D)))
}
