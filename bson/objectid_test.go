// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectIDHexRoundTrip(t *testing.T) {
	oid := NewObjectID()
	parsed, err := ObjectIDFromHex(oid.Hex())
	require.NoError(t, err)
	require.Equal(t, oid, parsed)
}

func TestObjectIDFromHexErrors(t *testing.T) {
	_, err := ObjectIDFromHex("short")
	require.Equal(t, ErrInvalidHex, err)

	_, err = ObjectIDFromHex("zzzzzzzzzzzzzzzzzzzzzzzz")
	require.Error(t, err)
}

func TestObjectIDTimestamp(t *testing.T) {
	at := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	oid := NewObjectIDFromTimestamp(at)
	require.Equal(t, at, oid.Timestamp())
}

func TestObjectIDUniqueness(t *testing.T) {
	seen := make(map[ObjectID]bool)
	for i := 0; i < 1000; i++ {
		oid := NewObjectID()
		require.False(t, seen[oid], "duplicate ObjectID %s", oid)
		seen[oid] = true
	}
}

func TestObjectIDCounterIncrements(t *testing.T) {
	at := time.Now()
	a := NewObjectIDFromTimestamp(at)
	b := NewObjectIDFromTimestamp(at)
	require.Equal(t, a[4:9], b[4:9], "process unique bytes should be stable")

	counter := func(id ObjectID) uint32 {
		return uint32(id[9])<<16 | uint32(id[10])<<8 | uint32(id[11])
	}
	require.Equal(t, (counter(a)+1)&0xFFFFFF, counter(b))
}

func TestResetForFork(t *testing.T) {
	before := NewObjectID()
	ResetForFork()
	after := NewObjectID()

	// A reseeded generator must not continue the previous process-unique
	// sequence.
	require.NotEqual(t, before[4:9], after[4:9])
}
