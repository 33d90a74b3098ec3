// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecimal128StringRoundTrip(t *testing.T) {
	testCases := []string{
		"0",
		"-0",
		"1",
		"-1",
		"12345678901234567",
		"0.001234",
		"1.000000000000000000000000000000000E+6144",
		"1E-6176",
		"9.999999999999999999999999999999999E+6144",
		"5192296858534827628530496329220095",
		"NaN",
		"Infinity",
		"-Infinity",
	}
	for _, s := range testCases {
		t.Run(s, func(t *testing.T) {
			d, err := ParseDecimal128(s)
			require.NoError(t, err)

			again, err := ParseDecimal128(d.String())
			require.NoError(t, err)
			require.True(t, d.Equal(again), "%s -> %s", s, d.String())
		})
	}
}

func TestParseDecimal128Errors(t *testing.T) {
	for _, s := range []string{"", "abc", "1..5", "1E", "--1", "1E+99999999"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseDecimal128(s)
			require.Error(t, err)
		})
	}
}

func TestDecimal128Classification(t *testing.T) {
	nan, err := ParseDecimal128("NaN")
	require.NoError(t, err)
	require.True(t, nan.IsNaN())

	inf, err := ParseDecimal128("Infinity")
	require.NoError(t, err)
	require.Equal(t, 1, inf.IsInf())

	ninf, err := ParseDecimal128("-Infinity")
	require.NoError(t, err)
	require.Equal(t, -1, ninf.IsInf())

	one, err := ParseDecimal128("1")
	require.NoError(t, err)
	require.False(t, one.IsNaN())
	require.Equal(t, 0, one.IsInf())
}
