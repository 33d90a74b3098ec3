// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTMonitorWindowSize(t *testing.T) {
	r := newRTTMonitor(10*time.Second, 5*time.Minute)
	require.Len(t, r.samples, 30)

	// Clamped at the bottom.
	r = newRTTMonitor(time.Minute, time.Minute)
	require.Len(t, r.samples, minRTTSamples)

	// Clamped at the top.
	r = newRTTMonitor(time.Millisecond, time.Hour)
	require.Len(t, r.samples, maxRTTSamples)
}

func TestRTTMonitorPanicsOnBadInterval(t *testing.T) {
	require.Panics(t, func() { newRTTMonitor(0, time.Minute) })
}

func TestRTTMonitorAverage(t *testing.T) {
	r := newRTTMonitor(10*time.Second, 5*time.Minute)

	_, set := r.getRTT()
	require.False(t, set)

	r.addSample(100 * time.Millisecond)
	avg, set := r.getRTT()
	require.True(t, set)
	require.Equal(t, 100*time.Millisecond, avg)

	// alpha = 0.2: 0.2*200ms + 0.8*100ms = 120ms
	r.addSample(200 * time.Millisecond)
	avg, _ = r.getRTT()
	require.Equal(t, 120*time.Millisecond, avg)
}

func TestRTTMonitorDropsNonPositiveSamples(t *testing.T) {
	r := newRTTMonitor(10*time.Second, 5*time.Minute)

	r.addSample(-5 * time.Millisecond)
	r.addSample(0)

	_, set := r.getRTT()
	require.False(t, set)
}

func TestRTTMonitorMinAndPercentileNeedTenSamples(t *testing.T) {
	r := newRTTMonitor(10*time.Second, 5*time.Minute)

	for i := 0; i < minRTTSamples-1; i++ {
		r.addSample(time.Duration(i+1) * time.Millisecond)
	}
	require.Equal(t, time.Duration(0), r.getMinRTT())
	require.Equal(t, time.Duration(0), r.getRTT90())

	r.addSample(time.Duration(minRTTSamples) * time.Millisecond)
	require.Equal(t, time.Millisecond, r.getMinRTT())
	require.NotEqual(t, time.Duration(0), r.getRTT90())
}

func TestRTTMonitorReset(t *testing.T) {
	r := newRTTMonitor(10*time.Second, 5*time.Minute)
	for i := 0; i < 20; i++ {
		r.addSample(10 * time.Millisecond)
	}

	r.reset()

	_, set := r.getRTT()
	require.False(t, set)
	require.Equal(t, time.Duration(0), r.getMinRTT())
	require.Equal(t, time.Duration(0), r.getRTT90())
}

func TestRTTMonitorWindowEviction(t *testing.T) {
	r := newRTTMonitor(time.Minute, 10*time.Minute) // 10 sample window

	for i := 0; i < 10; i++ {
		r.addSample(100 * time.Millisecond)
	}
	require.Equal(t, 100*time.Millisecond, r.getMinRTT())

	// A full window of faster samples replaces the old minimum.
	for i := 0; i < 10; i++ {
		r.addSample(50 * time.Millisecond)
	}
	require.Equal(t, 50*time.Millisecond, r.getMinRTT())
}
