// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	rttAlphaValue = 0.2
	minRTTSamples = 10
	maxRTTSamples = 500
)

// rttMonitor keeps a window of round trip time samples for one server and
// derives the moving average, minimum, and 90th percentile from it. Samples
// come from the heartbeat loop.
type rttMonitor struct {
	mu            sync.RWMutex
	samples       []time.Duration
	offset        int
	minRTT        time.Duration
	rtt90         time.Duration
	averageRTT    time.Duration
	averageRTTSet bool
}

func newRTTMonitor(interval, window time.Duration) *rttMonitor {
	if interval <= 0 {
		panic("RTT monitor interval must be greater than 0")
	}
	// The sample buffer covers the window at one sample per heartbeat,
	// clamped to [10, 500].
	numSamples := int(math.Max(minRTTSamples, math.Min(maxRTTSamples, float64(window/interval))))

	return &rttMonitor{
		samples: make([]time.Duration, numSamples),
	}
}

// addSample records one round trip time. Non-positive samples are dropped;
// a clock jump must not poison the average.
func (r *rttMonitor) addSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.offset] = rtt
	r.offset = (r.offset + 1) % len(r.samples)
	// Require at least 10 samples before deriving the window statistics to
	// keep noisy startup samples from dominating them.
	r.minRTT = minDuration(r.samples, minRTTSamples)
	r.rtt90 = percentile(90.0, r.samples, minRTTSamples)

	if !r.averageRTTSet {
		r.averageRTT = rtt
		r.averageRTTSet = true
		return
	}

	r.averageRTT = time.Duration(rttAlphaValue*float64(rtt) + (1-rttAlphaValue)*float64(r.averageRTT))
}

// reset clears all samples and statistics. Called by the server monitor when
// a check fails; the next successful check starts a fresh average.
func (r *rttMonitor) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.samples {
		r.samples[i] = 0
	}
	r.offset = 0
	r.minRTT = 0
	r.rtt90 = 0
	r.averageRTT = 0
	r.averageRTTSet = false
}

// getRTT returns the exponentially weighted moving average round trip time.
// The second return value reports whether any sample has been recorded.
func (r *rttMonitor) getRTT() (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.averageRTT, r.averageRTTSet
}

// getMinRTT returns the minimum round trip time over the window.
func (r *rttMonitor) getMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.minRTT
}

// getRTT90 returns the 90th percentile round trip time over the window.
func (r *rttMonitor) getRTT90() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.rtt90
}

// minDuration returns the minimum value of the slice of duration samples.
// Zero values are not considered samples and are ignored. If fewer than
// minSamples are found in the slice, minDuration returns 0.
func minDuration(samples []time.Duration, minSamples int) time.Duration {
	count := 0
	min := time.Duration(math.MaxInt64)
	for _, d := range samples {
		if d > 0 {
			count++
		}
		if d > 0 && d < min {
			min = d
		}
	}
	if count < minSamples {
		return 0
	}
	return min
}

// percentile returns the specified percentile value of the slice of duration
// samples. Zero values are not considered samples and are ignored. If fewer
// than minSamples are found in the slice, percentile returns 0.
func percentile(perc float64, samples []time.Duration, minSamples int) time.Duration {
	floatSamples := make([]float64, 0, len(samples))
	for _, sample := range samples {
		if sample > 0 {
			floatSamples = append(floatSamples, float64(sample))
		}
	}
	if len(floatSamples) < minSamples {
		return 0
	}

	p, err := stats.Percentile(floatSamples, perc)
	if err != nil {
		panic(fmt.Errorf("error calculating %f percentile RTT: %v for samples:\n%v", perc, err, floatSamples))
	}
	return time.Duration(p)
}
