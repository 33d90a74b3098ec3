// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"math"
	"time"

	"github.com/ikmak/mongocore/core/description"
	"github.com/ikmak/mongocore/core/readpref"
	"github.com/ikmak/mongocore/core/tag"
)

// maxStalenessSupportedWireVersion is the minimum max wire version a server
// must report for maxStalenessSeconds to be usable against it.
const maxStalenessSupportedWireVersion = 5

// idleWritePeriod is the interval at which an idle primary writes a no-op to
// its oplog. It pads the staleness estimate.
const idleWritePeriod = 10 * time.Second

// ServerSelector is an interface implemented by types that can select a
// server given a topology description.
type ServerSelector interface {
	SelectServer(description.Topology, []description.Server) ([]description.Server, error)
}

// ServerSelectorFunc is a function that can be used as a ServerSelector.
type ServerSelectorFunc func(description.Topology, []description.Server) ([]description.Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf ServerSelectorFunc) SelectServer(t description.Topology, s []description.Server) ([]description.Server, error) {
	return ssf(t, s)
}

type compositeSelector struct {
	selectors []ServerSelector
}

// CompositeSelector combines multiple selectors into a single selector.
func CompositeSelector(selectors []ServerSelector) ServerSelector {
	return &compositeSelector{selectors: selectors}
}

func (cs *compositeSelector) SelectServer(t description.Topology, candidates []description.Server) ([]description.Server, error) {
	var err error
	for _, sel := range cs.selectors {
		candidates, err = sel.SelectServer(t, candidates)
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

type latencySelector struct {
	latency time.Duration
}

// LatencySelector creates a ServerSelector which selects servers based on
// their latency. Servers whose average RTT is within latency of the fastest
// candidate are kept.
func LatencySelector(latency time.Duration) ServerSelector {
	return &latencySelector{latency: latency}
}

func (ls *latencySelector) SelectServer(t description.Topology, candidates []description.Server) ([]description.Server, error) {
	if ls.latency < 0 {
		return candidates, nil
	}

	switch len(candidates) {
	case 0, 1:
		return candidates, nil
	default:
		min := time.Duration(math.MaxInt64)
		for _, candidate := range candidates {
			if candidate.AverageRTTSet {
				if candidate.AverageRTT < min {
					min = candidate.AverageRTT
				}
			}
		}

		if min == math.MaxInt64 {
			return candidates, nil
		}

		max := min + ls.latency

		var result []description.Server
		for _, candidate := range candidates {
			if candidate.AverageRTTSet {
				if candidate.AverageRTT <= max {
					result = append(result, candidate)
				}
			}
		}

		return result, nil
	}
}

type writeSelector struct{}

// WriteSelector selects all the writable servers.
func WriteSelector() ServerSelector {
	return writeSelector{}
}

func (writeSelector) SelectServer(t description.Topology, candidates []description.Server) ([]description.Server, error) {
	switch t.Kind {
	case description.Single:
		return candidates, nil
	default:
		result := []description.Server{}
		for _, candidate := range candidates {
			switch candidate.Kind {
			case description.Mongos, description.RSPrimary, description.Standalone:
				result = append(result, candidate)
			}
		}
		return result, nil
	}
}

// ReadPrefSelector selects servers based on the provided read preference.
func ReadPrefSelector(rp *readpref.ReadPref) ServerSelector {
	return ServerSelectorFunc(func(t description.Topology, candidates []description.Server) ([]description.Server, error) {
		if _, set := rp.MaxStaleness(); set {
			for _, s := range candidates {
				if s.Kind != description.Unknown {
					if s.WireVersion == nil || s.WireVersion.Max < maxStalenessSupportedWireVersion {
						return nil, ConfigurationError("max staleness is not supported by server at " + s.Addr.String())
					}
				}
			}
		}

		switch t.Kind {
		case description.Single:
			return candidates, nil
		case description.ReplicaSetNoPrimary, description.ReplicaSetWithPrimary:
			return selectForReplicaSet(rp, t, candidates)
		case description.Sharded:
			return selectByKind(candidates, description.Mongos), nil
		}

		return nil, nil
	})
}

func selectForReplicaSet(rp *readpref.ReadPref, t description.Topology, candidates []description.Server) ([]description.Server, error) {
	if err := verifyMaxStaleness(rp, t); err != nil {
		return nil, err
	}

	switch rp.Mode() {
	case readpref.PrimaryMode:
		return selectByKind(candidates, description.RSPrimary), nil
	case readpref.PrimaryPreferredMode:
		selected := selectByKind(candidates, description.RSPrimary)

		if len(selected) == 0 {
			selected = selectSecondaries(rp, t, candidates)
			return selectByTagSet(selected, rp.TagSets()), nil
		}

		return selected, nil
	case readpref.SecondaryPreferredMode:
		selected := selectSecondaries(rp, t, candidates)
		selected = selectByTagSet(selected, rp.TagSets())
		if len(selected) > 0 {
			return selected, nil
		}
		return selectByKind(candidates, description.RSPrimary), nil
	case readpref.SecondaryMode:
		selected := selectSecondaries(rp, t, candidates)
		return selectByTagSet(selected, rp.TagSets()), nil
	case readpref.NearestMode:
		selected := selectByKind(candidates, description.RSPrimary)
		selected = append(selected, selectSecondaries(rp, t, candidates)...)
		return selectByTagSet(selected, rp.TagSets()), nil
	}

	return nil, fmt.Errorf("unsupported mode: %d", rp.Mode())
}

func selectSecondaries(rp *readpref.ReadPref, t description.Topology, candidates []description.Server) []description.Server {
	secondaries := selectByKind(candidates, description.RSSecondary)
	if len(secondaries) == 0 {
		return secondaries
	}

	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return secondaries
	}

	selection := description.NewSelection(t, candidates)
	if primary, ok := selection.Primary(); ok {
		var selected []description.Server
		for _, secondary := range secondaries {
			estimatedStaleness := secondary.LastUpdateTime.Sub(secondary.LastWriteTime) -
				primary.LastUpdateTime.Sub(primary.LastWriteTime) + secondary.HeartbeatInterval
			if estimatedStaleness <= maxStaleness {
				selected = append(selected, secondary)
			}
		}
		return selected
	}

	// Without a primary the staleness baseline is the most up to date
	// secondary.
	base, _ := selection.SecondaryWithMaxLastWrite()
	var selected []description.Server
	for _, secondary := range secondaries {
		estimatedStaleness := base.LastWriteTime.Sub(secondary.LastWriteTime) + secondary.HeartbeatInterval
		if estimatedStaleness <= maxStaleness {
			selected = append(selected, secondary)
		}
	}

	return selected
}

// selectByTagSet walks the tag sets in order and returns the candidates
// matching the first set any candidate matches. The empty tag set matches
// every candidate, so a trailing {} acts as a catch-all.
func selectByTagSet(candidates []description.Server, tagSets []tag.Set) []description.Server {
	if len(tagSets) == 0 {
		return candidates
	}

	for _, ts := range tagSets {
		var results []description.Server
		for _, s := range candidates {
			if s.Tags.ContainsAll(ts) {
				results = append(results, s)
			}
		}

		if len(results) > 0 {
			return results
		}
	}

	return []description.Server{}
}

func selectByKind(candidates []description.Server, kind description.ServerKind) []description.Server {
	var result []description.Server
	for _, s := range candidates {
		if s.Kind == kind {
			result = append(result, s)
		}
	}

	return result
}

func verifyMaxStaleness(rp *readpref.ReadPref, t description.Topology) error {
	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return nil
	}

	if maxStaleness < 90*time.Second {
		return ConfigurationError(fmt.Sprintf("max staleness (%s) must be greater than or equal to 90s", maxStaleness))
	}

	if len(t.Servers) < 1 {
		return nil
	}

	// All candidates share the topology's heartbeat interval.
	s := t.Servers[0]
	if maxStaleness < s.HeartbeatInterval+idleWritePeriod {
		return ConfigurationError(fmt.Sprintf(
			"max staleness (%s) must be greater than or equal to the heartbeat interval (%s) plus idle write period (%s)",
			maxStaleness, s.HeartbeatInterval, idleWritePeriod,
		))
	}

	return nil
}
