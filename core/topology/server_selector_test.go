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

	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/description"
	"github.com/ikmak/mongocore/core/readpref"
	"github.com/ikmak/mongocore/core/tag"
)

var selectionTime = time.Date(2017, 11, 1, 0, 0, 0, 0, time.UTC)

func rsTopology(servers ...description.Server) description.Topology {
	kind := description.TopologyKind(description.ReplicaSetNoPrimary)
	for _, s := range servers {
		if s.Kind == description.RSPrimary {
			kind = description.ReplicaSetWithPrimary
		}
	}
	return description.Topology{Kind: kind, Servers: servers}
}

func member(addr string, kind description.ServerKind, tags ...string) description.Server {
	s := description.Server{
		Addr:              address.Address(addr),
		Kind:              kind,
		WireVersion:       &description.VersionRange{Min: 2, Max: 6},
		HeartbeatInterval: 10 * time.Second,
		LastUpdateTime:    selectionTime,
		LastWriteTime:     selectionTime,
	}
	for i := 1; i < len(tags); i += 2 {
		s.Tags = append(s.Tags, tag.Tag{Name: tags[i-1], Value: tags[i]})
	}
	return s
}

func selectAddrs(servers []description.Server) []string {
	var out []string
	for _, s := range servers {
		out = append(out, string(s.Addr))
	}
	return out
}

func TestWriteSelector(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
		member("c:27017", description.RSArbiter),
	)

	result, err := WriteSelector().SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))
}

func TestWriteSelectorSingle(t *testing.T) {
	topo := description.Topology{
		Kind:    description.Single,
		Servers: []description.Server{member("a:27017", description.RSSecondary)},
	}

	result, err := WriteSelector().SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 1)
}

func TestReadPrefSelectorPrimary(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
	)

	result, err := ReadPrefSelector(readpref.Primary()).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))
}

func TestReadPrefSelectorSecondary(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
		member("c:27017", description.RSSecondary),
	)

	result, err := ReadPrefSelector(readpref.Secondary()).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b:27017", "c:27017"}, selectAddrs(result))
}

func TestReadPrefSelectorPrimaryPreferred(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
	)

	rp := readpref.PrimaryPreferred()
	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))

	noPrimary := rsTopology(
		member("b:27017", description.RSSecondary),
	)
	result, err = ReadPrefSelector(rp).SelectServer(noPrimary, noPrimary.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"b:27017"}, selectAddrs(result))
}

func TestReadPrefSelectorSecondaryPreferredFallsBack(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
	)

	result, err := ReadPrefSelector(readpref.SecondaryPreferred()).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))
}

func TestReadPrefSelectorNearest(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
		member("c:27017", description.RSArbiter),
	)

	result, err := ReadPrefSelector(readpref.Nearest()).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a:27017", "b:27017"}, selectAddrs(result))
}

func TestReadPrefSelectorSharded(t *testing.T) {
	topo := description.Topology{
		Kind: description.Sharded,
		Servers: []description.Server{
			member("a:27017", description.Mongos),
			member("b:27017", description.Unknown),
		},
	}

	result, err := ReadPrefSelector(readpref.Secondary()).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))
}

func TestSelectByTagSetPriority(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary, "dc", "east"),
		member("c:27017", description.RSSecondary, "dc", "west"),
	)

	// The first tag set matching any server wins; later sets are ignored.
	rp := readpref.Secondary(readpref.WithTagSets(
		tag.Set{{Name: "dc", Value: "north"}},
		tag.Set{{Name: "dc", Value: "west"}},
		tag.Set{{Name: "dc", Value: "east"}},
	))

	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"c:27017"}, selectAddrs(result))
}

func TestSelectByTagSetEmptyCatchAll(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
	)

	// No server carries dc=ny, so the trailing empty set must match the
	// untagged secondary instead of filtering everything out.
	rp := readpref.Secondary(readpref.WithTagSets(
		tag.Set{{Name: "dc", Value: "ny"}},
		tag.Set{},
	))

	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"b:27017"}, selectAddrs(result))
}

func TestSelectByTagSetNoMatch(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary, "dc", "east"),
	)

	rp := readpref.Secondary(readpref.WithTags("dc", "north"))

	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestMaxStalenessWithPrimary(t *testing.T) {
	primary := member("a:27017", description.RSPrimary)
	fresh := member("b:27017", description.RSSecondary)
	stale := member("c:27017", description.RSSecondary)
	stale.LastWriteTime = selectionTime.Add(-5 * time.Minute)

	topo := rsTopology(primary, fresh, stale)

	rp := readpref.Secondary(readpref.WithMaxStaleness(90 * time.Second))

	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"b:27017"}, selectAddrs(result))
}

func TestMaxStalenessWithoutPrimary(t *testing.T) {
	fresh := member("b:27017", description.RSSecondary)
	stale := member("c:27017", description.RSSecondary)
	stale.LastWriteTime = selectionTime.Add(-5 * time.Minute)

	topo := rsTopology(fresh, stale)

	rp := readpref.Secondary(readpref.WithMaxStaleness(90 * time.Second))

	result, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"b:27017"}, selectAddrs(result))
}

func TestMaxStalenessTooSmall(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		member("b:27017", description.RSSecondary),
	)

	rp := readpref.Secondary(readpref.WithMaxStaleness(time.Second))

	_, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.Error(t, err)
	var cfgErr ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, err.Error(), "90s")
}

func TestMaxStalenessBelowHeartbeatPlusIdle(t *testing.T) {
	a := member("a:27017", description.RSPrimary)
	a.HeartbeatInterval = 2 * time.Minute
	b := member("b:27017", description.RSSecondary)
	b.HeartbeatInterval = 2 * time.Minute

	topo := rsTopology(a, b)

	rp := readpref.Secondary(readpref.WithMaxStaleness(100 * time.Second))

	_, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.Error(t, err)
	require.Contains(t, err.Error(), "heartbeat interval")
}

func TestMaxStalenessUnsupportedWireVersion(t *testing.T) {
	old := member("b:27017", description.RSSecondary)
	old.WireVersion = &description.VersionRange{Min: 2, Max: 4}

	topo := rsTopology(
		member("a:27017", description.RSPrimary),
		old,
	)

	rp := readpref.Secondary(readpref.WithMaxStaleness(2 * time.Minute))

	_, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	require.Error(t, err)
	var cfgErr ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLatencySelector(t *testing.T) {
	near := member("a:27017", description.RSSecondary)
	near.AverageRTT = 10 * time.Millisecond
	near.AverageRTTSet = true
	mid := member("b:27017", description.RSSecondary)
	mid.AverageRTT = 20 * time.Millisecond
	mid.AverageRTTSet = true
	far := member("c:27017", description.RSSecondary)
	far.AverageRTT = 100 * time.Millisecond
	far.AverageRTTSet = true

	topo := rsTopology(near, mid, far)

	result, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a:27017", "b:27017"}, selectAddrs(result))
}

func TestLatencySelectorNoRTT(t *testing.T) {
	topo := rsTopology(
		member("a:27017", description.RSSecondary),
		member("b:27017", description.RSSecondary),
	)

	result, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 2)
}

func TestCompositeSelector(t *testing.T) {
	near := member("a:27017", description.RSPrimary)
	near.AverageRTT = 10 * time.Millisecond
	near.AverageRTTSet = true
	far := member("b:27017", description.RSSecondary)
	far.AverageRTT = 200 * time.Millisecond
	far.AverageRTTSet = true

	topo := rsTopology(near, far)

	sel := CompositeSelector([]ServerSelector{
		ReadPrefSelector(readpref.Nearest()),
		LatencySelector(15 * time.Millisecond),
	})
	result, err := sel.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Equal(t, []string{"a:27017"}, selectAddrs(result))
}
