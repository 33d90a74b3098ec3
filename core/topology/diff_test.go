// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/description"
)

func topologyWithServers(addrs ...string) description.Topology {
	var t description.Topology
	for _, a := range addrs {
		t.Servers = append(t.Servers, description.NewDefaultServer(address.Address(a)))
	}
	return t
}

func diffAddrs(servers []description.Server) []string {
	var out []string
	for _, s := range servers {
		out = append(out, string(s.Addr))
	}
	return out
}

func TestDiffTopology(t *testing.T) {
	old := topologyWithServers("a:27017", "b:27017", "c:27017")
	new := topologyWithServers("b:27017", "c:27017", "d:27017", "e:27017")

	diff := diffTopology(old, new)

	require.ElementsMatch(t, []string{"d:27017", "e:27017"}, diffAddrs(diff.Added))
	require.ElementsMatch(t, []string{"a:27017"}, diffAddrs(diff.Removed))
}

func TestDiffTopologyEmpty(t *testing.T) {
	diff := diffTopology(description.Topology{}, description.Topology{})
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)

	diff = diffTopology(description.Topology{}, topologyWithServers("a:27017"))
	require.ElementsMatch(t, []string{"a:27017"}, diffAddrs(diff.Added))
	require.Empty(t, diff.Removed)

	diff = diffTopology(topologyWithServers("a:27017"), description.Topology{})
	require.Empty(t, diff.Added)
	require.ElementsMatch(t, []string{"a:27017"}, diffAddrs(diff.Removed))
}

func TestDiffTopologyIdentical(t *testing.T) {
	old := topologyWithServers("a:27017", "b:27017")
	new := topologyWithServers("b:27017", "a:27017")

	diff := diffTopology(old, new)
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)
}
