// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sort"
	"strings"

	"github.com/ikmak/mongocore/core/description"
)

// topologyDiff is the difference between two topology descriptions.
type topologyDiff struct {
	Added   []description.Server
	Removed []description.Server
}

// diffTopology compares the two topology descriptions and returns the
// servers that were added and removed. Servers are matched by address.
func diffTopology(old, new description.Topology) topologyDiff {
	var diff topologyDiff

	oldServers := make([]description.Server, len(old.Servers))
	copy(oldServers, old.Servers)
	newServers := make([]description.Server, len(new.Servers))
	copy(newServers, new.Servers)

	sort.Slice(oldServers, func(i, j int) bool {
		return oldServers[i].Addr.String() < oldServers[j].Addr.String()
	})
	sort.Slice(newServers, func(i, j int) bool {
		return newServers[i].Addr.String() < newServers[j].Addr.String()
	})

	i := 0
	j := 0
	for i < len(oldServers) || j < len(newServers) {
		switch {
		case i >= len(oldServers):
			diff.Added = append(diff.Added, newServers[j])
			j++
		case j >= len(newServers):
			diff.Removed = append(diff.Removed, oldServers[i])
			i++
		default:
			switch strings.Compare(oldServers[i].Addr.String(), newServers[j].Addr.String()) {
			case -1:
				diff.Removed = append(diff.Removed, oldServers[i])
				i++
			case 1:
				diff.Added = append(diff.Added, newServers[j])
				j++
			default:
				i++
				j++
			}
		}
	}

	return diff
}
