// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// Selection is a transient view of the candidate servers considered during
// one server selection pass.
type Selection struct {
	Kind    TopologyKind
	Servers []Server
}

// NewSelection creates a selection over the given candidates of a topology.
func NewSelection(t Topology, candidates []Server) Selection {
	return Selection{Kind: t.Kind, Servers: candidates}
}

// With returns a copy of the selection narrowed to the given servers.
func (s Selection) With(servers []Server) Selection {
	return Selection{Kind: s.Kind, Servers: servers}
}

// Primary returns the primary among the candidates, if one exists.
func (s Selection) Primary() (Server, bool) {
	for _, server := range s.Servers {
		if server.Kind == RSPrimary {
			return server, true
		}
	}
	return Server{}, false
}

// SecondaryWithMaxLastWrite returns the secondary candidate with the
// greatest last write date. Used by the staleness estimate when no primary
// is known.
func (s Selection) SecondaryWithMaxLastWrite() (Server, bool) {
	var max Server
	var found bool
	for _, server := range s.Servers {
		if server.Kind != RSSecondary {
			continue
		}
		if !found || server.LastWriteTime.After(max.LastWriteTime) {
			max = server
			found = true
		}
	}
	return max, found
}
