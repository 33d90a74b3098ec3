// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable server and topology description
// values produced by monitoring.
package description

import (
	"fmt"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
)

// SupportedWireVersions is the range of wire protocol versions this driver
// core can talk to.
var SupportedWireVersions = NewVersionRange(2, 6)

// MinSupportedMongoDBVersion is the server release matching the bottom of
// SupportedWireVersions. Used in compatibility error messages.
const MinSupportedMongoDBVersion = "2.6"

// Topology represents a description of a deployment. It is immutable; the
// monitoring state machine replaces it wholesale on every transition.
type Topology struct {
	Servers []Server
	SetName string
	Kind    TopologyKind

	// MaxSetVersion and MaxElectionID record the greatest election tuple
	// accepted from a primary so far. Stale primaries lose against them.
	MaxSetVersion uint32
	MaxElectionID bson.ObjectID

	SessionTimeoutMinutes uint32
	SessionTimeoutMinsSet bool

	// CompatibilityErr is set when any known server's wire version range
	// does not overlap SupportedWireVersions.
	CompatibilityErr error
}

// Server returns the server for the given address. The second return value
// indicates whether a server for the address was found.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, server := range t.Servers {
		if server.Addr.String() == addr.String() {
			return server, true
		}
	}
	return Server{}, false
}

// HasReadableServer returns true if a server kind usable for reads exists in
// the topology. This is a coarse check; selection applies the full read
// preference rules.
func (t Topology) HasReadableServer() bool {
	for _, server := range t.Servers {
		if server.Kind.DataBearing() {
			return true
		}
	}
	return false
}

// String implements the fmt.Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}
