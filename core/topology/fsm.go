// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/description"
)

// fsm is the state machine that derives a new topology description from the
// previous description and one server check result.
type fsm struct {
	description.Topology
}

func newFSM() *fsm {
	return new(fsm)
}

// apply takes a new server description and modifies the topology description
// accordingly. The topology description's Servers slice is copied, never
// mutated in place.
func (f *fsm) apply(s description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	f.Topology = description.Topology{
		Kind:          f.Kind,
		Servers:       newServers,
		SetName:       f.SetName,
		MaxSetVersion: f.MaxSetVersion,
		MaxElectionID: f.MaxElectionID,
	}

	if _, ok := f.findServer(s.Addr); !ok {
		f.deriveProperties()
		return
	}

	switch f.Kind {
	case description.Unknown:
		f.applyToUnknown(s)
	case description.Sharded:
		f.applyToSharded(s)
	case description.ReplicaSetNoPrimary:
		f.applyToReplicaSetNoPrimary(s)
	case description.ReplicaSetWithPrimary:
		f.applyToReplicaSetWithPrimary(s)
	case description.Single:
		f.applyToSingle(s)
	}

	f.deriveProperties()
}

// deriveProperties recomputes the values the topology description carries
// that depend on the full server list.
func (f *fsm) deriveProperties() {
	f.CompatibilityErr = nil
	for _, server := range f.Servers {
		if server.Kind == description.Unknown || server.WireVersion == nil {
			continue
		}
		if server.WireVersion.Min > description.SupportedWireVersions.Max {
			f.CompatibilityErr = fmt.Errorf(
				"server at %s requires wire version %d, but this version of the driver only supports up to %d",
				server.Addr, server.WireVersion.Min, description.SupportedWireVersions.Max,
			)
			break
		}
		if server.WireVersion.Max < description.SupportedWireVersions.Min {
			f.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version %d, but this version of the driver requires at least %d (MongoDB %s)",
				server.Addr, server.WireVersion.Max, description.SupportedWireVersions.Min,
				description.MinSupportedMongoDBVersion,
			)
			break
		}
	}

	// Sessions are supported only while every data-bearing server advertises
	// a logical session timeout. The topology carries the minimum.
	f.SessionTimeoutMinutes = 0
	f.SessionTimeoutMinsSet = false
	first := true
	for _, server := range f.Servers {
		if !server.Kind.DataBearing() {
			continue
		}
		if !server.SessionTimeoutMinsSet {
			f.SessionTimeoutMinutes = 0
			f.SessionTimeoutMinsSet = false
			return
		}
		if first || server.SessionTimeoutMinutes < f.SessionTimeoutMinutes {
			f.SessionTimeoutMinutes = server.SessionTimeoutMinutes
			f.SessionTimeoutMinsSet = true
			first = false
		}
	}
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}
}

func (f *fsm) applyToSharded(s description.Server) {
	switch s.Kind {
	case description.Mongos, description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.RSPrimary, description.RSSecondary,
		description.RSArbiter, description.RSMember, description.RSGhost:
		f.removeServerByAddr(s.Addr)
	}
}

func (f *fsm) applyToSingle(s description.Server) {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.Mongos:
		if f.SetName != "" {
			f.removeServerByAddr(s.Addr)
			return
		}

		f.replaceServer(s)
	case description.RSPrimary, description.RSSecondary, description.RSArbiter,
		description.RSMember, description.RSGhost:
		if f.SetName != "" && f.SetName != s.SetName {
			f.removeServerByAddr(s.Addr)
			return
		}

		f.replaceServer(s)
	}
}

func (f *fsm) applyToUnknown(s description.Server) {
	switch s.Kind {
	case description.Mongos:
		f.setKind(description.Sharded)
		f.replaceServer(s)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.setKind(description.ReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.Standalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.ReplicaSetWithPrimary)
	} else {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSFromPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	// The election tuple only orders primaries that report both a set
	// version and an election id. A primary that omits either is accepted
	// unconditionally; "don't know" never loses an election.
	var zero [12]byte
	if s.SetVersion != 0 && s.ElectionID != zero {
		if f.MaxSetVersion != 0 && f.MaxElectionID != zero {
			if f.MaxSetVersion > s.SetVersion ||
				(f.MaxSetVersion == s.SetVersion && bytes.Compare(f.MaxElectionID[:], s.ElectionID[:]) > 0) {
				f.replaceServer(description.Server{
					Addr:      s.Addr,
					LastError: fmt.Errorf("was a primary, but its set version or election id is stale"),
				})
				f.checkIfHasPrimary()
				return
			}
		}

		f.MaxElectionID = s.ElectionID
	}

	if s.SetVersion > f.MaxSetVersion {
		f.MaxSetVersion = s.SetVersion
	}

	if j, ok := f.findPrimary(); ok && f.Servers[j].Addr.String() != s.Addr.String() {
		f.setServer(j, description.Server{
			Addr:      f.Servers[j].Addr,
			LastError: fmt.Errorf("was a primary, but a new primary was discovered"),
		})
	}

	f.replaceServer(s)

	for j := len(f.Servers) - 1; j >= 0; j-- {
		found := false
		for _, member := range s.Members {
			if member.String() == f.Servers[j].Addr.String() {
				found = true
				break
			}
		}
		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		return
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.replaceServer(s)
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.Single)
	f.replaceServer(s)
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.NewDefaultServer(addr))
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.RSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canonical := addr.Canonicalize()
	for i, s := range f.Servers {
		if canonical == s.Addr.Canonicalize() {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) bool {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
		return true
	}
	return false
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(kind description.TopologyKind) {
	f.Kind = kind
}
