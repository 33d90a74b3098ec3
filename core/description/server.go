// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/ikmak/mongocore/bson"
	"github.com/ikmak/mongocore/core/address"
	"github.com/ikmak/mongocore/core/tag"
)

// UnsetRTT is the unset value for a round trip time.
const UnsetRTT = -1 * time.Millisecond

// SelectedServer represents a selected server that is a member of a topology.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Server represents a description of a server, created from an isMaster
// command reply or from a check failure. The zero Kind is Unknown.
type Server struct {
	Addr address.Address

	AverageRTT            time.Duration
	AverageRTTSet         bool
	CanonicalAddr         address.Address
	ElectionID            bson.ObjectID
	HeartbeatInterval     time.Duration
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	Members               []address.Address
	ReadOnly              bool
	SessionTimeoutMinutes uint32
	SessionTimeoutMinsSet bool
	SetName               string
	SetVersion            uint32
	Tags                  tag.Set
	Kind                  ServerKind
	WireVersion           *VersionRange
}

// NewServer creates a new server description from an isMaster command reply.
func NewServer(addr address.Address, reply bson.D) Server {
	desc := Server{
		Addr:           addr,
		CanonicalAddr:  addr,
		LastUpdateTime: time.Now().UTC(),
	}

	if me, ok := lookupString(reply, "me"); ok {
		desc.CanonicalAddr = address.Address(me).Canonicalize()
	}

	if ok, _ := lookupInt64(reply, "ok"); ok != 1 {
		desc.LastError = fmt.Errorf("isMaster returned ok: %d", ok)
		return desc
	}

	desc.SetName, _ = lookupString(reply, "setName")
	if sv, ok := lookupInt64(reply, "setVersion"); ok {
		desc.SetVersion = uint32(sv)
	}
	if eid, ok := reply.Lookup("electionId"); ok {
		if oid, ok := eid.(bson.ObjectID); ok {
			desc.ElectionID = oid
		}
	}
	if mins, ok := lookupInt64(reply, "logicalSessionTimeoutMinutes"); ok {
		desc.SessionTimeoutMinutes = uint32(mins)
		desc.SessionTimeoutMinsSet = true
	}
	if size, ok := lookupInt64(reply, "maxBsonObjectSize"); ok {
		desc.MaxDocumentSize = uint32(size)
	}
	if size, ok := lookupInt64(reply, "maxMessageSizeBytes"); ok {
		desc.MaxMessageSize = uint32(size)
	}
	if count, ok := lookupInt64(reply, "maxWriteBatchSize"); ok {
		desc.MaxBatchCount = uint32(count)
	}
	if ro, ok := lookupBool(reply, "readOnly"); ok {
		desc.ReadOnly = ro
	}
	if tags, ok := reply.Lookup("tags"); ok {
		if tagDoc, ok := tags.(bson.D); ok {
			desc.Tags = tagSetFromDoc(tagDoc)
		}
	}
	if lastWrite, ok := reply.Lookup("lastWrite"); ok {
		if lwDoc, ok := lastWrite.(bson.D); ok {
			if lwd, ok := lwDoc.Lookup("lastWriteDate"); ok {
				if dt, ok := lwd.(bson.DateTime); ok {
					desc.LastWriteTime = dt.Time().UTC()
				}
			}
		}
	}

	for _, field := range []string{"hosts", "passives", "arbiters"} {
		members, ok := reply.Lookup(field)
		if !ok {
			continue
		}
		arr, ok := members.(bson.A)
		if !ok {
			continue
		}
		for _, host := range arr {
			if h, ok := host.(string); ok {
				desc.Members = append(desc.Members, address.Address(h).Canonicalize())
			}
		}
	}

	isMaster, _ := lookupBool(reply, "ismaster")
	secondary, _ := lookupBool(reply, "secondary")
	arbiterOnly, _ := lookupBool(reply, "arbiterOnly")
	hidden, _ := lookupBool(reply, "hidden")
	isReplicaSet, _ := lookupBool(reply, "isreplicaset")
	msg, _ := lookupString(reply, "msg")

	desc.Kind = Standalone
	if isReplicaSet {
		desc.Kind = RSGhost
	} else if desc.SetName != "" {
		if isMaster {
			desc.Kind = RSPrimary
		} else if hidden {
			desc.Kind = RSMember
		} else if secondary {
			desc.Kind = RSSecondary
		} else if arbiterOnly {
			desc.Kind = RSArbiter
		} else {
			desc.Kind = RSMember
		}
	} else if msg == "isdbgrid" {
		desc.Kind = Mongos
	}

	var min, max int64
	min, _ = lookupInt64(reply, "minWireVersion")
	max, _ = lookupInt64(reply, "maxWireVersion")
	desc.WireVersion = &VersionRange{Min: int32(min), Max: int32(max)}

	return desc
}

// NewServerFromError creates a new unknown server description from the given
// check error.
func NewServerFromError(addr address.Address, err error) Server {
	return Server{
		Addr:           addr,
		CanonicalAddr:  addr,
		LastError:      err,
		LastUpdateTime: time.Now().UTC(),
	}
}

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Addr:           addr,
		CanonicalAddr:  addr,
		LastUpdateTime: time.Now().UTC(),
	}
}

// SetAverageRTT sets the average round trip time for this server description.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	if rtt == UnsetRTT {
		s.AverageRTTSet = false
	} else {
		s.AverageRTTSet = true
	}

	return s
}

// String implements the fmt.Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", s.Tags)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

func tagSetFromDoc(doc bson.D) tag.Set {
	var set tag.Set
	for _, e := range doc {
		if v, ok := e.Value.(string); ok {
			set = append(set, tag.Tag{Name: e.Key, Value: v})
		}
	}
	return set
}

func lookupString(doc bson.D, key string) (string, bool) {
	if v, ok := doc.Lookup(key); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func lookupBool(doc bson.D, key string) (bool, bool) {
	if v, ok := doc.Lookup(key); ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func lookupInt64(doc bson.D, key string) (int64, bool) {
	v, ok := doc.Lookup(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
