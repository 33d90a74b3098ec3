// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/ikmak/mongocore/core/description"
)

// Pool is a pool of server sessions that can be reused. Sessions are stored
// in a doubly linked list and handed out most recently used first, so the
// least recently used sessions age out at the tail.
type Pool struct {
	descChan <-chan description.Topology
	head     *Server
	tail     *Server

	timeout    uint32
	timeoutSet bool

	mu sync.Mutex
}

// NewPool creates a new server session pool. The channel carries topology
// descriptions; the pool tracks the deployment's logical session timeout
// from them.
func NewPool(descChan <-chan description.Topology) *Pool {
	return &Pool{
		descChan: descChan,
	}
}

// updateTimeout reads the latest topology description, if any, and records
// its logical session timeout. Callers must hold mu.
func (p *Pool) updateTimeout() {
	for {
		select {
		case desc, ok := <-p.descChan:
			if !ok {
				// The topology was disconnected. Keep the last known timeout.
				p.descChan = nil
				return
			}
			p.timeout = desc.SessionTimeoutMinutes
			p.timeoutSet = desc.SessionTimeoutMinsSet
		default:
			return
		}
	}
}

func (p *Pool) currentTimeout() uint32 {
	if !p.timeoutSet {
		// Without a known server timeout, pooled sessions never expire
		// locally; the server owns their lifetime.
		return serverTimeoutUnknown
	}
	return p.timeout
}

// serverTimeoutUnknown makes expired always report false.
const serverTimeoutUnknown = ^uint32(0)

// GetSession retrieves an unexpired session from the pool, creating a new
// one if every pooled session has expired.
func (p *Pool) GetSession() (*Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateTimeout()
	timeout := p.currentTimeout()

	for p.head != nil {
		ss := p.head
		p.head = ss.next
		if p.head != nil {
			p.head.prev = nil
		} else {
			p.tail = nil
		}
		ss.next = nil

		if !ss.expired(timeout) {
			return ss, nil
		}
	}

	return newServerSession(), nil
}

// ReturnSession returns a session to the pool. Expired and dirty sessions
// are discarded, as are the expired sessions they would have been stored
// next to.
func (p *Pool) ReturnSession(ss *Server) {
	if ss == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateTimeout()
	timeout := p.currentTimeout()

	if ss.Dirty || ss.expired(timeout) {
		return
	}

	// Sessions expire least recently used first, so everything behind an
	// expired tail is expired too.
	for p.tail != nil && p.tail.expired(timeout) {
		p.tail = p.tail.prev
		if p.tail != nil {
			p.tail.next = nil
		} else {
			p.head = nil
		}
	}

	ss.prev = nil
	ss.next = p.head
	if p.head != nil {
		p.head.prev = ss
	} else {
		p.tail = ss
	}
	p.head = ss
}

// IDSlice returns the IDs of all pooled sessions, most recently used first.
// Used to build the endSessions command at shutdown.
func (p *Pool) IDSlice() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []interface{}
	for ss := p.head; ss != nil; ss = ss.next {
		ids = append(ids, ss.SessionID)
	}
	return ids
}

// String implements the fmt.Stringer interface.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	str := ""
	for ss := p.head; ss != nil; ss = ss.next {
		str += ss.SessionID.String() + "\n"
	}
	return str
}
