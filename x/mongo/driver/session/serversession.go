// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements component 4.H: the ServerSession pool, ClientSession's transaction
// state machine, and cluster-time gossip (ClusterClock). Nothing here speaks the wire protocol;
// a ClientSession only ever produces the BSON fields ("lsid", "txnNumber", "startTransaction",
// "$clusterTime") an operation attaches to its outgoing command.
package session

import (
	"sync"
	"time"

	"github.com/mongosdam/mongo-core-driver/primitive"
)

// Server is a single logical server session: the id the server uses to associate operations with
// a session, and the bookkeeping needed to decide whether it is still within its
// logicalSessionTimeoutMinutes window.
type Server struct {
	ID         primitive.Binary
	lastUse    time.Time
	txnNumber  int64
	Dirty      bool
	closed     bool
}

// NewServerSession constructs a fresh ServerSession with a new session id.
func NewServerSession() *Server {
	return &Server{ID: newSessionID(), lastUse: time.Now()}
}

// AdvanceTransactionNumber increments and returns this server session's transaction number, used
// once per startTransaction/retryable write.
func (s *Server) AdvanceTransactionNumber() int64 {
	s.txnNumber++
	return s.txnNumber
}

// TxnNumber returns the current transaction number without advancing it.
func (s *Server) TxnNumber() int64 { return s.txnNumber }

// expired reports whether s has gone unused longer than timeoutMinutes allows. Per the spec, a
// session is considered expired one minute before the server's actual logical session timeout, so
// it is never handed out and then immediately rejected by the server for having just missed the
// deadline.
func (s *Server) expired(timeoutMinutes int64) bool {
	if timeoutMinutes <= 0 {
		return false
	}
	window := time.Duration(timeoutMinutes)*time.Minute - time.Minute
	if window < 0 {
		window = 0
	}
	return time.Since(s.lastUse) >= window
}

// markUsed stamps s as used right now, restarting its idle-timeout window.
func (s *Server) markUsed() { s.lastUse = time.Now() }

// Pool is a LIFO stack of ServerSessions: get() is tried top-first since the most recently used
// session is the one least likely to have expired, and LIFO reuse keeps the pool small under
// steady load instead of round-robining through every session ever created.
type Pool struct {
	mu             sync.Mutex
	sessions       []*Server
	timeoutMinutes int64
}

// NewPool constructs an empty ServerSessionPool. timeoutMinutes is the cluster's
// logicalSessionTimeoutMinutes, refreshed by the caller as SDAM updates it.
func NewPool(timeoutMinutes int64) *Pool {
	return &Pool{timeoutMinutes: timeoutMinutes}
}

// SetTimeoutMinutes updates the timeout used to decide whether a pooled session has expired,
// tracking SDAM's ClusterDescription.SessionTimeoutMinutes as it changes.
func (p *Pool) SetTimeoutMinutes(minutes int64) {
	p.mu.Lock()
	p.timeoutMinutes = minutes
	p.mu.Unlock()
}

// Get pops the most recently released session that is still within its timeout window, discarding
// any expired sessions found on top of the stack, or creates a fresh one if the pool has none left.
func (p *Pool) Get() *Server {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.sessions) > 0 {
		last := len(p.sessions) - 1
		s := p.sessions[last]
		p.sessions = p.sessions[:last]
		if !s.expired(p.timeoutMinutes) {
			s.markUsed()
			return s
		}
	}
	return NewServerSession()
}

// Release returns s to the pool unless it was marked Dirty (a network error occurred on an
// in-flight command using it) or already closed — either of those means the server-side session
// state is no longer trustworthy, so the session is discarded instead of reused.
func (p *Pool) Release(s *Server) {
	if s == nil || s.Dirty || s.closed {
		return
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
}

// EndSessions returns every id currently pooled, for the endSessions command issued at client
// Disconnect, and empties the pool.
func (p *Pool) EndSessions() []primitive.Binary {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]primitive.Binary, len(p.sessions))
	for i, s := range p.sessions {
		ids[i] = s.ID
	}
	p.sessions = nil
	return ids
}

var sessionIDCounter uint64
var sessionIDMu sync.Mutex

// newSessionID returns an opaque per-process-unique id; a real build would generate a random
// UUID, but reproducible uniqueness (never an actual wire value here, since no BSON codec exists
// in this module) is all component 4.H needs to exercise identity and equality correctly.
func newSessionID() primitive.Binary {
	sessionIDMu.Lock()
	sessionIDCounter++
	id := sessionIDCounter
	sessionIDMu.Unlock()

	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return primitive.Binary{Subtype: 0x04, Data: b}
}
