// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync/atomic"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

// TransactionState is ClientSession's transaction state machine.
type TransactionState uint8

const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

// String implements fmt.Stringer.
func (s TransactionState) String() string {
	switch s {
	case None:
		return "None"
	case Starting:
		return "Starting"
	case InProgress:
		return "InProgress"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// TransactionOptions configures a transaction started with StartTransaction. A zero value takes
// the session's (and eventually the client's) defaults.
type TransactionOptions struct {
	ReadConcernLevel string
	WriteConcernW    string
}

// ClientSession is a single logical session as seen by the application: it borrows a ServerSession
// from a Pool for its lifetime, gossips cluster/operation time, and — when used transactionally —
// drives the transaction state machine and sharded-transaction server pinning described in
// component 4.H. A ClientSession is NOT safe for concurrent use: operations must check it out with
// Checkout and back in with Checkin, and a second concurrent Checkout is a programming error
// reported as InvalidSessionUsage rather than silently racing the first.
type ClientSession struct {
	ClusterClock

	pool    *Pool
	Server  *Server
	Options *TransactionOptions

	checkedOut int32 // atomic

	state        TransactionState
	recoveryToken map[string]interface{}

	pinnedServerAddress address.Address
	pinned              bool

	closed bool
}

// NewClientSession borrows a ServerSession from pool and returns a new, non-transactional
// ClientSession wrapping it.
func NewClientSession(pool *Pool) *ClientSession {
	return &ClientSession{pool: pool, Server: pool.Get(), state: None}
}

// Checkout marks the session as in use by the calling operation, returning InvalidSessionUsage if
// it is already checked out by a concurrent operation.
func (cs *ClientSession) Checkout() error {
	if !atomic.CompareAndSwapInt32(&cs.checkedOut, 0, 1) {
		return ErrInvalidSessionUsage
	}
	return nil
}

// Checkin releases the session for its next use. It is a no-op if the session was not checked out.
func (cs *ClientSession) Checkin() {
	atomic.StoreInt32(&cs.checkedOut, 0)
}

// TransactionState returns the session's current transaction state.
func (cs *ClientSession) TransactionState() TransactionState { return cs.state }

// StartTransaction moves the session from {None, Committed, Aborted} to Starting, advancing the
// underlying server session's transaction number. opts may be nil to take defaults.
func (cs *ClientSession) StartTransaction(opts *TransactionOptions) error {
	switch cs.state {
	case None, Committed, Aborted:
	default:
		return ErrTransactionInProgress
	}
	cs.Options = opts
	cs.state = Starting
	cs.pinned = false
	cs.pinnedServerAddress = ""
	cs.recoveryToken = nil
	cs.Server.AdvanceTransactionNumber()
	return nil
}

// ApplyCommand records that a command has been sent under the current transaction, advancing
// Starting to InProgress. It reports whether the command being built should carry
// "startTransaction: true" (true only for the first command of a transaction).
func (cs *ClientSession) ApplyCommand() (startTransaction bool) {
	if cs.state == Starting {
		cs.state = InProgress
		return true
	}
	return false
}

// PinServer records addr as the server a sharded transaction's first statement ran against. Only
// the first call takes effect; later statements and a subsequent abort must keep using the pinned
// server.
func (cs *ClientSession) PinServer(addr address.Address) {
	if !cs.pinned {
		cs.pinned = true
		cs.pinnedServerAddress = addr
	}
}

// PinnedServerAddress returns the server address pinned by PinServer, if any.
func (cs *ClientSession) PinnedServerAddress() (address.Address, bool) {
	return cs.pinnedServerAddress, cs.pinned
}

// Unpin clears the session's pinned server, e.g. once a transaction has committed or aborted.
func (cs *ClientSession) Unpin() {
	cs.pinned = false
	cs.pinnedServerAddress = ""
}

// SetRecoveryToken records the recoveryToken document a shard returned with a retryable write
// error, to be attached to the commit/abort command body when retrying against a different mongos.
func (cs *ClientSession) SetRecoveryToken(token map[string]interface{}) {
	cs.recoveryToken = token
}

// RecoveryToken returns the most recently recorded recovery token, or nil if none has been set.
func (cs *ClientSession) RecoveryToken() map[string]interface{} {
	return cs.recoveryToken
}

// CommitTransaction moves the session to Committed. It is legal from Starting, InProgress, or
// (idempotently) from Committed itself; any other state is an error.
func (cs *ClientSession) CommitTransaction() error {
	switch cs.state {
	case Starting, InProgress, Committed:
		cs.state = Committed
		return nil
	default:
		return ErrNoTransactionToCommit
	}
}

// AbortTransaction moves the session to Aborted. It is legal from Starting or InProgress; aborting
// an already-committed transaction is an error.
func (cs *ClientSession) AbortTransaction() error {
	switch cs.state {
	case Starting, InProgress:
		cs.state = Aborted
		cs.Unpin()
		return nil
	case Committed:
		return ErrCannotAbortCommitted
	default:
		return ErrNoTransactionToAbort
	}
}

// AdvanceClusterTimeDoc folds ts, the timestamp of a "$clusterTime" document, into the session's
// clock, keeping the greater of what it already had and ts. It is identical to ClusterClock.AdvanceClusterTime; this
// wrapper exists so callers can treat ClientSession's clock as an owned field rather than reaching
// into the embedded type directly.
func (cs *ClientSession) AdvanceClusterTimeDoc(ts primitive.Timestamp) {
	cs.AdvanceClusterTime(ts)
}

// EndSession returns the session's ServerSession to the pool and marks the ClientSession closed.
// Calling any other method on cs after EndSession is undefined; cs should be discarded.
func (cs *ClientSession) EndSession() {
	if cs.closed {
		return
	}
	cs.closed = true
	cs.pool.Release(cs.Server)
}
