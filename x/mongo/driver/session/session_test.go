// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

func TestPool_GetDiscardsExpiredSessions(t *testing.T) {
	p := NewPool(30)
	s := p.Get()
	s.lastUse = time.Now().Add(-time.Hour)
	p.Release(s)

	got := p.Get()
	if got == s {
		t.Fatal("Get should have discarded the expired session instead of handing it back out")
	}
}

func TestPool_ReleaseDropsDirtyAndClosedSessions(t *testing.T) {
	p := NewPool(30)

	dirty := p.Get()
	dirty.Dirty = true
	p.Release(dirty)
	if len(p.sessions) != 0 {
		t.Fatal("a dirty session must not be returned to the pool")
	}

	closed := p.Get()
	closed.closed = true
	p.Release(closed)
	if len(p.sessions) != 0 {
		t.Fatal("a closed session must not be returned to the pool")
	}
}

func TestPool_GetReusesMostRecentlyReleased(t *testing.T) {
	p := NewPool(30)
	a := p.Get()
	b := p.Get()
	p.Release(a)
	p.Release(b)

	got := p.Get()
	if got != b {
		t.Fatal("Get should pop the most recently released session (LIFO)")
	}
}

func TestClusterClock_AdvanceKeepsMonotonicMax(t *testing.T) {
	var c ClusterClock
	c.AdvanceClusterTime(primitive.Timestamp{T: 5, I: 1})
	c.AdvanceClusterTime(primitive.Timestamp{T: 3, I: 9})
	got, ok := c.ClusterTime()
	if !ok || got.T != 5 || got.I != 1 {
		t.Fatalf("ClusterTime = %+v, want the greater of the two advances retained", got)
	}
	c.AdvanceClusterTime(primitive.Timestamp{T: 5, I: 2})
	got, _ = c.ClusterTime()
	if got.I != 2 {
		t.Fatal("a later timestamp within the same T should still advance the clock")
	}
}

func TestClientSession_TransactionStateMachine(t *testing.T) {
	p := NewPool(30)
	cs := NewClientSession(p)

	if err := cs.CommitTransaction(); err == nil {
		t.Fatal("commit with no transaction started should fail")
	}
	if err := cs.StartTransaction(nil); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if cs.TransactionState() != Starting {
		t.Fatalf("state = %s, want Starting", cs.TransactionState())
	}
	if err := cs.StartTransaction(nil); err == nil {
		t.Fatal("starting a transaction while one is already in progress should fail")
	}

	if first := cs.ApplyCommand(); !first {
		t.Fatal("the first command of a transaction should report startTransaction=true")
	}
	if cs.TransactionState() != InProgress {
		t.Fatalf("state = %s, want InProgress", cs.TransactionState())
	}
	if second := cs.ApplyCommand(); second {
		t.Fatal("the second command of a transaction must not report startTransaction=true again")
	}

	if err := cs.CommitTransaction(); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	if err := cs.CommitTransaction(); err != nil {
		t.Fatal("repeated commit from Committed must be idempotent")
	}
	if err := cs.AbortTransaction(); err == nil {
		t.Fatal("aborting an already-committed transaction should fail")
	}
}

func TestClientSession_AbortLegalFromStartingAndInProgress(t *testing.T) {
	p := NewPool(30)
	cs := NewClientSession(p)
	_ = cs.StartTransaction(nil)
	if err := cs.AbortTransaction(); err != nil {
		t.Fatalf("AbortTransaction from Starting: %v", err)
	}
	if cs.TransactionState() != Aborted {
		t.Fatalf("state = %s, want Aborted", cs.TransactionState())
	}
}

func TestClientSession_CheckoutRejectsConcurrentUse(t *testing.T) {
	p := NewPool(30)
	cs := NewClientSession(p)
	if err := cs.Checkout(); err != nil {
		t.Fatalf("first Checkout: %v", err)
	}
	if err := cs.Checkout(); err != ErrInvalidSessionUsage {
		t.Fatalf("second concurrent Checkout: got %v, want ErrInvalidSessionUsage", err)
	}
	cs.Checkin()
	if err := cs.Checkout(); err != nil {
		t.Fatalf("Checkout after Checkin: %v", err)
	}
}

// TestClientSession_RecoveryTokenRetry covers scenario S6: a sharded transaction pins its first
// server, records a recoveryToken after a retryable write error, and keeps both the pin and the
// token available across a retried commit against a different mongos.
func TestClientSession_RecoveryTokenRetry(t *testing.T) {
	p := NewPool(30)
	cs := NewClientSession(p)
	_ = cs.StartTransaction(nil)

	s1 := address.Address("s1:27017").Canonicalize()
	cs.PinServer(s1)
	cs.ApplyCommand()

	token := map[string]interface{}{"recoveryToken": "abc123"}
	cs.SetRecoveryToken(token)

	pinned, ok := cs.PinnedServerAddress()
	if !ok || pinned != s1 {
		t.Fatalf("PinnedServerAddress = %s, %v; want %s, true", pinned, ok, s1)
	}

	// A second statement in the transaction must not re-pin to a different server.
	s2 := address.Address("s2:27017").Canonicalize()
	cs.PinServer(s2)
	pinned, _ = cs.PinnedServerAddress()
	if pinned != s1 {
		t.Fatal("PinServer must only take effect on the first call per transaction")
	}

	if got := cs.RecoveryToken(); got["recoveryToken"] != "abc123" {
		t.Fatalf("RecoveryToken = %v, want the token recorded after the retryable write error", got)
	}

	if err := cs.CommitTransaction(); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	// The session remains pinned through a commit retry; only an abort (or a fresh
	// StartTransaction) clears the pin.
	pinned, ok = cs.PinnedServerAddress()
	if !ok || pinned != s1 {
		t.Fatal("pin must survive through a committed transaction's retried commit")
	}
}
