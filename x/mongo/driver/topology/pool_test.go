// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
)

// pipeDialer hands out one side of an in-memory net.Pipe per dial, discarding the other side. It
// lets pool tests exercise real connection/close semantics without touching the network.
type pipeDialer struct {
	mu     sync.Mutex
	dialed int
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed++
	d.mu.Unlock()
	client, server := net.Pipe()
	go func() {
		// Keep the remote end alive for the lifetime of the test; closing client closes this too.
		buf := make([]byte, 1)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func newTestPool(t *testing.T, cfg poolConfig) *pool {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = address.Address("localhost:27017")
	}
	cfg.ConnectionOpts.dialer = &pipeDialer{}
	p, err := newPool(cfg)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	p.ready()
	t.Cleanup(p.close)
	return p
}

func TestPool_CheckOutCheckIn_Roundtrip(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 2})

	ctx := context.Background()
	c, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	if p.len() != 1 {
		t.Fatalf("pool len = %d, want 1", p.len())
	}

	p.checkIn(c)
	if p.len() != 1 {
		t.Fatalf("pool len after checkIn = %d, want 1 (connection reused, not discarded)", p.len())
	}

	c2, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	if c2 != c {
		t.Fatal("expected the same connection to be handed back out of the available stack")
	}
	p.checkIn(c2)
}

// TestPool_WaitQueueTimeout exercises scenario S3: a caller blocked on an exhausted pool gives up
// once its context deadline passes, with ErrWaitQueueTimeout, instead of hanging forever.
func TestPool_WaitQueueTimeout(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 1})

	held, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	defer p.checkIn(held)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.checkOut(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrWaitQueueTimeout) {
		t.Fatalf("checkOut error = %v, want ErrWaitQueueTimeout", err)
	}
	if elapsed > time.Second {
		t.Fatalf("checkOut blocked for %s, want ~50ms", elapsed)
	}
}

func TestPool_WaitQueueServedOnCheckIn(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 1})

	held, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}

	type result struct {
		c   *connection
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := p.checkOut(context.Background())
		resCh <- result{c, err}
	}()

	time.Sleep(20 * time.Millisecond) // give the waiter time to enqueue
	p.checkIn(held)

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("waiter checkOut error: %v", r.err)
		}
		if r.c != held {
			t.Fatal("waiter should receive the checked-in connection directly, not dial a new one")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never served after checkIn")
	}
}

// TestPool_ClearDiscardsStaleConnections covers the generation-based invalidation property: a
// clear() bumps the pool's generation, so a connection dialed beforehand is discarded on its next
// check-in instead of returning to the available stack.
func TestPool_ClearDiscardsStaleConnections(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 2})

	c, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}

	p.clear("")

	p.checkIn(c)
	if p.len() != 0 {
		t.Fatalf("pool len after checkIn of stale connection = %d, want 0", p.len())
	}
	if !c.isClosed() {
		t.Fatal("stale connection should have been closed on checkIn")
	}
}

func TestPool_CheckOutAfterClosedReturnsErrPoolClosed(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 1})
	p.close()

	if _, err := p.checkOut(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("checkOut on closed pool = %v, want ErrPoolClosed", err)
	}
}

func TestPool_CheckOutWhilePausedReturnsErrPoolPaused(t *testing.T) {
	p := newTestPool(t, poolConfig{MaxPoolSize: 1})
	p.pause()

	if _, err := p.checkOut(context.Background()); !errors.Is(err, ErrPoolPaused) {
		t.Fatalf("checkOut on paused pool = %v, want ErrPoolPaused", err)
	}
}

func TestPool_PruneEvictsIdleConnections(t *testing.T) {
	p := newTestPool(t, poolConfig{
		MaxPoolSize: 2,
		MaxIdleTime: 10 * time.Millisecond,
	})
	p.cfg.ConnectionOpts.idleTimeout = p.cfg.MaxIdleTime

	c, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	p.checkIn(c)

	time.Sleep(20 * time.Millisecond)
	p.pruneOnce()

	if p.len() != 0 {
		t.Fatalf("pool len after prune = %d, want 0 idle connections evicted", p.len())
	}
}
