// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/event"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// these constants represent the connection states of a pool.
const (
	poolPaused int32 = iota
	poolReady
	poolClosed
)

func poolStateString(state int32) string {
	switch state {
	case poolPaused:
		return "paused"
	case poolReady:
		return "ready"
	case poolClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type poolConfig struct {
	Address        address.Address
	MinPoolSize    uint64
	MaxPoolSize    uint64
	MaxConnecting  uint64
	MaxIdleTime    time.Duration
	MaxConnLife    time.Duration
	WaitQueueSize  int
	PruneInterval  time.Duration
	PoolMonitor    *event.PoolMonitor
	ConnectionOpts connectionConfig
}

// pool is a bounded LIFO connection pool keyed by a single server address. Its job is to make
// checkOut/checkIn cheap in the common case (a hot connection is usually available immediately)
// while bounding the amount of concurrent dialing and giving every waiter a deadline.
type pool struct {
	address address.Address
	cfg     poolConfig
	monitor *event.PoolMulticaster

	state int32 // atomic: poolPaused, poolReady, poolClosed

	generation *poolGeneration

	// connectingSem bounds the number of dials in flight at once, independent of pool size.
	connectingSem *semaphore.Weighted
	dialingN      int64 // atomic: current holders of connectingSem, for dialingCount's diagnostic hint

	mu          sync.Mutex
	available   []*connection          // LIFO stack of idle, usable connections
	checkedOut  map[uint64]*connection // connections currently in the hands of callers
	waitQueue   []chan checkOutResult  // FIFO queue of waiters, each woken with exactly one result
	createdTotal uint64

	closeOnce sync.Once
	pruneDone chan struct{}
	pruneWG   sync.WaitGroup
}

type checkOutResult struct {
	conn *connection
	err  error
}

// poolGeneration tracks, per pool and (in load-balanced mode) per serviceID, the current
// "epoch" of connections. clear() bumps the epoch so that every connection created before it
// is recognized as stale and discarded on check-in rather than reused.
type poolGeneration struct {
	mu     sync.Mutex
	global uint64
	byID   map[string]uint64
}

func newPoolGeneration() *poolGeneration {
	return &poolGeneration{byID: make(map[string]uint64)}
}

func (g *poolGeneration) get(serviceID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if serviceID == "" {
		return g.global
	}
	return g.byID[serviceID]
}

func (g *poolGeneration) clear(serviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if serviceID == "" {
		g.global++
		return
	}
	g.byID[serviceID]++
}

func newPool(cfg poolConfig) (*pool, error) {
	p := &pool{
		address:    cfg.Address,
		cfg:        cfg,
		generation: newPoolGeneration(),
		checkedOut: make(map[uint64]*connection),
		pruneDone:  make(chan struct{}),
		state:      poolPaused,
	}
	if cfg.PoolMonitor != nil {
		p.monitor = event.NewPoolMulticaster(nil, cfg.PoolMonitor)
	} else {
		p.monitor = event.NewPoolMulticaster(nil)
	}
	maxConnecting := cfg.MaxConnecting
	if maxConnecting == 0 {
		maxConnecting = 2
	}
	p.connectingSem = semaphore.NewWeighted(int64(maxConnecting))
	return p, nil
}

func (p *pool) publish(typ event.PoolEventType, reason string, connID uint64) {
	p.monitor.Event(&event.PoolEvent{
		Type:         typ,
		Address:      p.address.String(),
		ConnectionID: connID,
		Reason:       reason,
	})
}

// ready transitions the pool into the Ready state and starts background pruning and minPoolSize
// population. It is idempotent against a pool that is already ready.
func (p *pool) ready() {
	if !atomic.CompareAndSwapInt32(&p.state, poolPaused, poolReady) {
		return
	}
	p.publish(event.PoolReady, "", 0)

	interval := p.cfg.PruneInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.pruneWG.Add(1)
	go p.pruneLoop(interval)
}

// pause transitions the pool to Paused: in-flight checkouts keep their connections, but no new
// connections may be checked out until ready() is called again. Used when SDAM observes an error
// on this server and wants to stop handing out connections to it.
func (p *pool) pause() {
	atomic.CompareAndSwapInt32(&p.state, poolReady, poolPaused)
	p.publish(event.PoolClearedEvent, "", 0)
}

// clear invalidates every connection currently outstanding or idle for this generation (or, if
// serviceID is non-empty, only that service's slice of the pool) and pauses the pool.
func (p *pool) clear(serviceID string) {
	p.generation.clear(serviceID)
	p.pause()

	p.mu.Lock()
	var keep []*connection
	for _, c := range p.available {
		if serviceID != "" && c.serviceID != serviceID {
			keep = append(keep, c)
			continue
		}
		c.close()
	}
	p.available = keep
	p.mu.Unlock()
}

func (p *pool) close() {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.state, poolClosed)
		close(p.pruneDone)
		p.pruneWG.Wait()

		p.mu.Lock()
		for _, c := range p.available {
			c.close()
		}
		p.available = nil
		for _, c := range p.checkedOut {
			c.close()
		}
		waiters := p.waitQueue
		p.waitQueue = nil
		p.mu.Unlock()

		for _, w := range waiters {
			w <- checkOutResult{err: ErrPoolClosed}
		}
		p.publish(event.PoolClosedEvent, "", 0)
	})
}

// checkOut returns an idle connection if one is available and not stale/expired, dials a new one
// if the pool has room, or enqueues the caller on the wait queue until one of those becomes true
// or ctx's deadline passes.
func (p *pool) checkOut(ctx context.Context) (*connection, error) {
	p.publish(event.ConnectionCheckOutStarted, "", 0)

	switch atomic.LoadInt32(&p.state) {
	case poolClosed:
		p.publish(event.ConnectionCheckOutFailed, "poolClosed", 0)
		return nil, ErrPoolClosed
	case poolPaused:
		p.publish(event.ConnectionCheckOutFailed, "poolClosed", 0)
		return nil, ErrPoolPaused
	}

	for {
		p.mu.Lock()
		for len(p.available) > 0 {
			c := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			if c.expired() || c.stale(p.generation.get(c.serviceID)) {
				p.mu.Unlock()
				c.close()
				p.publish(event.ConnectionClosed, "stale", c.id)
				p.mu.Lock()
				continue
			}
			p.checkedOut[c.id] = c
			p.mu.Unlock()
			p.publish(event.ConnectionCheckedOut, "", c.id)
			return c, nil
		}

		canDial := p.cfg.MaxPoolSize == 0 || uint64(len(p.checkedOut))+p.dialingCount() < p.cfg.MaxPoolSize
		p.mu.Unlock()

		if canDial && p.connectingSem.TryAcquire(1) {
			atomic.AddInt64(&p.dialingN, 1)
			c, err := p.dial(ctx)
			atomic.AddInt64(&p.dialingN, -1)
			p.connectingSem.Release(1)
			if err != nil {
				p.publish(event.ConnectionCheckOutFailed, "error", 0)
				return nil, err
			}
			p.mu.Lock()
			p.checkedOut[c.id] = c
			p.mu.Unlock()
			p.publish(event.ConnectionCheckedOut, "", c.id)
			return c, nil
		}

		result, err := p.wait(ctx)
		if err != nil {
			p.publish(event.ConnectionCheckOutFailed, "timeout", 0)
			return nil, err
		}
		if result.err != nil {
			p.publish(event.ConnectionCheckOutFailed, "error", 0)
			return nil, result.err
		}
		return result.conn, nil
	}
}

// dialingCount is a coarse, racy hint of in-flight dials used only to decide whether checkOut
// should attempt to dial rather than immediately wait; it is never relied on for correctness.
func (p *pool) dialingCount() uint64 {
	return uint64(atomic.LoadInt64(&p.dialingN))
}

func (p *pool) dial(ctx context.Context) (*connection, error) {
	gen := p.generation.get("")
	c, err := newConnection(ctx, p.address, gen, p.cfg.ConnectionOpts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.createdTotal++
	p.mu.Unlock()
	p.publish(event.ConnectionCreated, "", c.id)
	p.publish(event.ConnectionReady, "", c.id)
	return c, nil
}

func (p *pool) wait(ctx context.Context) (checkOutResult, error) {
	ch := make(chan checkOutResult, 1)

	p.mu.Lock()
	if p.cfg.WaitQueueSize > 0 && len(p.waitQueue) >= p.cfg.WaitQueueSize {
		p.mu.Unlock()
		return checkOutResult{}, ErrWaitQueueFull
	}
	p.waitQueue = append(p.waitQueue, ch)
	p.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		return checkOutResult{}, ErrWaitQueueTimeout
	}
}

func (p *pool) removeWaiter(ch chan checkOutResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waitQueue {
		if w == ch {
			p.waitQueue = append(p.waitQueue[:i], p.waitQueue[i+1:]...)
			return
		}
	}
}

// checkIn returns c to the pool. A stale or expired connection is closed instead of reused; a
// pool that has since been closed also closes it. Waiters, if any, are served before c is ever
// placed on the available stack (LIFO handoff).
func (p *pool) checkIn(c *connection) {
	if c == nil {
		return
	}
	p.mu.Lock()
	delete(p.checkedOut, c.id)

	if atomic.LoadInt32(&p.state) == poolClosed || c.expired() || c.stale(p.generation.get(c.serviceID)) {
		p.mu.Unlock()
		c.close()
		p.publish(event.ConnectionClosed, "stale", c.id)
		return
	}

	if len(p.waitQueue) > 0 {
		ch := p.waitQueue[0]
		p.waitQueue = p.waitQueue[1:]
		p.checkedOut[c.id] = c
		p.mu.Unlock()
		ch <- checkOutResult{conn: c}
		return
	}

	p.available = append(p.available, c)
	p.mu.Unlock()
	p.publish(event.ConnectionCheckedIn, "", c.id)
}

// pruneLoop periodically evicts idle/expired connections and tops the pool back up to
// MinPoolSize. It runs for the whole lifetime of the pool once ready() starts it.
func (p *pool) pruneLoop(interval time.Duration) {
	defer p.pruneWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.pruneDone:
			return
		case <-ticker.C:
			p.pruneOnce()
		}
	}
}

func (p *pool) pruneOnce() {
	p.mu.Lock()
	var keep []*connection
	var toClose []*connection
	for _, c := range p.available {
		if c.expired() || c.stale(p.generation.get(c.serviceID)) {
			toClose = append(toClose, c)
			continue
		}
		keep = append(keep, c)
	}
	p.available = keep
	deficit := 0
	if p.cfg.MinPoolSize > 0 {
		total := uint64(len(p.available) + len(p.checkedOut))
		if total < p.cfg.MinPoolSize {
			deficit = int(p.cfg.MinPoolSize - total)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		c.close()
		p.publish(event.ConnectionClosed, "idle", c.id)
	}

	if deficit == 0 {
		return
	}

	// Refill concurrently, bounded by the same connectingSem that gates checkOut's own dials, so a
	// minPoolSize top-up can never itself exceed maxConnecting in-flight dials.
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			if atomic.LoadInt32(&p.state) != poolReady {
				return nil
			}
			if err := p.connectingSem.Acquire(ctx, 1); err != nil {
				return nil
			}
			atomic.AddInt64(&p.dialingN, 1)
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			c, err := p.dial(dialCtx)
			cancel()
			atomic.AddInt64(&p.dialingN, -1)
			p.connectingSem.Release(1)
			if err != nil {
				return nil
			}
			p.mu.Lock()
			p.available = append(p.available, c)
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// len reports the pool's current total size (idle + checked out), for diagnostics and tests.
func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + len(p.checkedOut)
}

func (p *pool) stateString() string {
	return poolStateString(atomic.LoadInt32(&p.state))
}
