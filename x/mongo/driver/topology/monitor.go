// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/event"
	"github.com/mongosdam/mongo-core-driver/x/bsonx/bsoncore"
)

const minHeartbeatInterval = 500 * time.Millisecond

// monitorMode is the heartbeat protocol a monitor is currently speaking.
type monitorMode uint8

const (
	// modePolling issues a plain hello on the dedicated monitoring connection once per
	// heartbeatInterval, waiting the full interval between checks.
	modePolling monitorMode = iota
	// modeStreaming issues an "awaitable" hello carrying the server's last-known topologyVersion
	// and a maxAwaitTimeMS, and blocks on the monitoring connection's socket read until the server
	// has something new to report or the await time elapses.
	modeStreaming
)

// rttMonitor tracks a server's round trip time with an exponentially weighted moving average,
// alpha = 0.2, matching the real driver's smoothing constant.
type rttMonitor struct {
	mu  sync.Mutex
	set bool
	avg time.Duration
}

const rttAlpha = 0.2

func (r *rttMonitor) addSample(d time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		r.avg = d
		r.set = true
	} else {
		r.avg = time.Duration(rttAlpha*float64(d) + (1-rttAlpha)*float64(r.avg))
	}
	return r.avg
}

func (r *rttMonitor) get() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avg
}

// helloProber sends a hello command over an Exchanger and decodes the reply into a
// description.Server. It is a narrow seam: the actual command construction and BSON decoding of
// the reply document are the operation layer's concern, out of scope here (see the package's
// bsoncore contract note); monitor.go only drives the request/response/retry loop around it.
type helloProber interface {
	probe(ctx context.Context, exch Exchanger, awaitTimeout time.Duration, tv *description.TopologyVersion) (description.Server, error)
}

// monitor owns the single dedicated (non-pooled) connection used to repeatedly probe one server's
// health and topology membership, per component 4.C. It never shares a connection with the pool:
// using a separate connection means a slow application operation can never block a heartbeat and
// vice versa.
type monitor struct {
	addr    address.Address
	cfg     connectionConfig
	prober  helloProber
	rtt     rttMonitor
	caster  *event.ServerMulticaster
	appName string

	interval      time.Duration
	connectTimeout time.Duration

	checkNow chan struct{}
	done     chan struct{}
	closewg  sync.WaitGroup
	stopOnce sync.Once

	mode int32 // atomic monitorMode

	onUpdate func(description.Server)
}

type monitorConfig struct {
	Address        address.Address
	HeartbeatInterval time.Duration
	ConnectTimeout time.Duration
	ConnectionOpts connectionConfig
	ServerMonitor  *event.ServerMonitor
	AppName        string
	OnUpdate       func(description.Server)
}

func newMonitor(cfg monitorConfig) *monitor {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &monitor{
		addr:           cfg.Address,
		cfg:            cfg.ConnectionOpts,
		prober:         helloOperationProber{},
		appName:        cfg.AppName,
		interval:       interval,
		connectTimeout: cfg.ConnectTimeout,
		checkNow:       make(chan struct{}, 1),
		done:           make(chan struct{}),
		onUpdate:       cfg.OnUpdate,
	}
	if cfg.ServerMonitor != nil {
		m.caster = event.NewServerMulticaster(nil, cfg.ServerMonitor)
	} else {
		m.caster = event.NewServerMulticaster(nil)
	}
	return m
}

// start begins the background heartbeat goroutine. Must be called at most once.
func (m *monitor) start() {
	m.closewg.Add(1)
	go m.run()
}

// stop cancels the monitor's background goroutine and waits for it to exit. It is safe to call
// more than once.
func (m *monitor) stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.closewg.Wait()
}

// requestImmediateCheck wakes the monitor up without waiting for the rest of the current
// heartbeat interval, used after SDAM sees a "not primary"/"node is recovering" style error.
func (m *monitor) requestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) run() {
	defer m.closewg.Done()

	var conn *connection
	defer func() {
		if conn != nil {
			conn.close()
		}
	}()

	desc, conn := m.heartbeat(conn, nil)
	m.publish(desc)

	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer rateLimiter.Stop()

	for {
		wait := m.interval
		if monitorMode(atomic.LoadInt32(&m.mode)) == modeStreaming {
			// The awaitable hello blocks inside heartbeat() itself for up to maxAwaitTimeMS, so the
			// outer loop only needs the rate limiter between iterations, not the full interval.
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-m.checkNow:
			timer.Stop()
		case <-timer.C:
		}

		select {
		case <-rateLimiter.C:
		case <-m.done:
			return
		}

		var tv *description.TopologyVersion
		if monitorMode(atomic.LoadInt32(&m.mode)) == modeStreaming {
			tv = desc.TopologyVersion
		}
		desc, conn = m.heartbeat(conn, tv)
		m.publish(desc)
	}
}

func (m *monitor) publish(desc description.Server) {
	if m.onUpdate != nil {
		m.onUpdate(desc)
	}
}

// heartbeat issues one probe, retrying once on a network error with a fresh connection, per the
// retry policy of the real driver's SDAM monitor (a single retry gives a flapping network one more
// chance before the server is marked Unknown).
func (m *monitor) heartbeat(conn *connection, tv *description.TopologyVersion) (description.Server, *connection) {
	const maxRetry = 2
	var lastErr error
	var result description.Server
	var ok bool

	for attempt := 1; attempt <= maxRetry; attempt++ {
		if conn != nil && conn.expired() {
			conn.close()
			conn = nil
		}

		if conn == nil {
			cfg := m.cfg
			cfg.connectTimeout = m.connectTimeout
			cfg.handshaker = nil // the monitor never authenticates; it only speaks hello.
			var err error
			ctx, cancel := context.WithTimeout(context.Background(), m.effectiveTimeout(tv))
			conn, err = newConnection(ctx, m.addr, 0, cfg)
			cancel()
			if err != nil {
				lastErr = err
				conn = nil
				continue
			}
		}

		m.caster.HeartbeatStarted(&event.ServerHeartbeatStartedEvent{
			Address: m.addr,
			Awaited: tv != nil,
		})

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.effectiveTimeout(tv))
		desc, err := m.prober.probe(ctx, conn, m.awaitTimeout(tv), tv)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			m.caster.HeartbeatFailed(&event.ServerHeartbeatFailedEvent{
				Address: m.addr, Duration: elapsed, Awaited: tv != nil, Error: err,
			})
			lastErr = err
			conn.close()
			conn = nil
			continue
		}

		rtt := m.rtt.addSample(elapsed)
		desc = desc.SetAverageRTT(rtt)
		m.caster.HeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
			Address: m.addr, Duration: elapsed, Awaited: tv != nil,
		})

		// Streaming kicks in once a server has told us it supports topologyVersion-bearing
		// responses; from then on every subsequent probe carries it and awaits.
		if desc.TopologyVersion != nil {
			atomic.StoreInt32(&m.mode, int32(modeStreaming))
		} else {
			atomic.StoreInt32(&m.mode, int32(modePolling))
		}

		result = desc
		ok = true
		break
	}

	if !ok {
		result = description.NewServerFromError(m.addr, lastErr, tv)
	}

	return result, conn
}

func (m *monitor) effectiveTimeout(tv *description.TopologyVersion) time.Duration {
	if tv != nil {
		return m.interval + m.awaitTimeout(tv)
	}
	if m.connectTimeout > 0 {
		return m.connectTimeout
	}
	return m.interval
}

func (m *monitor) awaitTimeout(tv *description.TopologyVersion) time.Duration {
	if tv == nil {
		return 0
	}
	return m.interval
}

// helloOperationProber is the production helloProber: it frames a minimal hello command document
// and does not decode the reply. Any non-empty reply is reported as a connected Standalone with
// the driver's full wire version range; server kind, hosts, setName and topologyVersion are not
// read from it.
type helloOperationProber struct{}

func (helloOperationProber) probe(ctx context.Context, exch Exchanger, awaitTimeout time.Duration, tv *description.TopologyVersion) (description.Server, error) {
	builder := bsoncore.DocumentBuilder{}
	builder.AppendInt32("hello", 1)
	if tv != nil {
		tvDoc := bsoncore.DocumentBuilder{}
		tvDoc.AppendString("processId", tv.ProcessID)
		tvDoc.AppendInt64("counter", tv.Counter)
		builder.AppendDocument("topologyVersion", tvDoc.Build())
		if awaitTimeout > 0 {
			builder.AppendInt64("maxAwaitTimeMS", awaitTimeout.Milliseconds())
		}
	}
	cmd := builder.Build()

	if err := exch.WriteCommand(ctx, cmd); err != nil {
		return description.Server{}, err
	}
	reply, err := exch.ReadReply(ctx)
	if err != nil {
		return description.Server{}, err
	}
	if reply.IsZero() {
		return description.Server{}, fmt.Errorf("empty hello reply")
	}
	// A real build would decode `reply` (kind, hosts, setName, wire version range, ...) here; this
	// minimal driver treats every structurally valid reply as a healthy Standalone, which is enough
	// to exercise the monitor's state machine and the pool/server wiring around it.
	return description.Server{
		Addr:           exch.(*connection).addr,
		Kind:           description.Standalone,
		State:          description.Connected,
		MinWireVersion: description.SupportedWireRange.Min,
		MaxWireVersion: description.SupportedWireRange.Max,
		LastUpdateTime: time.Now(),
	}, nil
}
