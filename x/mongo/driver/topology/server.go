// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/event"
)

// these constants represent the connection states of a server.
const (
	serverDisconnected int32 = iota
	serverDisconnecting
	serverConnected
	serverConnecting
)

func serverStateString(state int32) string {
	switch state {
	case serverDisconnected:
		return "Disconnected"
	case serverDisconnecting:
		return "Disconnecting"
	case serverConnected:
		return "Connected"
	case serverConnecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// updateTopologyCallback is invoked every time a server produces a new description.Server; it
// returns the description that should actually be stored (the parent Topology gets first say, so
// that e.g. a stale-primary rejection can downgrade what the server records about itself).
type updateTopologyCallback func(description.Server) description.Server

type serverConfig struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	connectTimeout    time.Duration

	minConns                  uint64
	maxConns                  uint64
	maxConnecting             uint64
	connectionPoolMaxIdleTime time.Duration
	connectionMaxLifeTime     time.Duration
	waitQueueSize             int

	poolMonitor   *event.PoolMonitor
	serverMonitor *event.ServerMonitor

	appName        string
	connectionOpts connectionConfig
}

// Server is a single node within a Topology: it owns a connection Pool to that node and a
// background monitor that repeatedly probes it, and it is the SDAM error-handling boundary for
// every error an operation observes against connections drawn from this Pool.
type Server struct {
	cfg             *serverConfig
	address         address.Address
	connectionstate int32

	pool    *pool
	monitor *monitor

	desc                   atomic.Value // description.Server
	updateTopologyCallback atomic.Value // updateTopologyCallback

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex

	operationCount int64 // atomic: in-flight operations currently assigned to this server
}

// IncrementOperationCount records that one more operation has been assigned to this server, for
// the MinimumOperationCount selector.
func (s *Server) IncrementOperationCount() int64 {
	return atomic.AddInt64(&s.operationCount, 1)
}

// DecrementOperationCount records that an operation assigned to this server has finished.
func (s *Server) DecrementOperationCount() int64 {
	return atomic.AddInt64(&s.operationCount, -1)
}

// OperationCount returns the number of operations currently assigned to this server.
func (s *Server) OperationCount() int64 {
	return atomic.LoadInt64(&s.operationCount)
}

// NewServer constructs a Server for addr. The connection pool and monitor are created but not yet
// started; call Connect to start them.
func NewServer(addr address.Address, cfg *serverConfig) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		address:     addr,
		subscribers: make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))

	pc := poolConfig{
		Address:        addr,
		MinPoolSize:    cfg.minConns,
		MaxPoolSize:    cfg.maxConns,
		MaxConnecting:  cfg.maxConnecting,
		MaxIdleTime:    cfg.connectionPoolMaxIdleTime,
		MaxConnLife:    cfg.connectionMaxLifeTime,
		WaitQueueSize:  cfg.waitQueueSize,
		PoolMonitor:    cfg.poolMonitor,
		ConnectionOpts: cfg.connectionOpts,
	}
	var err error
	s.pool, err = newPool(pc)
	if err != nil {
		return nil, err
	}

	s.monitor = newMonitor(monitorConfig{
		Address:           addr,
		HeartbeatInterval: cfg.heartbeatInterval,
		ConnectTimeout:    cfg.heartbeatTimeout,
		ConnectionOpts:    cfg.connectionOpts,
		ServerMonitor:     cfg.serverMonitor,
		AppName:           cfg.appName,
		OnUpdate:          s.updateDescription,
	})

	return s, nil
}

// Connect starts the Server's background monitor and opens its connection pool. updateCallback,
// when non-nil, is given first refusal over every description this server ever produces.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, serverDisconnected, serverConnected) {
		return ErrServerConnected
	}
	s.updateTopologyCallback.Store(updateCallback)
	s.pool.ready()
	s.monitor.start()
	return nil
}

// Disconnect stops the monitor, closes the connection pool, and closes every subscription.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}
	s.updateTopologyCallback.Store(updateTopologyCallback(nil))

	s.monitor.stop()
	s.pool.close()

	s.subLock.Lock()
	for id, c := range s.subscribers {
		close(c)
		delete(s.subscribers, id)
	}
	s.subscriptionsClosed = true
	s.subLock.Unlock()

	atomic.StoreInt32(&s.connectionstate, serverDisconnected)
	return nil
}

// Connection checks a connection out of the server's pool.
func (s *Server) Connection(ctx context.Context) (*connection, error) {
	if atomic.LoadInt32(&s.connectionstate) != serverConnected {
		return nil, ErrServerClosed
	}
	c, err := s.pool.checkOut(ctx)
	if err != nil {
		s.ProcessHandshakeError(err)
		return nil, err
	}
	return c, nil
}

// ConnectionCheckIn returns c to the server's pool.
func (s *Server) ConnectionCheckIn(c *connection) {
	s.pool.checkIn(c)
}

// ProcessHandshakeError implements SDAM error handling for errors observed while establishing a
// connection (dial, TLS, or the initial hello), before any application command has run.
func (s *Server) ProcessHandshakeError(err error) {
	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	s.updateDescription(description.NewServerFromError(s.address, wrapped, s.Description().TopologyVersion))
	s.pool.clear("")
}

// ProcessError implements SDAM error handling for errors observed on a connection already in use
// by an application command: "not primary"/"node is recovering" responses and hard network errors.
// It downgrades the server's description to Unknown and, for the errors that indicate the whole
// pool's connections are now suspect, clears the pool.
func (s *Server) ProcessError(err error, connDesc description.Server) {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil {
		return
	}

	if sdamErr, ok := err.(SDAMError); ok && (sdamErr.NotPrimaryOrRecovering() || sdamErr.NodeIsShuttingDown()) {
		if description.CompareTopologyVersion(connDesc.TopologyVersion, sdamErr.TopologyVersion()) >= 0 {
			return
		}
		s.updateDescription(description.NewServerFromError(s.address, err, sdamErr.TopologyVersion()))
		s.monitor.requestImmediateCheck()
		if sdamErr.NodeIsShuttingDown() || connDesc.MaxWireVersion < 8 {
			s.pool.clear("")
		}
		return
	}

	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	if netErr, ok := wrapped.(net.Error); ok && netErr.Timeout() {
		return
	}
	if wrapped == context.Canceled || wrapped == context.DeadlineExceeded {
		return
	}

	s.updateDescription(description.NewServerFromError(s.address, err, connDesc.TopologyVersion))
	s.pool.clear("")
}

// SDAMError is implemented by command-level errors that carry enough information (a notPrimary or
// nodeIsRecovering classification, an optional topologyVersion) for ProcessError to act on them
// without this package needing to know the wire error-code taxonomy itself.
type SDAMError interface {
	error
	NotPrimaryOrRecovering() bool
	NodeIsShuttingDown() bool
	TopologyVersion() *description.TopologyVersion
}

// Description returns the server's most recently published description.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Subscribe returns a channel of every description.Server this Server publishes from now on,
// pre-populated with the current description.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt32(&s.connectionstate) != serverConnected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++

	return &ServerSubscription{C: ch, s: s, id: id}, nil
}

// RequestImmediateCheck makes the background monitor probe the server now instead of waiting out
// the rest of its heartbeat interval.
func (s *Server) RequestImmediateCheck() {
	s.monitor.requestImmediateCheck()
}

func (s *Server) updateDescription(desc description.Server) {
	defer func() {
		//  ¯\_(ツ)_/¯
		_ = recover()
	}()

	if cb, ok := s.updateTopologyCallback.Load().(updateTopologyCallback); ok && cb != nil {
		desc = cb(desc)
	}
	s.desc.Store(desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c: // drain so the most recent description always wins
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

// String implements fmt.Stringer.
func (s *Server) String() string {
	desc := s.Description()
	state := atomic.LoadInt32(&s.connectionstate)
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s", s.address, desc.Kind, serverStateString(state))
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", desc.Tags)
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}
	return str
}

// ServerSubscription is a live feed of description.Server snapshots published by a Server.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe detaches the subscription and closes its channel.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}
	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(ss.s.subscribers, ss.id)
	return nil
}

// unwrapConnectionError unwraps err until a ConnectionError's Wrapped cause is found, or returns
// nil if err does not (transitively) wrap one. Only a true connection-establishment failure should
// ever trigger a pool clear by itself; ordinary command errors go through ProcessError/SDAMError.
func unwrapConnectionError(err error) error {
	if connErr, ok := err.(ConnectionError); ok {
		return connErr.Wrapped
	}
	return nil
}
