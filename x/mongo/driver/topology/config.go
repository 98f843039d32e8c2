// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/mongosdam/mongo-core-driver/event"
)

// Mode selects whether a Topology actively discovers a deployment's other members or is pinned to
// exactly the servers it was given.
type Mode uint8

// These are the two supported Topology modes.
const (
	// AutomaticMode lets SDAM discover a replica set's or sharded cluster's full membership from
	// the seed list.
	AutomaticMode Mode = iota
	// SingleMode pins the Topology to exactly one server and never polls for others; used for
	// direct connections and load-balanced mode.
	SingleMode
)

// config carries every knob a Topology needs, built by a variadic Option chain. Kept unexported
// like the teacher's serverConfig; only construction via the With* options is public.
type config struct {
	mode            Mode
	seedList        []string
	replicaSetName  string
	loadBalanced    bool
	uri             string
	srvMaxHosts     int
	srvServiceName  string

	serverSelectionTimeout time.Duration
	heartbeatInterval      time.Duration
	heartbeatTimeout       time.Duration
	connectTimeout         time.Duration

	minPoolSize       uint64
	maxPoolSize       uint64
	maxConnecting     uint64
	maxConnIdleTime   time.Duration
	maxConnLifeTime   time.Duration
	waitQueueSize     int

	appName     string
	compressors []Compressor

	clusterMonitor *event.ClusterMonitor
	serverMonitor  *event.ServerMonitor
	poolMonitor    *event.PoolMonitor

	connectionOpts connectionConfig
}

// Option configures a Topology. Every option is applied in order by newConfig, last write wins for
// scalar fields.
type Option func(*config)

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		mode:                   AutomaticMode,
		seedList:               []string{"localhost:27017"},
		serverSelectionTimeout: 30 * time.Second,
		heartbeatInterval:      10 * time.Second,
		heartbeatTimeout:       10 * time.Second,
		connectTimeout:         30 * time.Second,
		maxPoolSize:            100,
		maxConnecting:          2,
		srvServiceName:         "mongodb",
		compressors:            availableCompressors(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg, nil
}

// WithSeedList sets the initial host list used before any discovery has run.
func WithSeedList(hosts ...string) Option {
	return func(c *config) { c.seedList = hosts }
}

// WithReplicaSetName sets the replica set name the Topology expects every member to report; a
// mismatch drops the offending server instead of believing it.
func WithReplicaSetName(name string) Option {
	return func(c *config) { c.replicaSetName = name }
}

// WithMode sets whether the Topology actively discovers other members (AutomaticMode) or is
// pinned to its seed list (SingleMode).
func WithMode(mode Mode) Option {
	return func(c *config) { c.mode = mode }
}

// WithLoadBalanced marks the deployment as a load balancer fronting a sharded cluster: the
// Topology skips monitoring entirely and treats its one seed as always-selectable.
func WithLoadBalanced(lb bool) Option {
	return func(c *config) { c.loadBalanced = lb }
}

// WithURI records the original mongodb+srv:// connection string, used to derive the hostname
// polled for SRV record changes.
func WithURI(uri string) Option {
	return func(c *config) { c.uri = uri }
}

// WithSRVMaxHosts caps how many hosts discovered via SRV polling are kept; 0 means unlimited.
func WithSRVMaxHosts(n int) Option {
	return func(c *config) { c.srvMaxHosts = n }
}

// WithSRVServiceName overrides the default "mongodb" SRV service name.
func WithSRVServiceName(name string) Option {
	return func(c *config) { c.srvServiceName = name }
}

// WithServerSelectionTimeout bounds how long SelectServer waits for a suitable server.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(c *config) { c.serverSelectionTimeout = d }
}

// WithHeartbeatInterval sets the interval between a server monitor's polling-mode heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) { c.heartbeatInterval = d }
}

// WithHeartbeatTimeout bounds the dedicated monitoring connection's dial and probe.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *config) { c.heartbeatTimeout = d }
}

// WithConnectTimeout bounds how long dialing an application connection may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithMinPoolSize sets each server's connection pool's background-maintained minimum size.
func WithMinPoolSize(n uint64) Option {
	return func(c *config) { c.minPoolSize = n }
}

// WithMaxPoolSize bounds each server's connection pool.
func WithMaxPoolSize(n uint64) Option {
	return func(c *config) { c.maxPoolSize = n }
}

// WithMaxConnecting bounds how many connections a single pool may dial concurrently.
func WithMaxConnecting(n uint64) Option {
	return func(c *config) { c.maxConnecting = n }
}

// WithMaxConnIdleTime evicts pooled connections that have sat idle longer than d.
func WithMaxConnIdleTime(d time.Duration) Option {
	return func(c *config) { c.maxConnIdleTime = d }
}

// WithMaxConnLifeTime evicts pooled connections older than d regardless of use.
func WithMaxConnLifeTime(d time.Duration) Option {
	return func(c *config) { c.maxConnLifeTime = d }
}

// WithWaitQueueSize bounds how many callers may block on an exhausted pool at once; 0 means
// unbounded.
func WithWaitQueueSize(n int) Option {
	return func(c *config) { c.waitQueueSize = n }
}

// WithAppName sets the client application name reported during the handshake.
func WithAppName(name string) Option {
	return func(c *config) { c.appName = name }
}

// WithCompressors sets the compressors a connection may negotiate with a server, in preference
// order. Passing no options (the default) falls back to every compressor this build supports, in
// the driver's own default preference order; a shorter list limits negotiation to those
// compressors, and an empty list (e.g. []Compressor{} from an explicit "no compression" choice)
// disables negotiation entirely.
func WithCompressors(compressors []Compressor) Option {
	return func(c *config) { c.compressors = compressors }
}

// WithClusterMonitor registers a listener for Topology-level (SDAM) events.
func WithClusterMonitor(m *event.ClusterMonitor) Option {
	return func(c *config) { c.clusterMonitor = m }
}

// WithServerMonitor registers a listener for per-server heartbeat events.
func WithServerMonitor(m *event.ServerMonitor) Option {
	return func(c *config) { c.serverMonitor = m }
}

// WithPoolMonitor registers a listener for connection-pool lifecycle events.
func WithPoolMonitor(m *event.PoolMonitor) Option {
	return func(c *config) { c.poolMonitor = m }
}

// WithDialer overrides how application and monitoring connections are dialed; used by tests to
// substitute an in-memory transport.
func WithDialer(d Dialer) Option {
	return func(c *config) { c.connectionOpts.dialer = d }
}

// WithHandshaker overrides the handshake performed on every freshly dialed application
// connection (never the monitor's dedicated connection, which only ever speaks hello).
func WithHandshaker(h Handshaker) Option {
	return func(c *config) { c.connectionOpts.handshaker = h }
}

func (c *config) serverConfig() *serverConfig {
	c.connectionOpts.compressors = c.compressors
	return &serverConfig{
		heartbeatInterval:         c.heartbeatInterval,
		heartbeatTimeout:          c.heartbeatTimeout,
		connectTimeout:            c.connectTimeout,
		minConns:                  c.minPoolSize,
		maxConns:                  c.maxPoolSize,
		maxConnecting:             c.maxConnecting,
		connectionPoolMaxIdleTime: c.maxConnIdleTime,
		connectionMaxLifeTime:     c.maxConnLifeTime,
		waitQueueSize:             c.waitQueueSize,
		poolMonitor:               c.poolMonitor,
		serverMonitor:             c.serverMonitor,
		appName:                   c.appName,
		connectionOpts:            c.connectionOpts,
	}
}
