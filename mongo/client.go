// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo wires together connection-string parsing, SDAM, server selection, the connection
// pool, and session management into the single handle an application holds: Client. It does not
// implement CRUD, aggregation, or GridFS — those are out of scope; Client only gets a deployment
// to a ready, selectable state and hands out sessions and selected servers.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/event"
	"github.com/mongosdam/mongo-core-driver/mongo/connstring"
	"github.com/mongosdam/mongo-core-driver/x/mongo/driver/auth"
	"github.com/mongosdam/mongo-core-driver/x/mongo/driver/dns"
	"github.com/mongosdam/mongo-core-driver/x/mongo/driver/session"
	"github.com/mongosdam/mongo-core-driver/x/mongo/driver/topology"
)

// defaultLocalThreshold is the latency window BuildSelector applies around the fastest candidate.
const defaultLocalThreshold = 15 * time.Millisecond

// Client is a handle to a MongoDB deployment: one Topology (SDAM + selection + per-server pools)
// and one ServerSession pool, shared by every session the application starts.
type Client struct {
	topology       *topology.Topology
	sessionPool    *session.Pool
	credentials    *auth.CompositeCredentialSource
	scram          *auth.ScramStrategy
	connString     *connstring.ConnString
	clusterMonitor *event.ClusterMonitor
	serverMonitor  *event.ServerMonitor
	poolMonitor    *event.PoolMonitor
}

// ErrClientDisconnected is returned by any Client method that requires a connected Topology.
var ErrClientDisconnected = errors.New("mongo: client is disconnected")

// NewClient parses uri and constructs a Client, without connecting. Use Connect, or call
// (*Client).Connect directly, to start SDAM and open the deployment's connection pools.
func NewClient(uri string, opts ...ClientOption) (*Client, error) {
	cs, err := connstring.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}

	c := &Client{connString: cs}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	topoOpts := []topology.Option{
		topology.WithSeedList(cs.Hosts...),
		topology.WithReplicaSetName(cs.Options["replicaset"]),
		topology.WithLoadBalanced(cs.LoadBalanced),
		topology.WithURI(cs.Original),
		topology.WithSRVMaxHosts(cs.SrvMaxHosts),
		topology.WithSRVServiceName(cs.SrvServiceName),
	}
	if cs.SRV {
		topoOpts = append(topoOpts, topology.WithMode(topology.AutomaticMode))
	}
	if cs.LoadBalanced {
		topoOpts = append(topoOpts, topology.WithMode(topology.SingleMode))
	}
	if c.clusterMonitor != nil {
		topoOpts = append(topoOpts, topology.WithClusterMonitor(c.clusterMonitor))
	}
	if c.serverMonitor != nil {
		topoOpts = append(topoOpts, topology.WithServerMonitor(c.serverMonitor))
	}
	if c.poolMonitor != nil {
		topoOpts = append(topoOpts, topology.WithPoolMonitor(c.poolMonitor))
	}

	topo, err := topology.New(topoOpts...)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	c.topology = topo
	c.sessionPool = session.NewPool(0)

	if c.credentials == nil {
		strategies := []auth.CredentialStrategy{
			auth.StaticStrategy{Credentials: auth.Credentials{
				Source:   cs.Options["authsource"],
				Username: cs.Username,
				Password: cs.Password,
			}},
			auth.EnvironmentAWSStrategy{},
		}
		if x509, err := newX509Strategy(cs); err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		} else if x509 != nil {
			strategies = append(strategies, x509)
		}
		c.credentials = &auth.CompositeCredentialSource{Strategies: strategies}
	}

	switch cs.Options["authmechanism"] {
	case "SCRAM-SHA-256":
		c.scram = &auth.ScramStrategy{Mechanism: auth.ScramSHA256}
	case "SCRAM-SHA-1":
		c.scram = &auth.ScramStrategy{Mechanism: auth.ScramSHA1}
	case "":
		if cs.HasAuth {
			c.scram = &auth.ScramStrategy{Mechanism: auth.ScramSHA256}
		}
	}

	return c, nil
}

// newX509Strategy builds an auth.X509Strategy from the tlsCertificateKeyFile/
// tlsCertificateKeyFilePassword connection-string options, or returns nil, nil if the URI doesn't
// request MONGODB-X509.
func newX509Strategy(cs *connstring.ConnString) (*auth.X509Strategy, error) {
	path := cs.Options["tlscertificatekeyfile"]
	if path == "" || cs.Options["authmechanism"] != "MONGODB-X509" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tlsCertificateKeyFile: %w", err)
	}
	return &auth.X509Strategy{
		CertPEM:    pemBytes,
		KeyPEM:     pemBytes,
		Passphrase: cs.Options["tlscertificatekeyfilepassword"],
	}, nil
}

// Scram returns the SCRAM conversation builder selected for this deployment, or nil when the
// connection string did not request a SCRAM mechanism.
func (c *Client) Scram() *auth.ScramStrategy {
	return c.scram
}

// ClientOption configures a Client at construction time, before Connect.
type ClientOption func(*Client)

// WithClusterMonitor registers a listener for Topology-level (SDAM) events.
func WithClusterMonitor(m *event.ClusterMonitor) ClientOption {
	return func(c *Client) { c.clusterMonitor = m }
}

// WithServerMonitor registers a listener for per-server heartbeat events.
func WithServerMonitor(m *event.ServerMonitor) ClientOption {
	return func(c *Client) { c.serverMonitor = m }
}

// WithPoolMonitor registers a listener for connection-pool lifecycle events.
func WithPoolMonitor(m *event.PoolMonitor) ClientOption {
	return func(c *Client) { c.poolMonitor = m }
}

// WithCredentialSource overrides the default (connection-string username/password, then
// environment AWS) credential chain.
func WithCredentialSource(src *auth.CompositeCredentialSource) ClientOption {
	return func(c *Client) { c.credentials = src }
}

// Connect starts SDAM: it resolves a mongodb+srv:// seed via DNS if needed, then starts the
// Topology's monitors and opens its per-server connection pools. It does not block on reaching any
// particular server state; use Ping to wait for a successful round trip.
func (c *Client) Connect(ctx context.Context) error {
	if c.connString.SRV {
		if err := c.resolveSRV(ctx); err != nil {
			return fmt.Errorf("mongo: resolving mongodb+srv:// seed list: %w", err)
		}
	}
	return c.topology.Connect()
}

func (c *Client) resolveSRV(ctx context.Context) error {
	name := c.connString.Hosts[0]
	hosts, err := dns.ParseHosts(ctx, dns.DefaultResolver, name, c.connString.SrvServiceName, true)
	if err != nil {
		return err
	}
	txt, err := dns.ParseTXT(ctx, dns.DefaultResolver, name)
	if err != nil {
		return err
	}
	for k, v := range txt {
		if _, userSet := c.connString.Options[k]; !userSet {
			c.connString.Options[k] = v
		}
	}
	c.connString.Hosts = hosts
	return nil
}

// Disconnect stops SDAM, closes every server's connection pool, and ends every pooled server
// session.
func (c *Client) Disconnect(ctx context.Context) error {
	ids := c.sessionPool.EndSessions()
	_ = ids // a real build would issue an endSessions command; CRUD/command dispatch is out of scope here.
	return c.topology.Disconnect(ctx)
}

// Ping selects a server reachable under rp (the zero value selects any data-bearing server) and
// reports whether selection succeeded. It performs no network I/O of its own beyond selection,
// since issuing a real "ping" command requires the wire-protocol layer this module abstracts away.
func (c *Client) Ping(ctx context.Context, rp *description.ReadPreference) error {
	var selector description.ServerSelector = rp
	if rp == nil {
		selector = &description.ReadPreference{Mode: description.PrimaryPreferredMode}
	}
	_, err := c.topology.SelectServer(ctx, c.topology.BuildSelector(selector))
	return err
}

// StartSession borrows a ServerSession from the pool and returns a new ClientSession wrapping it.
// The pool's expiry window is refreshed from the deployment's current logicalSessionTimeoutMinutes
// before the session is handed out.
func (c *Client) StartSession() *session.ClientSession {
	if d := c.topology.Description(); d.SessionTimeoutMinutes != nil {
		c.sessionPool.SetTimeoutMinutes(*d.SessionTimeoutMinutes)
	}
	return session.NewClientSession(c.sessionPool)
}

// SelectServer runs selector against the current topology description, composed with the
// standard latency-window and power-of-two-choices stages.
func (c *Client) SelectServer(ctx context.Context, selector description.ServerSelector) (*topology.SelectedServer, error) {
	return c.topology.SelectServer(ctx, c.topology.BuildSelector(selector))
}
