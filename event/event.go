// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event defines the observable events the driver publishes and the best-effort
// multicasters that fan them out to listeners. Per the design notes, there is no dynamic
// reflection-based listener discovery: each multicaster holds a frozen slice of listeners
// supplied at construction, and emits to them in registration order.
package event

import (
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

// TopologyOpeningEvent is published when a Topology begins initializing.
type TopologyOpeningEvent struct {
	TopologyID primitive.ObjectID
}

// TopologyClosedEvent is published when a Topology has finished shutting down.
type TopologyClosedEvent struct {
	TopologyID primitive.ObjectID
}

// TopologyDescriptionChangedEvent is published whenever SDAM publishes a new, semantically
// different ClusterDescription.
type TopologyDescriptionChangedEvent struct {
	TopologyID          primitive.ObjectID
	PreviousDescription interface{}
	NewDescription      interface{}
}

// ServerOpeningEvent is published when a Server is added to a Topology.
type ServerOpeningEvent struct {
	TopologyID primitive.ObjectID
	Address    address.Address
}

// ServerClosedEvent is published when a Server is removed from a Topology.
type ServerClosedEvent struct {
	TopologyID primitive.ObjectID
	Address    address.Address
}

// ServerDescriptionChangedEvent is published whenever a single server's description changes.
type ServerDescriptionChangedEvent struct {
	TopologyID          primitive.ObjectID
	Address             address.Address
	PreviousDescription interface{}
	NewDescription      interface{}
}

// ServerHeartbeatStartedEvent is published immediately before a monitor sends a hello.
type ServerHeartbeatStartedEvent struct {
	Address   address.Address
	Awaited   bool
	ConnectionID string
}

// ServerHeartbeatSucceededEvent is published after a monitor receives a successful hello reply.
type ServerHeartbeatSucceededEvent struct {
	Address      address.Address
	Duration     time.Duration
	Awaited      bool
	ConnectionID string
}

// ServerHeartbeatFailedEvent is published after a monitor's hello attempt fails.
type ServerHeartbeatFailedEvent struct {
	Address      address.Address
	Duration     time.Duration
	Awaited      bool
	ConnectionID string
	Error        error
}

// PoolEventType names the kind of pool-lifecycle event being published.
type PoolEventType string

// These constants enumerate the ConnectionPool event kinds named in the external interfaces.
const (
	PoolCreated               PoolEventType = "PoolCreated"
	PoolReady                 PoolEventType = "PoolReady"
	PoolClearedEvent          PoolEventType = "PoolCleared"
	PoolClosedEvent           PoolEventType = "PoolClosedEvent"
	ConnectionCreated         PoolEventType = "ConnectionCreated"
	ConnectionReady           PoolEventType = "ConnectionReady"
	ConnectionClosed          PoolEventType = "ConnectionClosed"
	ConnectionCheckOutStarted PoolEventType = "ConnectionCheckOutStarted"
	ConnectionCheckOutFailed  PoolEventType = "ConnectionCheckOutFailed"
	ConnectionCheckedOut      PoolEventType = "ConnectionCheckedOut"
	ConnectionCheckedIn       PoolEventType = "ConnectionCheckedIn"
)

// PoolEvent is published for every connection-pool lifecycle transition.
type PoolEvent struct {
	Type         PoolEventType
	Address      string
	ConnectionID uint64
	Reason       string
	Error        error
}

// CommandStartedEvent is published when the driver puts a command on the wire.
type CommandStartedEvent struct {
	CommandName  string
	RequestID    int64
	ConnectionID string
	DatabaseName string
}

// CommandSucceededEvent is published when a command's reply is read successfully.
type CommandSucceededEvent struct {
	CommandName  string
	RequestID    int64
	ConnectionID string
	Duration     time.Duration
}

// CommandFailedEvent is published when a command fails, either at the transport level or with an
// ok:0 reply.
type CommandFailedEvent struct {
	CommandName  string
	RequestID    int64
	ConnectionID string
	Duration     time.Duration
	Failure      error
}
