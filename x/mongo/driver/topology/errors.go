// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"errors"
	"fmt"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
)

// Sentinel errors for the Connection Pool and Topology/Server lifecycle, named by kind per the
// error taxonomy.
var (
	// ErrPoolClosed is returned by checkOut or checkIn operations performed against a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolPaused is returned by checkOut when the pool has been paused (e.g. after an SDAM
	// error) but not yet closed.
	ErrPoolPaused = errors.New("connection pool is paused")
	// ErrWaitQueueTimeout is returned when a checkOut's deadline expires before a connection
	// becomes available.
	ErrWaitQueueTimeout = errors.New("timed out while checking out a connection from the wait queue")
	// ErrWaitQueueFull is returned when a checkOut is attempted against a pool whose wait queue
	// is already at capacity.
	ErrWaitQueueFull = errors.New("connection pool wait queue is full")

	// ErrServerClosed occurs when an attempt to get a connection is made after the server has been
	// closed.
	ErrServerClosed = errors.New("server is closed")
	// ErrServerConnected occurs when a Connect is attempted on an already-connected Server.
	ErrServerConnected = errors.New("server is connected")

	// ErrTopologyClosed is returned when a method is called on a closed Topology.
	ErrTopologyClosed = errors.New("topology is closed")
	// ErrTopologyConnected is returned when Connect is called on an already-connected Topology.
	ErrTopologyConnected = errors.New("topology is connected or connecting")
	// ErrSubscribeAfterClosed is returned when a caller attempts to subscribe to a closed Server
	// or Topology.
	ErrSubscribeAfterClosed = errors.New("cannot subscribe after close")

	// ErrServerSelectionTimeout is returned from server selection when the process took longer
	// than the deadline allowed.
	ErrServerSelectionTimeout = errors.New("server selection timeout")

	// ErrInvalidSessionUsage is returned when a ClientSession is used from two operations at once
	// or after it has been ended.
	ErrInvalidSessionUsage = errors.New("invalid use of a client session: used concurrently or after it was ended")
)

// ConnectionError represents a connection-establishment failure: dialing, TLS handshaking, or the
// initial hello handshake.
type ConnectionError struct {
	Address address.Address
	Wrapped error
	message string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	msg := fmt.Sprintf("connection() error occurred during connection establishment with %s", e.Address)
	if e.message != "" {
		msg += ": " + e.message
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// IncompatibleDriverError is returned by selection when a server's wire version range shares no
// overlap with the driver's supported range.
type IncompatibleDriverError struct {
	Desc description.Topology
}

// Error implements the error interface.
func (e IncompatibleDriverError) Error() string {
	addr, min, max := firstIncompatible(e.Desc)
	if addr == "" {
		return "topology is marked incompatible with this driver"
	}
	return fmt.Sprintf(
		"server at %s reports wire version range [%d, %d], which is incompatible with this driver's supported range [%d, %d]",
		addr, min, max, description.SupportedWireRange.Min, description.SupportedWireRange.Max,
	)
}

// firstIncompatible returns the address and wire version range of the first server in desc whose
// range shares no overlap with description.SupportedWireRange.
func firstIncompatible(desc description.Topology) (address.Address, int32, int32) {
	for _, s := range desc.Servers {
		if s.LastError != nil {
			continue
		}
		wr := description.WireRange{Min: s.MinWireVersion, Max: s.MaxWireVersion}
		if wr.Empty() {
			continue
		}
		if !wr.Supports(description.SupportedWireRange.Min, description.SupportedWireRange.Max) {
			return s.Addr, s.MinWireVersion, s.MaxWireVersion
		}
	}
	return "", 0, 0
}

// ServerSelectionError is returned when no server satisfying a selector could be found before the
// deadline. It carries the ClusterDescription that was observed, so the caller can see why.
type ServerSelectionError struct {
	Wrapped error
	Desc     description.Topology
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	return fmt.Sprintf("server selection error: %s, current topology: %s", e.Wrapped, e.Desc)
}

// Unwrap returns the underlying cause (a deadline or context error, or ErrServerSelectionTimeout).
func (e ServerSelectionError) Unwrap() error { return e.Wrapped }

// WaitQueueError is returned by checkOut when the wait queue is full or the deadline expired while
// enqueued. It retains the pool's address for diagnostics.
type WaitQueueError struct {
	Address address.Address
	Wrapped error
}

// Error implements the error interface.
func (e WaitQueueError) Error() string {
	return fmt.Sprintf("timed out while checking out a connection to server %s: %s", e.Address, e.Wrapped)
}

// Unwrap returns the underlying cause.
func (e WaitQueueError) Unwrap() error { return e.Wrapped }
