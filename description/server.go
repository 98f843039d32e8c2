// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable snapshots SDAM produces: what a single server looks
// like (ServerDescription) and what the whole deployment looks like (ClusterDescription), plus the
// selector functions that turn a ClusterDescription into a shortlist of servers an operation may
// use.
package description

import (
	"fmt"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

// ServerKind represents the type of a single server as determined by its hello response.
type ServerKind uint32

// These constants are the possible kinds of a server.
const (
	Unknown ServerKind = iota
	Standalone
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	Mongos
	LoadBalancer
)

// String implements fmt.Stringer.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// ServerState is the connectivity state of a Server, independent of the server Kind it reports.
type ServerState uint8

// These constants are the possible connectivity states of a server.
const (
	Connecting ServerState = iota
	Connected
)

// String implements fmt.Stringer.
func (s ServerState) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Connecting"
}

// Server contains information about a node in a cluster. It is produced by a single monitor probe
// and is never mutated after construction; every update to a server's state replaces the whole
// value.
type Server struct {
	Addr  address.Address
	Kind  ServerKind
	State ServerState

	AverageRTT    time.Duration
	AverageRTTSet bool

	MinWireVersion int32
	MaxWireVersion int32

	SetName    string
	SetVersion *int64
	ElectionID primitive.ObjectID

	TopologyVersion *TopologyVersion

	Hosts    []string
	Passives []string
	Arbiters []string
	Tags     map[string]string

	Compression []string

	SessionTimeoutMinutes *int64

	LastUpdateTime time.Time
	LastWriteDate  time.Time

	LastError error
}

// NewDefaultServer returns the Unknown/Connecting description assigned to a server before it has
// ever been probed.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Addr:           addr,
		Kind:           Unknown,
		State:          Connecting,
		LastUpdateTime: time.Now(),
	}
}

// NewServerFromError returns the Unknown description a server transitions to after a monitor or
// application error. The TopologyVersion, when the error carried one, is preserved so a later,
// actually-stale response doesn't overwrite a more recent error.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		State:           Connecting,
		LastError:       err,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now(),
	}
}

// SetAverageRTT returns a copy of s with the average round trip time set.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// OK reports whether a server is usable: it must be Connected and its Kind must not be Unknown,
// per the derivation rule in the data model.
func (s Server) OK() bool {
	return s.State == Connected && s.Kind != Unknown
}

// DataBearing reports whether s is a member that carries user data (used to compute the cluster's
// logical session timeout, which only considers data-bearing servers).
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, RSPrimary, RSSecondary, Mongos:
		return true
	default:
		return false
	}
}

// Equal reports whether two Server snapshots are semantically identical. It intentionally skips
// LastUpdateTime, which always differs between otherwise-identical polls, so SDAM can tell whether
// an update actually changed anything worth publishing.
func (s Server) Equal(other Server) bool {
	if s.Addr != other.Addr || s.Kind != other.Kind || s.State != other.State {
		return false
	}
	if s.SetName != other.SetName || s.MinWireVersion != other.MinWireVersion || s.MaxWireVersion != other.MaxWireVersion {
		return false
	}
	if !int64PtrEqual(s.SetVersion, other.SetVersion) || s.ElectionID != other.ElectionID {
		return false
	}
	if !stringSliceEqual(s.Hosts, other.Hosts) || !stringSliceEqual(s.Passives, other.Passives) || !stringSliceEqual(s.Arbiters, other.Arbiters) {
		return false
	}
	if !tagsEqual(s.Tags, other.Tags) {
		return false
	}
	if !int64PtrEqual(s.SessionTimeoutMinutes, other.SessionTimeoutMinutes) {
		return false
	}
	if (s.LastError == nil) != (other.LastError == nil) {
		return false
	}
	if s.LastError != nil && other.LastError != nil && s.LastError.Error() != other.LastError.Error() {
		return false
	}
	return true
}

// String implements fmt.Stringer.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s", s.Addr, s.Kind, s.State)
	if s.SetName != "" {
		str += fmt.Sprintf(", Set: %s", s.SetName)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
