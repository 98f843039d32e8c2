// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"sort"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

// TopologyKind represents the kind of a MongoDB deployment, as a whole, as observed by SDAM.
type TopologyKind uint32

// These constants are the possible kinds of a topology.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements fmt.Stringer.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// ConnectionMode describes how a Topology was configured to connect: to one server directly, to
// many servers it discovers for itself, or through a load balancer.
type ConnectionMode uint8

// These constants are the possible connection modes.
const (
	SingleMode ConnectionMode = iota
	MultiMode
	LoadBalancedMode
)

// Settings carries the handful of cluster- and server-level knobs that selectors and staleness
// calculations need to read back out of a ClusterDescription (e.g. heartbeatFrequency feeds the
// staleness formula in the ReadPreference selector).
type Settings struct {
	HeartbeatInterval time.Duration
}

// Topology is an immutable snapshot of everything SDAM currently believes about a deployment.
type Topology struct {
	ConnectionMode ConnectionMode
	Kind           TopologyKind
	Servers        []Server

	SetName       string
	MaxSetVersion *int64
	MaxElectionID primitive.ObjectID

	SessionTimeoutMinutes *int64

	Compatible       bool
	CompatibilityErr error

	ClusterSettings Settings
	ServerSettings  Settings
}

// Server looks up the description for addr, if present.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// Primary returns the current RSPrimary, if the topology has one.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// WithServers returns a copy of t with Servers replaced and sorted by address, and the
// SessionTimeoutMinutes recomputed (the minimum across data-bearing servers, or nil if any
// data-bearing server reports none).
func (t Topology) WithServers(servers []Server) Topology {
	sorted := make([]Server, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	t.Servers = sorted
	t.SessionTimeoutMinutes = minSessionTimeout(sorted)
	return t
}

func minSessionTimeout(servers []Server) *int64 {
	var min *int64
	for _, s := range servers {
		if !s.DataBearing() {
			continue
		}
		if s.SessionTimeoutMinutes == nil {
			return nil
		}
		if min == nil || *s.SessionTimeoutMinutes < *min {
			v := *s.SessionTimeoutMinutes
			min = &v
		}
	}
	return min
}

// Equal reports whether two ClusterDescription snapshots are semantically identical.
func (t Topology) Equal(other Topology) bool {
	if t.ConnectionMode != other.ConnectionMode || t.Kind != other.Kind {
		return false
	}
	if len(t.Servers) != len(other.Servers) {
		return false
	}
	for i := range t.Servers {
		if !t.Servers[i].Equal(other.Servers[i]) {
			return false
		}
	}
	if t.SetName != other.SetName {
		return false
	}
	if t.Compatible != other.Compatible {
		return false
	}
	return true
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	str := fmt.Sprintf("Type: %s", t.Kind)
	for _, s := range t.Servers {
		str += fmt.Sprintf(", { %s }", s)
	}
	return str
}

// Diff describes the servers added and removed between two successive ClusterDescriptions.
type Diff struct {
	Added   []Server
	Removed []Server
}

// DiffTopology computes the set-difference of servers (by address) between old and new.
func DiffTopology(old, new Topology) Diff {
	var diff Diff

	oldIdx := make(map[address.Address]struct{}, len(old.Servers))
	for _, s := range old.Servers {
		oldIdx[s.Addr] = struct{}{}
	}
	newIdx := make(map[address.Address]struct{}, len(new.Servers))
	for _, s := range new.Servers {
		newIdx[s.Addr] = struct{}{}
	}

	for _, s := range new.Servers {
		if _, ok := oldIdx[s.Addr]; !ok {
			diff.Added = append(diff.Added, s)
		}
	}
	for _, s := range old.Servers {
		if _, ok := newIdx[s.Addr]; !ok {
			diff.Removed = append(diff.Removed, s)
		}
	}
	return diff
}
