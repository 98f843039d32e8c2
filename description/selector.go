// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
)

// ServerSelector is a pure function over a ClusterDescription that narrows its Servers down to
// the ones an operation may use. Selectors are composed left-to-right: each one's output becomes
// the candidate pool fed to the next, by way of a synthetic Topology built from the survivors.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a function to the ServerSelector interface.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements the ServerSelector interface.
func (f ServerSelectorFunc) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	return f(t, candidates)
}

// CompositeSelector applies a sequence of ServerSelectors, feeding each one's survivors into the
// next as a synthetic Topology (same metadata, narrowed Servers).
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements the ServerSelector interface.
func (cs *CompositeSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	current := candidates
	for _, sel := range cs.Selectors {
		synthetic := t
		synthetic.Servers = current
		next, err := sel.SelectServer(synthetic, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// WriteSelector selects the server(s) an operation requiring a writable server may use: in Single
// or LoadBalanced mode, the lone server is always writable by definition; otherwise, only
// replica set primaries and mongos routers qualify.
var WriteSelector ServerSelector = ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
	switch t.Kind {
	case Single, LoadBalanced:
		return candidates, nil
	default:
		var out []Server
		for _, s := range candidates {
			if s.Kind == RSPrimary || s.Kind == Mongos {
				out = append(out, s)
			}
		}
		return out, nil
	}
})

// ReadPreferenceMode enumerates the five standard MongoDB read preference modes.
type ReadPreferenceMode uint8

// These constants are the supported read preference modes.
const (
	PrimaryMode ReadPreferenceMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// TagSet is a set of (key, value) tag requirements; every pair must match a server's tags for the
// set to match.
type TagSet map[string]string

// Matches reports whether every tag in ts is present with an equal value in tags. An empty TagSet
// matches everything, including a server with no tags.
func (ts TagSet) Matches(tags map[string]string) bool {
	for k, v := range ts {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// ReadPreference selects servers by read preference mode, falling back through a list of tag sets
// (the first tag set with at least one match wins) and, when MaxStaleness is set on a replica set,
// filtering out servers that have fallen further behind the primary than allowed.
type ReadPreference struct {
	Mode         ReadPreferenceMode
	TagSets      []TagSet
	MaxStaleness time.Duration
}

// SelectServer implements the ServerSelector interface.
func (rp *ReadPreference) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	switch t.Kind {
	case Single, LoadBalanced:
		return candidates, nil
	case Sharded:
		// Read preference is advisory against mongos; any router will do.
		return candidates, nil
	}

	var selected []Server
	switch rp.Mode {
	case PrimaryMode:
		selected = onlyKind(candidates, RSPrimary)
	case PrimaryPreferredMode:
		if p := onlyKind(candidates, RSPrimary); len(p) > 0 {
			selected = p
		} else {
			selected = rp.secondariesWithStaleness(t, candidates)
		}
	case SecondaryMode:
		selected = rp.secondariesWithStaleness(t, candidates)
	case SecondaryPreferredMode:
		if s := rp.secondariesWithStaleness(t, candidates); len(s) > 0 {
			selected = s
		} else {
			selected = onlyKind(candidates, RSPrimary)
		}
	case NearestMode:
		primary := onlyKind(candidates, RSPrimary)
		secondaries := rp.secondariesWithStaleness(t, candidates)
		selected = append(append([]Server{}, primary...), secondaries...)
	}

	return filterByTagSets(selected, rp.TagSets), nil
}

func onlyKind(servers []Server, kind ServerKind) []Server {
	var out []Server
	for _, s := range servers {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (rp *ReadPreference) secondariesWithStaleness(t Topology, candidates []Server) []Server {
	secondaries := onlyKind(candidates, RSSecondary)
	if rp.MaxStaleness <= 0 {
		return secondaries
	}
	primary, hasPrimary := t.Primary()
	var out []Server
	for _, s := range secondaries {
		if !hasPrimary {
			out = append(out, s)
			continue
		}
		if Staleness(s, primary, t.ServerSettings.HeartbeatInterval) <= rp.MaxStaleness {
			out = append(out, s)
		}
	}
	return out
}

// Staleness computes a secondary's staleness relative to the primary, per the formula in the SDAM
// spec: max(secondary.lastWriteDate - primary.lastWriteDate + heartbeatFrequency, heartbeatFrequency).
// Since secondary.lastWriteDate is normally behind primary.lastWriteDate, the difference is
// negative and the result is heartbeatFrequency however wide the gap; the result exceeds
// heartbeatFrequency only when the secondary's lastWriteDate is ahead of the primary's.
func Staleness(secondary, primary Server, heartbeatInterval time.Duration) time.Duration {
	lag := secondary.LastWriteDate.Sub(primary.LastWriteDate) + heartbeatInterval
	if lag < heartbeatInterval {
		return heartbeatInterval
	}
	return lag
}

func filterByTagSets(servers []Server, tagSets []TagSet) []Server {
	if len(tagSets) == 0 {
		return servers
	}
	for _, ts := range tagSets {
		var matched []Server
		for _, s := range servers {
			if ts.Matches(s.Tags) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// ReadPreferenceWithFallback chooses between two read preferences based on whether any connected
// server is older than MinWireVersion: if so, the driver can't trust that server to honor the
// preferred preference's semantics (e.g. maxStalenessSeconds), so it falls back to a more
// conservative preference.
type ReadPreferenceWithFallback struct {
	MinWireVersion int32
	Preferred      *ReadPreference
	Fallback       *ReadPreference
}

// SelectServer implements the ServerSelector interface.
func (rpf *ReadPreferenceWithFallback) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	for _, s := range candidates {
		if s.State == Connected && s.MaxWireVersion < rpf.MinWireVersion {
			return rpf.Fallback.SelectServer(t, candidates)
		}
	}
	return rpf.Preferred.SelectServer(t, candidates)
}

// LatencyMinimizing keeps only the servers whose RTT is within Acceptable of the fastest
// ok-server's RTT. This implements "the latency window".
type LatencyMinimizing struct {
	Acceptable time.Duration
}

// SelectServer implements the ServerSelector interface.
func (lm *LatencyMinimizing) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	var min time.Duration
	first := true
	for _, s := range candidates {
		if !s.OK() {
			continue
		}
		if first || s.AverageRTT < min {
			min = s.AverageRTT
			first = false
		}
	}
	if first {
		return nil, nil
	}

	var out []Server
	for _, s := range candidates {
		if s.OK() && s.AverageRTT-min <= lm.Acceptable {
			out = append(out, s)
		}
	}
	return out, nil
}

// ByServerAddress keeps a single server, identified by address, from the candidate set.
type ByServerAddress struct {
	Addr address.Address
}

// SelectServer implements the ServerSelector interface.
func (sa *ByServerAddress) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	for _, s := range candidates {
		if s.Addr == sa.Addr {
			return []Server{s}, nil
		}
	}
	return nil, nil
}

// OperationCounter reports how many in-flight operations are currently assigned to the server at
// addr. It is implemented by the topology layer's live Server handles and snapshotted atomically
// with a ClusterDescription so MinimumOperationCount compares counts from the same instant.
type OperationCounter interface {
	OperationCount(addr address.Address) int64
}

// MinimumOperationCount narrows candidates to the one(s) whose live Server reports the fewest
// in-flight operations. Every candidate is compared, not a random pair; the selection loop then
// picks at random among the servers left tied at that minimum.
type MinimumOperationCount struct {
	Snapshot OperationCounter
}

// SelectServer implements the ServerSelector interface.
func (m *MinimumOperationCount) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	if m.Snapshot == nil || len(candidates) <= 1 {
		return candidates, nil
	}

	var min int64
	var best []Server
	first := true
	for _, s := range candidates {
		count := m.Snapshot.OperationCount(s.Addr)
		switch {
		case first || count < min:
			min = count
			best = []Server{s}
			first = false
		case count == min:
			best = append(best, s)
		}
	}
	return best, nil
}

// ErrIncompatible is wrapped into a ClusterDescription's CompatibilityErr when no overlap exists
// between the driver's supported wire version range and a server's.
var ErrIncompatible = errors.New("server is incompatible with this driver")
