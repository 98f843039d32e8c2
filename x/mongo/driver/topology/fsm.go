// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

// fsm implements the SDAM server-discovery state machine: given the description.Topology
// currently believed and one freshly observed description.Server, it computes the next
// description.Topology. It embeds description.Topology so callers read fsm.Kind, fsm.Servers, and
// so on directly, and fsm.Topology names the embedded snapshot itself.
type fsm struct {
	description.Topology
}

func newFSM() *fsm {
	return &fsm{}
}

// findServer returns the index of addr within fsm.Servers, if present.
func (f *fsm) findServer(addr address.Address) (int, bool) {
	return findServerIn(f.Servers, addr)
}

func findServerIn(servers []description.Server, addr address.Address) (int, bool) {
	for i, s := range servers {
		if s.Addr == addr {
			return i, true
		}
	}
	return -1, false
}

// addServer appends a freshly discovered, as-yet-unprobed server at addr.
func (f *fsm) addServer(addr address.Address) {
	if _, ok := f.findServer(addr); ok {
		return
	}
	f.Servers = append(f.Servers, description.NewDefaultServer(addr))
}

// removeServerByAddr drops addr from fsm.Servers, used when SRV polling or primary membership
// reconciliation determines a host is no longer part of the deployment.
func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.Servers = removeAt(f.Servers, i)
	}
}

// apply folds one new server description into the topology and returns the resulting
// description.Topology together with the description.Server that should actually be stored for
// that server (which may differ from the input — e.g. a stale primary is downgraded to Unknown).
// Every applyTo* helper below returns the complete post-update server slice; f.Servers is written
// exactly once, here, to avoid the slice-aliasing trap of a helper mutating its own copy of the
// slice header while the caller keeps the stale one.
func (f *fsm) apply(desc description.Server) (description.Topology, description.Server) {
	index, ok := f.findServer(desc.Addr)
	if !ok {
		// The server was removed from the topology (e.g. no longer listed by the primary) between
		// the probe starting and finishing; the description is accepted but not stored anywhere.
		return f.Topology, desc
	}

	servers := make([]description.Server, len(f.Servers))
	copy(servers, f.Servers)

	switch f.Kind {
	case description.TopologyUnknown:
		servers = f.applyToUnknown(desc, servers, index)
	case description.Sharded:
		servers = f.applyToSharded(desc, servers, index)
	case description.ReplicaSetNoPrimary:
		servers = f.applyToReplicaSetNoPrimary(desc, servers, index)
	case description.ReplicaSetWithPrimary:
		servers = f.applyToReplicaSetWithPrimary(desc, servers, index)
	case description.Single, description.LoadBalanced:
		servers[index] = desc
	}

	f.Topology = f.Topology.WithServers(servers)
	f.Compatible, f.CompatibilityErr = checkCompatible(f.Servers)

	stored := desc
	if i, ok := findServerIn(f.Servers, desc.Addr); ok {
		stored = f.Servers[i]
	}
	return f.Topology, stored
}

func (f *fsm) applyToUnknown(desc description.Server, servers []description.Server, index int) []description.Server {
	switch desc.Kind {
	case description.Standalone:
		return f.updateUnknownWithStandalone(desc, servers, index)
	case description.Mongos:
		f.Kind = description.Sharded
		servers[index] = desc
		return servers
	case description.RSPrimary:
		return f.updateRSFromPrimary(desc, servers, index)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.Kind = description.ReplicaSetNoPrimary
		return f.updateRSWithoutPrimary(desc, servers, index)
	case description.LoadBalancer:
		f.Kind = description.LoadBalanced
		servers[index] = desc
		return servers
	default: // Unknown, RSGhost
		servers[index] = desc
		return servers
	}
}

func (f *fsm) applyToSharded(desc description.Server, servers []description.Server, index int) []description.Server {
	switch desc.Kind {
	case description.Unknown, description.Mongos:
		servers[index] = desc
	default:
		// Any non-mongos, non-unknown report from a server already believed to be part of a
		// sharded cluster is discarded: a single deployment cannot mix mongos and replica-set
		// members.
		servers[index] = description.NewDefaultServer(desc.Addr)
	}
	return servers
}

func (f *fsm) applyToReplicaSetNoPrimary(desc description.Server, servers []description.Server, index int) []description.Server {
	switch desc.Kind {
	case description.Standalone, description.Mongos:
		return removeAt(servers, index)
	case description.RSPrimary:
		return f.updateRSFromPrimary(desc, servers, index)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		return f.updateRSWithoutPrimary(desc, servers, index)
	default:
		servers[index] = desc
		return servers
	}
}

func (f *fsm) applyToReplicaSetWithPrimary(desc description.Server, servers []description.Server, index int) []description.Server {
	switch desc.Kind {
	case description.Standalone, description.Mongos:
		servers = removeAt(servers, index)
		f.checkIfHasPrimary(servers)
		return servers
	case description.RSPrimary:
		return f.updateRSFromPrimary(desc, servers, index)
	default: // RSSecondary, RSArbiter, RSOther, Unknown, RSGhost
		servers[index] = desc
		f.checkIfHasPrimary(servers)
		return servers
	}
}

// updateRSFromPrimary applies a report from a server claiming to be RSPrimary: stale-primary
// rejection via the (setVersion, electionId) monotonic tuple, primary uniqueness (any other
// server currently marked RSPrimary is demoted to Unknown), and host-list membership
// reconciliation (servers the primary doesn't list are dropped, servers it lists that we don't
// know about yet are added as Unknown).
func (f *fsm) updateRSFromPrimary(desc description.Server, servers []description.Server, index int) []description.Server {
	if f.SetName == "" {
		f.SetName = desc.SetName
	} else if f.SetName != desc.SetName {
		// A primary reporting a different replica set name than the one we're tracking is not part
		// of this deployment; ignore it entirely.
		servers[index] = description.NewDefaultServer(desc.Addr)
		f.checkIfHasPrimary(servers)
		return servers
	}

	if isStalePrimary(f.MaxSetVersion, f.MaxElectionID, desc.SetVersion, desc.ElectionID) {
		servers[index] = description.NewDefaultServer(desc.Addr)
		f.checkIfHasPrimary(servers)
		return servers
	}

	if desc.SetVersion != nil && !desc.ElectionID.IsZero() {
		f.MaxSetVersion = desc.SetVersion
		f.MaxElectionID = desc.ElectionID
	}

	// Demote any other server currently believed to be primary; there can be only one.
	for i, s := range servers {
		if i == index {
			continue
		}
		if s.Kind == description.RSPrimary {
			servers[i] = description.NewDefaultServer(s.Addr)
		}
	}
	servers[index] = desc

	// Reconcile membership against the primary's host list: add any host it names that we don't
	// already track, and drop any host we track that it no longer names.
	hosts := make(map[address.Address]struct{}, len(desc.Hosts)+len(desc.Passives)+len(desc.Arbiters))
	for _, group := range [][]string{desc.Hosts, desc.Passives, desc.Arbiters} {
		for _, h := range group {
			hosts[address.Address(h).Canonicalize()] = struct{}{}
		}
	}

	var kept []description.Server
	if len(hosts) == 0 {
		kept = servers
	} else {
		for _, s := range servers {
			if _, ok := hosts[s.Addr]; ok {
				kept = append(kept, s)
			}
		}
		for h := range hosts {
			if _, ok := findServerIn(kept, h); !ok {
				kept = append(kept, description.NewDefaultServer(h))
			}
		}
	}

	f.Kind = description.ReplicaSetWithPrimary
	return kept
}

func (f *fsm) updateRSWithoutPrimary(desc description.Server, servers []description.Server, index int) []description.Server {
	if f.SetName == "" {
		f.SetName = desc.SetName
	} else if f.SetName != desc.SetName {
		return removeAt(servers, index)
	}

	servers[index] = desc

	for _, h := range desc.Hosts {
		addr := address.Address(h).Canonicalize()
		if _, ok := findServerIn(servers, addr); !ok {
			servers = append(servers, description.NewDefaultServer(addr))
		}
	}
	return servers
}

func (f *fsm) updateUnknownWithStandalone(desc description.Server, servers []description.Server, index int) []description.Server {
	if len(servers) == 1 {
		f.Kind = description.Single
		servers[index] = desc
		return servers
	}
	// A standalone reporting alongside other seeds in a multi-host topology cannot be part of that
	// deployment; reset it to an Unknown description instead of believing it.
	servers[index] = description.NewDefaultServer(desc.Addr)
	return servers
}

func (f *fsm) checkIfHasPrimary(servers []description.Server) {
	for _, s := range servers {
		if s.Kind == description.RSPrimary {
			f.Kind = description.ReplicaSetWithPrimary
			return
		}
	}
	f.Kind = description.ReplicaSetNoPrimary
}

// isStalePrimary reports whether an incoming primary's (setVersion, electionId) pair is older
// than the most recent pair this topology has already observed. Per the SDAM spec, a primary
// lacking either value entirely is never considered stale (pre-3.6 deployments don't report
// electionId); once both max values are known, an incoming primary with a lower setVersion, or an
// equal setVersion but an older electionId, is rejected and downgraded to Unknown instead of
// being believed.
func isStalePrimary(maxSetVersion *int64, maxElectionID primitive.ObjectID, incomingSetVersion *int64, incomingElectionID primitive.ObjectID) bool {
	if incomingSetVersion == nil || incomingElectionID.IsZero() {
		return false
	}
	if maxSetVersion == nil || maxElectionID.IsZero() {
		return false
	}
	if *incomingSetVersion < *maxSetVersion {
		return true
	}
	if *incomingSetVersion == *maxSetVersion && incomingElectionID.Compare(maxElectionID) < 0 {
		return true
	}
	return false
}

func removeAt(servers []description.Server, index int) []description.Server {
	out := make([]description.Server, 0, len(servers)-1)
	out = append(out, servers[:index]...)
	out = append(out, servers[index+1:]...)
	return out
}

// checkCompatible reports whether every server of known kind (Unknown servers are skipped) has a
// reported wire version range that
// overlaps description.SupportedWireRange, and if not, a human-readable CompatibilityErr
// explaining which server and range is the problem.
func checkCompatible(servers []description.Server) (bool, error) {
	for _, s := range servers {
		if s.Kind == description.Unknown {
			continue
		}
		wr := description.WireRange{Min: s.MinWireVersion, Max: s.MaxWireVersion}
		if wr.Empty() {
			continue
		}
		if !wr.Supports(description.SupportedWireRange.Min, description.SupportedWireRange.Max) {
			return false, fmt.Errorf(
				"server at %s reports wire version range [%d, %d], incompatible with driver range [%d, %d]",
				s.Addr, s.MinWireVersion, s.MaxWireVersion,
				description.SupportedWireRange.Min, description.SupportedWireRange.Max,
			)
		}
	}
	return true, nil
}
