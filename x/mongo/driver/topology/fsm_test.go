// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/primitive"
)

func newObjectID(t *testing.T, b byte) primitive.ObjectID {
	t.Helper()
	var id primitive.ObjectID
	id[11] = b
	return id
}

func TestFSM_ElectsPrimaryFromUnknown(t *testing.T) {
	f := newFSM()
	addrA := address.Address("a:27017").Canonicalize()
	addrB := address.Address("b:27017").Canonicalize()
	f.Servers = []description.Server{
		description.NewDefaultServer(addrA),
		description.NewDefaultServer(addrB),
	}
	f.Kind = description.ReplicaSetNoPrimary
	f.SetName = "rs0"

	setVersion := int64(1)
	primaryDesc := description.Server{
		Addr: addrA, Kind: description.RSPrimary, State: description.Connected,
		SetName: "rs0", SetVersion: &setVersion, ElectionID: newObjectID(t, 1),
		Hosts: []string{"a:27017", "b:27017"},
	}

	current, stored := f.apply(primaryDesc)
	if current.Kind != description.ReplicaSetWithPrimary {
		t.Fatalf("Kind = %s, want ReplicaSetWithPrimary", current.Kind)
	}
	if stored.Kind != description.RSPrimary {
		t.Fatalf("stored.Kind = %s, want RSPrimary", stored.Kind)
	}
	if _, ok := current.Primary(); !ok {
		t.Fatal("expected a primary in the resulting topology")
	}
}

// TestFSM_StepDownDemotesUniquely covers scenario S1: a new primary election causes the
// previously-believed primary to be demoted to Unknown rather than tolerating two primaries.
func TestFSM_StepDownDemotesUniquely(t *testing.T) {
	f := newFSM()
	addrA := address.Address("a:27017").Canonicalize()
	addrB := address.Address("b:27017").Canonicalize()
	sv1 := int64(1)
	f.Kind = description.ReplicaSetWithPrimary
	f.SetName = "rs0"
	f.MaxSetVersion = &sv1
	f.MaxElectionID = newObjectID(t, 1)
	f.Servers = []description.Server{
		{Addr: addrA, Kind: description.RSPrimary, State: description.Connected, SetName: "rs0", SetVersion: &sv1, ElectionID: newObjectID(t, 1), Hosts: []string{"a:27017", "b:27017"}},
		{Addr: addrB, Kind: description.RSSecondary, State: description.Connected, SetName: "rs0", Hosts: []string{"a:27017", "b:27017"}},
	}

	sv2 := int64(2)
	newPrimary := description.Server{
		Addr: addrB, Kind: description.RSPrimary, State: description.Connected,
		SetName: "rs0", SetVersion: &sv2, ElectionID: newObjectID(t, 2),
		Hosts: []string{"a:27017", "b:27017"},
	}

	current, stored := f.apply(newPrimary)
	if stored.Kind != description.RSPrimary {
		t.Fatalf("stored.Kind = %s, want RSPrimary", stored.Kind)
	}
	oldPrimary, _ := current.Server(addrA)
	if oldPrimary.Kind == description.RSPrimary {
		t.Fatal("old primary should have been demoted once a new primary with a higher election tuple was observed")
	}
}

// TestFSM_RejectsStalePrimary covers scenario S2: a primary reporting an older
// (setVersion, electionId) than one already observed is rejected and downgraded to Unknown instead
// of being believed, so a partitioned ex-primary can't resurrect itself as primary.
func TestFSM_RejectsStalePrimary(t *testing.T) {
	f := newFSM()
	addrA := address.Address("a:27017").Canonicalize()
	addrB := address.Address("b:27017").Canonicalize()
	sv2 := int64(2)
	f.Kind = description.ReplicaSetWithPrimary
	f.SetName = "rs0"
	f.MaxSetVersion = &sv2
	f.MaxElectionID = newObjectID(t, 2)
	f.Servers = []description.Server{
		{Addr: addrA, Kind: description.RSSecondary, State: description.Connected, SetName: "rs0", Hosts: []string{"a:27017", "b:27017"}},
		{Addr: addrB, Kind: description.RSPrimary, State: description.Connected, SetName: "rs0", SetVersion: &sv2, ElectionID: newObjectID(t, 2), Hosts: []string{"a:27017", "b:27017"}},
	}

	sv1 := int64(1)
	stalePrimary := description.Server{
		Addr: addrA, Kind: description.RSPrimary, State: description.Connected,
		SetName: "rs0", SetVersion: &sv1, ElectionID: newObjectID(t, 1),
		Hosts: []string{"a:27017", "b:27017"},
	}

	current, stored := f.apply(stalePrimary)
	if stored.Kind != description.Unknown {
		t.Fatalf("stored.Kind = %s, want Unknown (stale primary must be rejected)", stored.Kind)
	}
	currentPrimary, ok := current.Primary()
	if !ok || currentPrimary.Addr != addrB {
		t.Fatal("the real, non-stale primary must remain primary after a stale primary report")
	}
}

func TestFSM_HostListReconciliationDropsUnlistedMember(t *testing.T) {
	f := newFSM()
	addrA := address.Address("a:27017").Canonicalize()
	addrB := address.Address("b:27017").Canonicalize()
	addrC := address.Address("c:27017").Canonicalize()
	f.Kind = description.ReplicaSetNoPrimary
	f.SetName = "rs0"
	f.Servers = []description.Server{
		description.NewDefaultServer(addrA),
		description.NewDefaultServer(addrB),
		description.NewDefaultServer(addrC),
	}

	sv := int64(1)
	primaryDesc := description.Server{
		Addr: addrA, Kind: description.RSPrimary, State: description.Connected,
		SetName: "rs0", SetVersion: &sv, ElectionID: newObjectID(t, 1),
		Hosts: []string{"a:27017", "b:27017"}, // c is no longer a member
	}

	current, _ := f.apply(primaryDesc)
	if _, ok := current.Server(addrC); ok {
		t.Fatal("a host dropped from the primary's host list must be removed from the topology")
	}
	if _, ok := current.Server(addrB); !ok {
		t.Fatal("a host still listed by the primary must remain in the topology")
	}
}

func TestFSM_StandaloneAloneBecomesSingle(t *testing.T) {
	f := newFSM()
	addr := address.Address("a:27017").Canonicalize()
	f.Servers = []description.Server{description.NewDefaultServer(addr)}

	current, stored := f.apply(description.Server{Addr: addr, Kind: description.Standalone, State: description.Connected})
	if current.Kind != description.Single {
		t.Fatalf("Kind = %s, want Single", current.Kind)
	}
	if stored.Kind != description.Standalone {
		t.Fatalf("stored.Kind = %s, want Standalone", stored.Kind)
	}
}

func TestFSM_CheckCompatibleFlagsWireVersionMismatch(t *testing.T) {
	servers := []description.Server{
		{Addr: "a:27017", Kind: description.Standalone, MinWireVersion: 0, MaxWireVersion: 3},
	}
	ok, err := checkCompatible(servers)
	if ok || err == nil {
		t.Fatal("expected incompatibility for a server whose wire range predates SupportedWireRange")
	}
}
