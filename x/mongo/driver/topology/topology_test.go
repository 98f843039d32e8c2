// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/event"
)

// newBareServer builds a *Server whose description can be read and whose operation counter can be
// incremented, without starting a monitor or a connection pool — enough to drive SelectServer's
// pure selection logic without any real networking.
func newBareServer(addr address.Address, desc description.Server) *Server {
	s := &Server{address: addr, subscribers: make(map[uint64]chan description.Server)}
	s.desc.Store(desc)
	s.connectionstate = serverConnected
	return s
}

func newBareTopology(t *testing.T, topo description.Topology, servers map[address.Address]*Server) *Topology {
	t.Helper()
	cfg, err := newConfig(WithServerSelectionTimeout(200 * time.Millisecond))
	if err != nil {
		t.Fatalf("newConfig: %v", err)
	}
	top := &Topology{
		cfg:         cfg,
		fsm:         newFSM(),
		subscribers: make(map[uint64]chan description.Topology),
		servers:     servers,
		pollingDone: make(chan struct{}),
	}
	top.desc.Store(topo)
	top.connectionstate = topologyConnected
	top.caster = event.NewClusterMulticaster(nil)
	return top
}

func TestTopology_SelectServerFromDescription_WriteSelector(t *testing.T) {
	addrP := address.Address("primary:27017").Canonicalize()
	addrS := address.Address("secondary:27017").Canonicalize()
	topoDesc := description.Topology{
		Kind: description.ReplicaSetWithPrimary,
		Servers: []description.Server{
			{Addr: addrP, Kind: description.RSPrimary, State: description.Connected},
			{Addr: addrS, Kind: description.RSSecondary, State: description.Connected},
		},
	}
	servers := map[address.Address]*Server{
		addrP: newBareServer(addrP, topoDesc.Servers[0]),
		addrS: newBareServer(addrS, topoDesc.Servers[1]),
	}
	top := newBareTopology(t, topoDesc, servers)

	selected, err := top.SelectServer(context.Background(), description.WriteSelector)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if selected.address != addrP {
		t.Fatalf("selected %s, want the primary %s", selected.address, addrP)
	}
}

func TestTopology_SelectServerFromDescription_CompatibilityErrFailsFast(t *testing.T) {
	addr := address.Address("a:27017").Canonicalize()
	topoDesc := description.Topology{
		Kind:             description.Single,
		Servers:          []description.Server{{Addr: addr, Kind: description.Standalone, State: description.Connected}},
		CompatibilityErr: IncompatibleDriverError{},
	}
	top := newBareTopology(t, topoDesc, map[address.Address]*Server{addr: newBareServer(addr, topoDesc.Servers[0])})

	_, err := top.SelectServer(context.Background(), description.WriteSelector)
	if err == nil {
		t.Fatal("expected CompatibilityErr to short-circuit selection")
	}
}

func TestTopology_SelectServerFromDescription_LoadBalancedAlwaysSelectable(t *testing.T) {
	addr := address.Address("lb:27017").Canonicalize()
	// An Unknown-kind server would ordinarily be filtered out of candidates, but LoadBalanced mode
	// must always treat its single server as selectable.
	topoDesc := description.Topology{
		Kind:    description.LoadBalanced,
		Servers: []description.Server{{Addr: addr, Kind: description.Unknown, State: description.Connecting}},
	}
	top := newBareTopology(t, topoDesc, map[address.Address]*Server{addr: newBareServer(addr, topoDesc.Servers[0])})

	selected, err := top.SelectServer(context.Background(), description.WriteSelector)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if selected.address != addr {
		t.Fatalf("selected %s, want %s", selected.address, addr)
	}
}

func TestTopology_SelectServer_TimesOutWhenNothingSuitable(t *testing.T) {
	topoDesc := description.Topology{Kind: description.ReplicaSetNoPrimary}
	top := newBareTopology(t, topoDesc, map[address.Address]*Server{})
	top.cfg.serverSelectionTimeout = 50 * time.Millisecond

	_, err := top.SelectServer(context.Background(), description.WriteSelector)
	if err == nil {
		t.Fatal("expected a server-selection timeout with no primary and no subscription updates")
	}
}

func TestTopology_BuildSelector_PowerOfTwoChoices(t *testing.T) {
	addrA := address.Address("a:27017").Canonicalize()
	addrB := address.Address("b:27017").Canonicalize()
	topoDesc := description.Topology{
		Kind: description.ReplicaSetWithPrimary,
		Servers: []description.Server{
			{Addr: addrA, Kind: description.RSPrimary, State: description.Connected},
			{Addr: addrB, Kind: description.RSSecondary, State: description.Connected},
		},
	}
	sA := newBareServer(addrA, topoDesc.Servers[0])
	sB := newBareServer(addrB, topoDesc.Servers[1])
	top := newBareTopology(t, topoDesc, map[address.Address]*Server{addrA: sA, addrB: sB})

	sA.IncrementOperationCount()
	sA.IncrementOperationCount()

	selector := top.BuildSelector(description.ServerSelectorFunc(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
		return candidates, nil
	}))
	suitable, err := selector.SelectServer(topoDesc, topoDesc.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if len(suitable) != 1 || suitable[0].Addr != addrB {
		t.Fatalf("MinimumOperationCount should have preferred the idler server %s, got %v", addrB, suitable)
	}
}
