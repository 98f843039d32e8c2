// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"

	"github.com/mongosdam/mongo-core-driver/address"
)

func serverOpts(addr address.Address, kind ServerKind, rtt time.Duration, tags TagSet) Server {
	return Server{Addr: addr, Kind: kind, State: Connected, AverageRTT: rtt, AverageRTTSet: true, Tags: tags}
}

func TestWriteSelector_SingleAlwaysWritable(t *testing.T) {
	s := Server{Addr: "a:27017", Kind: Standalone, State: Connected}
	topo := Topology{Kind: Single, Servers: []Server{s}}

	got, err := WriteSelector.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if diff := cmp.Diff([]Server{s}, got); diff != "" {
		t.Fatalf("WriteSelector mismatch (-want +got):\n%s\nfull candidate dump:\n%s", diff, spew.Sdump(topo))
	}
}

func TestWriteSelector_ReplicaSetOnlyPrimary(t *testing.T) {
	primary := Server{Addr: "a:27017", Kind: RSPrimary, State: Connected}
	secondary := Server{Addr: "b:27017", Kind: RSSecondary, State: Connected}
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{primary, secondary}}

	got, err := WriteSelector.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if diff := cmp.Diff([]Server{primary}, got); diff != "" {
		t.Fatalf("WriteSelector mismatch (-want +got):\n%s\ncandidates were:\n%s", diff, spew.Sdump(topo.Servers))
	}
}

func TestReadPreference_TagSetMatching(t *testing.T) {
	east := serverOpts("east:27017", RSSecondary, 5*time.Millisecond, TagSet{"region": "east"})
	west := serverOpts("west:27017", RSSecondary, 5*time.Millisecond, TagSet{"region": "west"})
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{east, west}}

	rp := &ReadPreference{Mode: SecondaryMode, TagSets: []TagSet{{"region": "east"}}}
	got, err := rp.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if diff := cmp.Diff([]Server{east}, got); diff != "" {
		t.Fatalf("tag-filtered selection mismatch (-want +got):\n%s\nall servers:\n%s", diff, spew.Sdump(topo.Servers))
	}
}

func TestLatencyMinimizing_KeepsOnlyServersWithinWindow(t *testing.T) {
	fast := serverOpts("fast:27017", RSSecondary, 2*time.Millisecond, nil)
	slow := serverOpts("slow:27017", RSSecondary, 50*time.Millisecond, nil)
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{fast, slow}}

	lm := &LatencyMinimizing{Acceptable: 15 * time.Millisecond}
	got, err := lm.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if diff := cmp.Diff([]Server{fast}, got); diff != "" {
		t.Fatalf("LatencyMinimizing mismatch (-want +got):\n%s", diff)
	}
}

type constantOperationCounter map[address.Address]int64

func (c constantOperationCounter) OperationCount(addr address.Address) int64 { return c[addr] }

func TestMinimumOperationCount_PrefersIdlestServer(t *testing.T) {
	busy := serverOpts("busy:27017", RSSecondary, time.Millisecond, nil)
	idle := serverOpts("idle:27017", RSSecondary, time.Millisecond, nil)
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{busy, idle}}

	counts := constantOperationCounter{busy.Addr: 9, idle.Addr: 0}
	moc := &MinimumOperationCount{Snapshot: counts}
	got, err := moc.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if len(got) != 1 || got[0].Addr != idle.Addr {
		t.Fatalf("MinimumOperationCount = %s, want the idler server %s\nservers:\n%s",
			spew.Sdump(got), idle.Addr, spew.Sdump(topo.Servers))
	}
}

func TestCompositeSelector_ChainsSurvivorsThroughEachStage(t *testing.T) {
	primaryFast := serverOpts("a:27017", RSPrimary, time.Millisecond, nil)
	secondarySlow := serverOpts("b:27017", RSSecondary, 100*time.Millisecond, nil)
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{primaryFast, secondarySlow}}

	composite := &CompositeSelector{Selectors: []ServerSelector{
		WriteSelector,
		&LatencyMinimizing{Acceptable: 15 * time.Millisecond},
	}}
	got, err := composite.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if diff := cmp.Diff([]Server{primaryFast}, got); diff != "" {
		t.Fatalf("CompositeSelector mismatch (-want +got):\n%s", diff)
	}
}
