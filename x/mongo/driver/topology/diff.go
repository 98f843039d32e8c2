// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import "github.com/mongosdam/mongo-core-driver/description"

// topologyDiff is the set of servers added to or removed from a Topology between two snapshots,
// used to decide which per-server Server goroutines to start or tear down.
type topologyDiff struct {
	Added   []description.Server
	Removed []description.Server
}

func diffTopology(prev, current description.Topology) topologyDiff {
	var diff topologyDiff

	prevSet := make(map[string]struct{}, len(prev.Servers))
	for _, s := range prev.Servers {
		prevSet[string(s.Addr)] = struct{}{}
	}
	currentSet := make(map[string]struct{}, len(current.Servers))
	for _, s := range current.Servers {
		currentSet[string(s.Addr)] = struct{}{}
		if _, ok := prevSet[string(s.Addr)]; !ok {
			diff.Added = append(diff.Added, s)
		}
	}
	for _, s := range prev.Servers {
		if _, ok := currentSet[string(s.Addr)]; !ok {
			diff.Removed = append(diff.Removed, s)
		}
	}
	return diff
}

// hostListDiff is the set of hostnames added to or removed from a seed list between two DNS SRV
// polls.
type hostListDiff struct {
	Added   []string
	Removed []string
}

func diffHostList(topo description.Topology, hosts []string) hostListDiff {
	var diff hostListDiff

	newSet := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		newSet[h] = struct{}{}
	}

	oldSet := make(map[string]struct{}, len(topo.Servers))
	for _, s := range topo.Servers {
		oldSet[string(s.Addr)] = struct{}{}
	}

	for _, h := range hosts {
		if _, ok := oldSet[h]; !ok {
			diff.Added = append(diff.Added, h)
		}
	}
	for _, s := range topo.Servers {
		if _, ok := newSet[string(s.Addr)]; !ok {
			diff.Removed = append(diff.Removed, string(s.Addr))
		}
	}
	return diff
}
