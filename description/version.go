// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "fmt"

// TopologyVersion represents a MongoDB server's topologyVersion, a (processId, counter) tuple the
// server bumps every time its own state changes. Streaming "hello" monitoring uses it to detect
// whether an awaited response actually reflects new information.
type TopologyVersion struct {
	ProcessID string
	Counter   int64
}

// CompareToIncoming compares tv (the description currently stored) to an incoming TopologyVersion.
// It returns:
//
//	 1 if tv is newer than incoming (incoming should be ignored)
//	 0 if they're equal
//	-1 if incoming is newer than tv
//
// A nil on either side (no topologyVersion reported) is treated as "older than anything", mirroring
// the real driver: we can never prove staleness without a topologyVersion, so we always accept the
// update.
func (tv *TopologyVersion) CompareToIncoming(incoming *TopologyVersion) int {
	if tv == nil || incoming == nil {
		return -1
	}
	if tv.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case tv.Counter > incoming.Counter:
		return 1
	case tv.Counter < incoming.Counter:
		return -1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (tv TopologyVersion) String() string {
	return fmt.Sprintf("{ProcessID: %s, Counter: %d}", tv.ProcessID, tv.Counter)
}

// CompareTopologyVersion compares two possibly-nil TopologyVersions. See
// TopologyVersion.CompareToIncoming for the semantics; this is the free-function form used where
// neither side is obviously "the stored one".
func CompareTopologyVersion(current, incoming *TopologyVersion) int {
	return current.CompareToIncoming(incoming)
}

// WireRange is the inclusive [Min, Max] wire protocol version a server supports.
type WireRange struct {
	Min int32
	Max int32
}

// Supports reports whether the inclusive range [driverMin, driverMax] the driver supports
// overlaps wr at all.
func (wr WireRange) Supports(driverMin, driverMax int32) bool {
	return wr.Max >= driverMin && wr.Min <= driverMax
}

// Empty reports whether wr carries no information (a server that has never been contacted).
func (wr WireRange) Empty() bool {
	return wr.Min == 0 && wr.Max == 0
}

// SupportedWireRange is the inclusive wire version range this driver build supports. A server
// whose own [MinWireVersion, MaxWireVersion] shares no overlap with it is incompatible and must be
// reported to the caller instead of selected.
var SupportedWireRange = WireRange{Min: 6, Max: 21}
