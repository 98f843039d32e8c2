// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
)

// defaultLatencyWindow is the width of the "latency window" a server's RTT must fall within,
// relative to the fastest candidate, to remain eligible. 15ms matches the real driver's
// localThresholdMS default.
const defaultLatencyWindow = 15 * time.Millisecond

// OperationCount implements description.OperationCounter by reading the live in-flight count off
// whichever Server is currently registered at addr. A server that has since been removed from the
// Topology (e.g. dropped by SRV polling mid-selection) reports zero rather than erroring; if it
// then wins the tie-break, SelectServer's lookup of it fails and selection runs again.
func (t *Topology) OperationCount(addr address.Address) int64 {
	t.serversLock.Lock()
	s, ok := t.servers[addr]
	t.serversLock.Unlock()
	if !ok {
		return 0
	}
	return s.OperationCount()
}

// BuildSelector composes a caller-supplied selector (typically a description.ReadPreference or
// description.WriteSelector) with the two stages every operation's candidate list passes through
// afterward: a latency window that discards servers slower than defaultLatencyWindow behind the
// fastest candidate, then MinimumOperationCount, which keeps whichever remaining servers have the
// fewest in-flight operations. Composing them this way means a caller only ever writes the part of the selector that
// is specific to their operation.
func (t *Topology) BuildSelector(base description.ServerSelector) description.ServerSelector {
	return &description.CompositeSelector{
		Selectors: []description.ServerSelector{
			base,
			&description.LatencyMinimizing{Acceptable: defaultLatencyWindow},
			&description.MinimumOperationCount{Snapshot: t},
		},
	}
}

// SelectedServerConnection checks a connection out of sel's pool, having first incremented its
// live operation count (so a concurrent selection's MinimumOperationCount stage sees this
// operation as in flight) and arranging for it to be decremented when the connection returned here
// is checked back in.
func (sel *SelectedServer) SelectedServerConnection(ctx context.Context) (*connection, error) {
	sel.Server.IncrementOperationCount()
	conn, err := sel.Server.Connection(ctx)
	if err != nil {
		sel.Server.DecrementOperationCount()
		return nil, err
	}
	return conn, nil
}

// SelectedServerConnectionCheckIn returns conn to sel's pool and decrements the operation count
// incremented by the matching SelectedServerConnection call.
func (sel *SelectedServer) SelectedServerConnectionCheckIn(conn *connection) {
	sel.Server.ConnectionCheckIn(conn)
	sel.Server.DecrementOperationCount()
}
