// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/mongosdam/mongo-core-driver/primitive"
)

// ClusterClock tracks the highest $clusterTime this process has observed from any server, and the
// highest operationTime, gossiping them forward on every outgoing command so the cluster's
// causally-consistent ordering is preserved even as operations hop between servers.
type ClusterClock struct {
	mu            sync.Mutex
	clusterTime   primitive.Timestamp
	clusterTimeOK bool
	operationTime primitive.Timestamp
	operationTimeOK bool
}

// AdvanceClusterTime retains ts if it is greater than the clock's current cluster time.
func (c *ClusterClock) AdvanceClusterTime(ts primitive.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.clusterTimeOK || ts.Compare(c.clusterTime) > 0 {
		c.clusterTime = ts
		c.clusterTimeOK = true
	}
}

// ClusterTime returns the clock's current cluster time and whether one has ever been observed.
func (c *ClusterClock) ClusterTime() (primitive.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime, c.clusterTimeOK
}

// AdvanceOperationTime retains ts if it is greater than the clock's current operation time.
func (c *ClusterClock) AdvanceOperationTime(ts primitive.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.operationTimeOK || ts.Compare(c.operationTime) > 0 {
		c.operationTime = ts
		c.operationTimeOK = true
	}
}

// OperationTime returns the clock's current operation time and whether one has ever been observed.
func (c *ClusterClock) OperationTime() (primitive.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operationTime, c.operationTimeOK
}
