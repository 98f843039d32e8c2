// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package event

// ClusterMonitor is a listener for Topology-level events. Any field may be left nil; a nil field
// is simply skipped during emission.
type ClusterMonitor struct {
	TopologyOpening            func(*TopologyOpeningEvent)
	TopologyClosed             func(*TopologyClosedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
	ServerOpening              func(*ServerOpeningEvent)
	ServerClosed               func(*ServerClosedEvent)
	ServerDescriptionChanged   func(*ServerDescriptionChangedEvent)
}

// ServerMonitor is a listener for a single server's heartbeat events.
type ServerMonitor struct {
	ServerHeartbeatStarted   func(*ServerHeartbeatStartedEvent)
	ServerHeartbeatSucceeded func(*ServerHeartbeatSucceededEvent)
	ServerHeartbeatFailed    func(*ServerHeartbeatFailedEvent)
}

// PoolMonitor is a listener for connection-pool events.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// CommandMonitor is a listener for command-level events.
type CommandMonitor struct {
	Started   func(*CommandStartedEvent)
	Succeeded func(*CommandSucceededEvent)
	Failed    func(*CommandFailedEvent)
}

// ClusterMulticaster fans a Topology event out to a frozen list of ClusterMonitors, in
// registration order. Emission is best-effort: a panicking listener is recovered and otherwise
// ignored so that a bad callback can never break SDAM.
type ClusterMulticaster struct {
	listeners []*ClusterMonitor
	onPanic   func(recovered interface{})
}

// NewClusterMulticaster constructs a multicaster over the given listeners.
func NewClusterMulticaster(onPanic func(interface{}), listeners ...*ClusterMonitor) *ClusterMulticaster {
	return &ClusterMulticaster{listeners: listeners, onPanic: onPanic}
}

func (m *ClusterMulticaster) safe(f func()) {
	defer func() {
		if r := recover(); r != nil && m.onPanic != nil {
			m.onPanic(r)
		}
	}()
	f()
}

// TopologyOpening fans out a TopologyOpeningEvent.
func (m *ClusterMulticaster) TopologyOpening(e *TopologyOpeningEvent) {
	for _, l := range m.listeners {
		if l != nil && l.TopologyOpening != nil {
			l := l
			m.safe(func() { l.TopologyOpening(e) })
		}
	}
}

// TopologyClosed fans out a TopologyClosedEvent.
func (m *ClusterMulticaster) TopologyClosed(e *TopologyClosedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.TopologyClosed != nil {
			l := l
			m.safe(func() { l.TopologyClosed(e) })
		}
	}
}

// TopologyDescriptionChanged fans out a TopologyDescriptionChangedEvent.
func (m *ClusterMulticaster) TopologyDescriptionChanged(e *TopologyDescriptionChangedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.TopologyDescriptionChanged != nil {
			l := l
			m.safe(func() { l.TopologyDescriptionChanged(e) })
		}
	}
}

// ServerOpening fans out a ServerOpeningEvent.
func (m *ClusterMulticaster) ServerOpening(e *ServerOpeningEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerOpening != nil {
			l := l
			m.safe(func() { l.ServerOpening(e) })
		}
	}
}

// ServerClosed fans out a ServerClosedEvent.
func (m *ClusterMulticaster) ServerClosed(e *ServerClosedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerClosed != nil {
			l := l
			m.safe(func() { l.ServerClosed(e) })
		}
	}
}

// ServerDescriptionChanged fans out a ServerDescriptionChangedEvent.
func (m *ClusterMulticaster) ServerDescriptionChanged(e *ServerDescriptionChangedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerDescriptionChanged != nil {
			l := l
			m.safe(func() { l.ServerDescriptionChanged(e) })
		}
	}
}

// PoolMulticaster fans a PoolEvent out to a frozen list of PoolMonitors.
type PoolMulticaster struct {
	listeners []*PoolMonitor
	onPanic   func(interface{})
}

// NewPoolMulticaster constructs a multicaster over the given listeners.
func NewPoolMulticaster(onPanic func(interface{}), listeners ...*PoolMonitor) *PoolMulticaster {
	return &PoolMulticaster{listeners: listeners, onPanic: onPanic}
}

// Event fans out a PoolEvent.
func (m *PoolMulticaster) Event(e *PoolEvent) {
	for _, l := range m.listeners {
		if l == nil || l.Event == nil {
			continue
		}
		l := l
		func() {
			defer func() {
				if r := recover(); r != nil && m.onPanic != nil {
					m.onPanic(r)
				}
			}()
			l.Event(e)
		}()
	}
}

// ServerMulticaster fans heartbeat events out to a frozen list of ServerMonitors.
type ServerMulticaster struct {
	listeners []*ServerMonitor
	onPanic   func(interface{})
}

// NewServerMulticaster constructs a multicaster over the given listeners.
func NewServerMulticaster(onPanic func(interface{}), listeners ...*ServerMonitor) *ServerMulticaster {
	return &ServerMulticaster{listeners: listeners, onPanic: onPanic}
}

func (m *ServerMulticaster) safe(f func()) {
	defer func() {
		if r := recover(); r != nil && m.onPanic != nil {
			m.onPanic(r)
		}
	}()
	f()
}

// HeartbeatStarted fans out a ServerHeartbeatStartedEvent.
func (m *ServerMulticaster) HeartbeatStarted(e *ServerHeartbeatStartedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerHeartbeatStarted != nil {
			l := l
			m.safe(func() { l.ServerHeartbeatStarted(e) })
		}
	}
}

// HeartbeatSucceeded fans out a ServerHeartbeatSucceededEvent.
func (m *ServerMulticaster) HeartbeatSucceeded(e *ServerHeartbeatSucceededEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerHeartbeatSucceeded != nil {
			l := l
			m.safe(func() { l.ServerHeartbeatSucceeded(e) })
		}
	}
}

// HeartbeatFailed fans out a ServerHeartbeatFailedEvent.
func (m *ServerMulticaster) HeartbeatFailed(e *ServerHeartbeatFailedEvent) {
	for _, l := range m.listeners {
		if l != nil && l.ServerHeartbeatFailed != nil {
			l := l
			m.safe(func() { l.ServerHeartbeatFailed(e) })
		}
	}
}
