// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements Server Discovery And Monitoring: it owns one Server per deployment
// member, folds their reported description.Server snapshots into a single description.Topology
// through the fsm state machine, and answers server-selection requests against that snapshot.
package topology

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/event"
	"github.com/mongosdam/mongo-core-driver/internal/randutil"
	"github.com/mongosdam/mongo-core-driver/primitive"
	"github.com/mongosdam/mongo-core-driver/x/mongo/driver/dns"
)

// these constants represent the lifecycle state of a Topology.
const (
	topologyDisconnected int64 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// random is a package-global locked PRNG, used for server-selection tie-breaking and the
// shuffle-then-truncate rule srvMaxHosts applies to newly discovered SRV hosts.
var random = randutil.NewLockedRand(rand.NewSource(time.Now().UnixNano()))

// Topology represents a MongoDB deployment: a set of Servers discovered and monitored per SDAM,
// together with the most recently computed description.Topology summarizing them.
type Topology struct {
	connectionstate int64

	cfg *config

	desc atomic.Value // description.Topology

	dnsResolver dns.Resolver

	pollingRequired   bool
	pollingDone       chan struct{}
	pollingwg         sync.WaitGroup
	rescanSRVInterval time.Duration
	pollHeartbeatTime atomic.Bool

	updateCallback updateTopologyCallback
	fsm            *fsm

	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
	subLock             sync.Mutex

	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	id primitive.ObjectID

	caster *event.ClusterMulticaster
}

type serverSelectionState struct {
	selector    description.ServerSelector
	timeoutChan <-chan time.Time
}

func newServerSelectionState(selector description.ServerSelector, timeoutChan <-chan time.Time) serverSelectionState {
	return serverSelectionState{selector: selector, timeoutChan: timeoutChan}
}

// New constructs a Topology from opts. Connect must be called before it is usable.
func New(opts ...Option) (*Topology, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	t := &Topology{
		cfg:               cfg,
		pollingDone:       make(chan struct{}),
		rescanSRVInterval: 60 * time.Second,
		fsm:               newFSM(),
		subscribers:       make(map[uint64]chan description.Topology),
		servers:           make(map[address.Address]*Server),
		dnsResolver:       dns.DefaultResolver,
		id:                primitive.NewObjectID(),
	}
	if cfg.clusterMonitor != nil {
		t.caster = event.NewClusterMulticaster(nil, cfg.clusterMonitor)
	} else {
		t.caster = event.NewClusterMulticaster(nil)
	}
	t.desc.Store(description.Topology{})
	t.updateCallback = func(desc description.Server) description.Server {
		return t.apply(context.Background(), desc)
	}

	if cfg.uri != "" {
		t.pollingRequired = strings.HasPrefix(cfg.uri, "mongodb+srv://") && !cfg.loadBalanced
	}

	t.caster.TopologyOpening(&event.TopologyOpeningEvent{TopologyID: t.id})

	return t, nil
}

// Connect initializes the Topology's starting description from its seed list and starts every
// Server's background monitor. It must be called exactly once before SelectServer is usable.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt64(&t.connectionstate, topologyDisconnected, topologyConnecting) {
		return ErrTopologyConnected
	}

	t.desc.Store(description.Topology{})
	t.serversLock.Lock()

	// A replica set name sets the initial topology kind to ReplicaSetNoPrimary unless a direct
	// connection is also specified, in which case the initial kind is Single.
	if t.cfg.replicaSetName != "" {
		t.fsm.SetName = t.cfg.replicaSetName
		t.fsm.Kind = description.ReplicaSetNoPrimary
	}
	if t.cfg.mode == SingleMode {
		t.fsm.Kind = description.Single
	}

	for _, h := range t.cfg.seedList {
		addr := address.Address(h).Canonicalize()
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(addr))
	}

	var err error
	switch {
	case t.cfg.loadBalanced:
		// In LoadBalanced mode there is no monitoring at all: the single seed is always treated as
		// selectable, so we mock the Unknown -> LoadBalanced transition directly instead of waiting
		// for a heartbeat that will never come.
		t.fsm.Kind = description.LoadBalanced
		oldTopo := t.fsm.Topology
		addr := address.Address(t.cfg.seedList[0]).Canonicalize()
		lbDesc := description.Server{Addr: addr, Kind: description.LoadBalancer, State: description.Connected}
		t.fsm.Servers = []description.Server{lbDesc}
		t.desc.Store(t.fsm.Topology)
		t.caster.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
			TopologyID: t.id, PreviousDescription: oldTopo, NewDescription: t.fsm.Topology,
		})
		err = t.addServer(addr)
	default:
		oldTopo := description.Topology{}
		newDesc := t.fsm.Topology.WithServers(t.fsm.Servers)
		t.fsm.Topology = newDesc
		t.desc.Store(newDesc)
		t.caster.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
			TopologyID: t.id, PreviousDescription: oldTopo, NewDescription: newDesc,
		})
		for _, h := range t.cfg.seedList {
			addr := address.Address(h).Canonicalize()
			if err = t.addServer(addr); err != nil {
				break
			}
		}
	}

	t.serversLock.Unlock()
	if err != nil {
		atomic.StoreInt64(&t.connectionstate, topologyDisconnected)
		return err
	}

	if t.pollingRequired {
		t.pollingwg.Add(1)
		go t.pollSRVRecords()
	}

	t.subscriptionsClosed = false
	atomic.StoreInt64(&t.connectionstate, topologyConnected)
	return nil
}

// Disconnect stops every Server's monitor, closes every connection pool, and closes all open
// subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&t.connectionstate, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}

	servers := make(map[address.Address]*Server)
	t.serversLock.Lock()
	t.serversClosed = true
	for addr, s := range t.servers {
		servers[addr] = s
	}
	t.serversLock.Unlock()

	for addr, s := range servers {
		_ = s.Disconnect(ctx)
		t.caster.ServerClosed(&event.ServerClosedEvent{TopologyID: t.id, Address: addr})
	}

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	if t.pollingRequired {
		close(t.pollingDone)
		t.pollingwg.Wait()
	}

	t.desc.Store(description.Topology{})
	atomic.StoreInt64(&t.connectionstate, topologyDisconnected)
	t.caster.TopologyClosed(&event.TopologyClosedEvent{TopologyID: t.id})
	return nil
}

// Description returns the most recently computed description.Topology.
func (t *Topology) Description() description.Topology {
	desc, _ := t.desc.Load().(description.Topology)
	return desc
}

// Kind returns the current TopologyKind.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// TopologySubscription is a live feed of description.Topology snapshots.
type TopologySubscription struct {
	C  <-chan description.Topology
	t  *Topology
	id uint64
}

// Subscribe returns a feed of every description.Topology this Topology publishes from now on,
// pre-populated with the current snapshot.
func (t *Topology) Subscribe() (*TopologySubscription, error) {
	if atomic.LoadInt64(&t.connectionstate) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &TopologySubscription{C: ch, t: t, id: id}, nil
}

// Unsubscribe detaches ts and closes its channel.
func (ts *TopologySubscription) Unsubscribe() error {
	ts.t.subLock.Lock()
	defer ts.t.subLock.Unlock()
	if ts.t.subscriptionsClosed {
		return nil
	}
	ch, ok := ts.t.subscribers[ts.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(ts.t.subscribers, ts.id)
	return nil
}

// RequestImmediateCheck asks every Server's monitor to probe now instead of waiting out its
// heartbeat interval.
func (t *Topology) RequestImmediateCheck() {
	if atomic.LoadInt64(&t.connectionstate) != topologyConnected {
		return
	}
	t.serversLock.Lock()
	for _, s := range t.servers {
		s.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// SelectedServer is a Server paired with the TopologyKind it was selected under, matching what
// some selectors (e.g. ones that special-case Single mode) need to know at checkout time.
type SelectedServer struct {
	*Server
	Kind description.TopologyKind
}

// SelectServer blocks until ss selects at least one server out of the current (or a subsequently
// published) description.Topology, or ctx/the configured server-selection timeout expires.
func (t *Topology) SelectServer(ctx context.Context, ss description.ServerSelector) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.connectionstate) != topologyConnected {
		return nil, ErrTopologyClosed
	}

	var timeoutCh <-chan time.Time
	if t.cfg.serverSelectionTimeout > 0 {
		timer := time.NewTimer(t.cfg.serverSelectionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	state := newServerSelectionState(ss, timeoutCh)

	var doneOnce bool
	var sub *TopologySubscription
	for {
		var suitable []description.Server
		var err error

		if !doneOnce {
			// The first pass tries the already-published description; this is the common case where
			// the topology is stable and a suitable server is already known.
			suitable, err = t.selectServerFromDescription(t.Description(), state)
			doneOnce = true
		} else {
			if sub == nil {
				sub, err = t.Subscribe()
				if err != nil {
					return nil, err
				}
				defer sub.Unsubscribe()
			}
			suitable, err = t.selectServerFromSubscription(ctx, sub.C, state)
		}
		if err != nil {
			return nil, err
		}
		if len(suitable) == 0 {
			continue
		}

		selected := suitable[random.Intn(len(suitable))]
		found, err := t.findServer(selected)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
		// The chosen server vanished from t.servers between selection and lookup (e.g. SRV polling
		// dropped it); loop around and select again from fresher state.
	}
}

func (t *Topology) findServer(selected description.Server) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.connectionstate) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	s, ok := t.servers[selected.Addr]
	if !ok {
		return nil, nil
	}
	return &SelectedServer{Server: s, Kind: t.Description().Kind}, nil
}

// selectServerFromSubscription blocks on sub until a published description.Topology contains a
// suitable server, or ctx/the selection timeout expires.
func (t *Topology) selectServerFromSubscription(ctx context.Context, sub <-chan description.Topology, state serverSelectionState) ([]description.Server, error) {
	current := t.Description()
	for {
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case <-state.timeoutChan:
			return nil, ServerSelectionError{Wrapped: ErrServerSelectionTimeout, Desc: current}
		case current = <-sub:
		}

		suitable, err := t.selectServerFromDescription(current, state)
		if err != nil {
			return nil, err
		}
		if len(suitable) > 0 {
			return suitable, nil
		}
		// Nothing suitable in this snapshot; nudge every server's monitor so the next update, if
		// any, arrives sooner rather than waiting out a full heartbeat interval.
		t.RequestImmediateCheck()
	}
}

// selectServerFromDescription is the pure, non-blocking half of selection: run the selector over
// one snapshot and return its survivors.
func (t *Topology) selectServerFromDescription(desc description.Topology, state serverSelectionState) ([]description.Server, error) {
	if desc.CompatibilityErr != nil {
		return nil, desc.CompatibilityErr
	}

	// A load balancer is always selectable on its own; custom selectors should never be asked to
	// filter it out.
	if desc.Kind == description.LoadBalanced {
		return desc.Servers, nil
	}

	var candidates []description.Server
	for _, s := range desc.Servers {
		if s.Kind != description.Unknown {
			candidates = append(candidates, s)
		}
	}

	suitable, err := state.selector.SelectServer(desc, candidates)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

// apply folds desc into the fsm, publishes the results, and starts/stops Server goroutines for
// whatever membership changed. It is the Server.updateTopologyCallback every Server in this
// Topology is wired to, so every description any Server ever produces passes through here first.
func (t *Topology) apply(ctx context.Context, desc description.Server) description.Server {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()

	_, ok := t.fsm.findServer(desc.Addr)
	if t.serversClosed || !ok {
		return desc
	}

	prevTopo := t.fsm.Topology
	oldDesc, _ := t.fsm.Server(desc.Addr)

	// A description whose topologyVersion is older than the one already on file for this server is
	// stale — e.g. two concurrent heartbeats raced and the earlier one is still in flight — and is
	// discarded outright rather than folded into the fsm.
	if oldDesc.TopologyVersion.CompareToIncoming(desc.TopologyVersion) > 0 {
		return oldDesc
	}

	current, stored := t.fsm.apply(desc)

	if !oldDesc.Equal(stored) {
		t.caster.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
			TopologyID: t.id, Address: desc.Addr, PreviousDescription: oldDesc, NewDescription: stored,
		})
	}

	diff := diffTopology(prevTopo, current)
	for _, removed := range diff.Removed {
		if s, ok := t.servers[removed.Addr]; ok {
			go func(s *Server) {
				cancelCtx, cancel := context.WithCancel(ctx)
				cancel()
				_ = s.Disconnect(cancelCtx)
			}(s)
			delete(t.servers, removed.Addr)
			t.caster.ServerClosed(&event.ServerClosedEvent{TopologyID: t.id, Address: removed.Addr})
		}
	}
	for _, added := range diff.Added {
		_ = t.addServer(added.Addr)
	}

	t.desc.Store(current)
	if !prevTopo.Equal(current) {
		t.caster.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
			TopologyID: t.id, PreviousDescription: prevTopo, NewDescription: current,
		})
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- current
	}
	t.subLock.Unlock()

	return stored
}

// addServer starts a Server for addr and registers it, unless one is already registered. Callers
// must hold serversLock.
func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	s, err := NewServer(addr, t.cfg.serverConfig())
	if err != nil {
		return err
	}
	if err := s.Connect(t.updateCallback); err != nil {
		return err
	}

	t.servers[addr] = s
	t.caster.ServerOpening(&event.ServerOpeningEvent{TopologyID: t.id, Address: addr})
	return nil
}

// pollSRVRecords periodically re-resolves the seed list's SRV record (for mongodb+srv:// URIs,
// outside LoadBalanced mode) and reconciles the Topology's membership with the result. Polling
// switches to heartbeatInterval while DNS resolution is failing and returns to rescanSRVInterval
// once it succeeds again, per the teacher's rate adjustment.
func (t *Topology) pollSRVRecords() {
	defer t.pollingwg.Done()

	ticker := time.NewTicker(t.rescanSRVInterval)
	defer ticker.Stop()

	hosts := srvHostname(t.cfg.uri)

	for {
		select {
		case <-ticker.C:
		case <-t.pollingDone:
			return
		}

		kind := t.Description().Kind
		if kind != description.TopologyUnknown && kind != description.Sharded {
			return
		}

		parsed, err := dns.ParseHosts(context.Background(), t.dnsResolver, hosts, t.cfg.srvServiceName, false)
		if err != nil || len(parsed) == 0 {
			if !t.pollHeartbeatTime.Load() {
				ticker.Reset(t.cfg.heartbeatInterval)
				t.pollHeartbeatTime.Store(true)
			}
			continue
		}
		if t.pollHeartbeatTime.Load() {
			ticker.Reset(t.rescanSRVInterval)
			t.pollHeartbeatTime.Store(false)
		}

		if !t.processSRVResults(parsed) {
			return
		}
	}
}

// srvHostname strips the mongodb+srv:// scheme and any path/query/userinfo suffix, leaving the
// bare hostname the SRV and TXT records live under.
func srvHostname(uri string) string {
	const scheme = "mongodb+srv://"
	rest := strings.TrimPrefix(uri, scheme)
	if idx := strings.IndexAny(rest, "/?@"); idx != -1 {
		// An '@' found before the host separator means userinfo (user:pass@) preceded it; the host
		// starts just after it.
		if at := strings.Index(rest[:idx+1], "@"); at != -1 && rest[idx] == '@' {
			rest = rest[at+1:]
			if idx2 := strings.IndexAny(rest, "/?"); idx2 != -1 {
				rest = rest[:idx2]
			}
			return rest
		}
		rest = rest[:idx]
	}
	return rest
}

// processSRVResults reconciles the fsm's membership against a fresh SRV host list: removed hosts
// are disconnected and dropped, added hosts (subject to srvMaxHosts, shuffled if the addition
// would overflow it) are connected. Returns false if polling should stop (topology closed
// concurrently).
func (t *Topology) processSRVResults(hosts []string) bool {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()

	if t.serversClosed {
		return false
	}

	prev := t.fsm.Topology
	diff := diffHostList(t.fsm.Topology, hosts)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 {
		return true
	}

	for _, h := range diff.Removed {
		addr := address.Address(h).Canonicalize()
		s, ok := t.servers[addr]
		if !ok {
			continue
		}
		go func(s *Server) {
			cancelCtx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = s.Disconnect(cancelCtx)
		}(s)
		delete(t.servers, addr)
		t.fsm.removeServerByAddr(addr)
		t.caster.ServerClosed(&event.ServerClosedEvent{TopologyID: t.id, Address: addr})
	}

	if t.cfg.srvMaxHosts > 0 && len(t.servers)+len(diff.Added) > t.cfg.srvMaxHosts {
		random.Shuffle(len(diff.Added), func(i, j int) {
			diff.Added[i], diff.Added[j] = diff.Added[j], diff.Added[i]
		})
	}
	for _, h := range diff.Added {
		if t.cfg.srvMaxHosts > 0 && len(t.servers) >= t.cfg.srvMaxHosts {
			break
		}
		addr := address.Address(h).Canonicalize()
		t.fsm.addServer(addr)
		_ = t.addServer(addr)
	}

	newDesc := t.fsm.Topology.WithServers(t.fsm.Servers)
	t.fsm.Topology = newDesc
	t.desc.Store(newDesc)

	if !prev.Equal(newDesc) {
		t.caster.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
			TopologyID: t.id, PreviousDescription: prev, NewDescription: newDesc,
		})
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- newDesc
	}
	t.subLock.Unlock()

	return true
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	desc := t.Description()
	var b strings.Builder
	b.WriteString(desc.Kind.String())
	b.WriteString(": [")
	t.serversLock.Lock()
	first := true
	for _, s := range t.servers {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(s.String())
	}
	t.serversLock.Unlock()
	b.WriteString("]")
	return b.String()
}
