/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sort"
	"sync"
)

// Topology is an unordered collection of MeshNodeSpec, at most one per
// NodeId (spec.md §3). It is held both by the coordinator (authoritative)
// and by every node (mirror).
type Topology struct {
	nodes map[NodeId]*MeshNodeSpec
}

func NewTopology() *Topology {
	return &Topology{nodes: make(map[NodeId]*MeshNodeSpec)}
}

// Put inserts or replaces the entry for spec.ID (coordinator's register/update).
func (t *Topology) Put(spec *MeshNodeSpec) {
	t.nodes[spec.ID] = spec
}

// Remove deletes the entry for id, returning whether it was present.
func (t *Topology) Remove(id NodeId) bool {
	_, ok := t.nodes[id]
	delete(t.nodes, id)
	return ok
}

func (t *Topology) Get(id NodeId) (*MeshNodeSpec, bool) {
	s, ok := t.nodes[id]
	return s, ok
}

// Nodes returns every spec, ordered by NodeId for deterministic iteration.
func (t *Topology) Nodes() []*MeshNodeSpec {
	out := make([]*MeshNodeSpec, 0, len(t.nodes))
	for _, s := range t.nodes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Clone deep-copies the topology, used to hand out the coordinator's
// broadcast snapshot (spec.md §5's swap-on-set policy).
func (t *Topology) Clone() *Topology {
	out := NewTopology()
	for id, s := range t.nodes {
		out.nodes[id] = s.Clone()
	}
	return out
}

// Diff returns the NodeIds present in t but absent from other: spec.md
// §4.6's get_removed_nodes.
func (t *Topology) Diff(other *Topology) []NodeId {
	var removed []NodeId
	for id := range t.nodes {
		if _, ok := other.nodes[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Less(removed[j]) })
	return removed
}

// Manager is the indexed, concurrency-safe front the rest of the mesh reads
// through: get_nodes_listening_to_topic / get_nodes_providing_service run
// off maintained reverse indices, and SetTopology swaps both the snapshot
// and its indices atomically (spec.md §4.6).
type Manager struct {
	mu      sync.RWMutex
	current *Topology
	byTopic map[string][]*MeshNodeSpec
	byServ  map[string][]*MeshNodeSpec
}

func NewManager() *Manager {
	return &Manager{current: NewTopology()}
}

// SetTopology replaces the topology wholesale and rebuilds indices,
// returning the NodeIds removed relative to the previous state.
func (m *Manager) SetTopology(next *Topology) []NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.current.Diff(next)
	m.current = next
	m.rebuildLocked()
	return removed
}

// GetRemovedNodes computes the same diff SetTopology would, without
// mutating current state.
func (m *Manager) GetRemovedNodes(next *Topology) []NodeId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Diff(next)
}

func (m *Manager) rebuildLocked() {
	m.byTopic = make(map[string][]*MeshNodeSpec)
	m.byServ = make(map[string][]*MeshNodeSpec)
	for _, s := range m.current.Nodes() {
		for topic := range s.Topics {
			m.byTopic[topic] = append(m.byTopic[topic], s)
		}
		for svc := range s.Services {
			m.byServ[svc] = append(m.byServ[svc], s)
		}
	}
}

// GetNodesListeningToTopic is spec.md §4.6's O(1) (amortized) lookup.
func (m *Manager) GetNodesListeningToTopic(topic string) []*MeshNodeSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MeshNodeSpec(nil), m.byTopic[topic]...)
}

// GetNodesProvidingService is spec.md §4.6's service-side counterpart.
func (m *Manager) GetNodesProvidingService(service string) []*MeshNodeSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MeshNodeSpec(nil), m.byServ[service]...)
}

// Snapshot returns the current immutable topology for callers that need
// the whole graph (e.g. serializing a broadcast).
func (m *Manager) Snapshot() *Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Get(id NodeId) (*MeshNodeSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Get(id)
}
