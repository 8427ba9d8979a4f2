// Package cluster owns the mesh's node identity, topology, peer connection
// pool, and per-peer outbox: the authoritative state every node mirrors
// from the coordinator (spec.md §4.4, §4.6).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"fmt"

	"github.com/meshcore/mesh/cmn/cos"
)

// NodeId is spec.md §3's identity triple. Equality and hashing are by the
// full triple; ordering is lexicographic by (Name, Hostname, UUID).
type NodeId struct {
	Name     string
	Hostname string
	UUID     string
}

// NewNodeId mints a NodeId with a fresh random UUID for a process starting
// up.
func NewNodeId(name, hostname string) NodeId {
	return NodeId{Name: name, Hostname: hostname, UUID: cos.GenUUID()}
}

func (id NodeId) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Name, id.Hostname, id.UUID)
}

// Less implements the deterministic ordering spec.md §3 requires for
// topology iteration.
func (id NodeId) Less(other NodeId) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	if id.Hostname != other.Hostname {
		return id.Hostname < other.Hostname
	}
	return id.UUID < other.UUID
}
