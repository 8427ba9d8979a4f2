/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"strconv"

	"github.com/meshcore/mesh/cmn/cos"
)

// ConnectionSpec is the tagged union of spec.md §3: either a TCP endpoint or
// a Unix-domain socket path. Exactly one of IP/Unix is non-nil.
type ConnectionSpec struct {
	IP   *IPSpec
	Unix *UnixSpec
}

type Family int

const (
	AFInet Family = iota
	AFInet6
)

// IPSpec is a TCP endpoint reachable by any client.
type IPSpec struct {
	Host   string
	Port   int
	Family Family
}

// UnixSpec is a Unix-domain socket path, only usable by clients on the same
// Host.
type UnixSpec struct {
	Path string
	Host string
}

func IPConnectionSpec(s IPSpec) ConnectionSpec     { return ConnectionSpec{IP: &s} }
func UnixConnectionSpec(s UnixSpec) ConnectionSpec { return ConnectionSpec{Unix: &s} }

func (cs ConnectionSpec) String() string {
	switch {
	case cs.IP != nil:
		return cs.IP.Host + ":" + strconv.Itoa(cs.IP.Port)
	case cs.Unix != nil:
		return "unix:" + cs.Unix.Path
	default:
		return "<invalid connection spec>"
	}
}

// MeshNodeSpec is the advertisable record of one node (spec.md §3).
type MeshNodeSpec struct {
	ID              NodeId
	ConnectionSpecs []ConnectionSpec
	Topics          map[string]struct{}
	Services        map[string]struct{}
}

// Validate enforces the spec.md §3 invariant that ConnectionSpecs is
// non-empty.
func (s *MeshNodeSpec) Validate() error {
	if len(s.ConnectionSpecs) == 0 {
		return cos.NewErrConfiguration("node %s advertises no connection specs", s.ID)
	}
	return nil
}

// Clone deep-copies the spec so callers can hand out an immutable snapshot
// (spec.md §5's "external readers see an immutable snapshot").
func (s *MeshNodeSpec) Clone() *MeshNodeSpec {
	out := &MeshNodeSpec{
		ID:              s.ID,
		ConnectionSpecs: append([]ConnectionSpec(nil), s.ConnectionSpecs...),
		Topics:          make(map[string]struct{}, len(s.Topics)),
		Services:        make(map[string]struct{}, len(s.Services)),
	}
	for t := range s.Topics {
		out.Topics[t] = struct{}{}
	}
	for svc := range s.Services {
		out.Services[svc] = struct{}{}
	}
	return out
}
