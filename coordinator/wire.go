// Package coordinator implements the mesh's registration/heartbeat/topology
// server (spec.md §4.10): the single process every node dials first to
// discover the rest of the mesh.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator

import (
	"io"

	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/codec"
)

// Message kinds for the coordinator's symmetric RPC protocol (spec.md §6).
// Every frame starts with one kind byte.
const (
	MsgPing            = 0x01
	MsgPong            = 0x02
	MsgRegister        = 0x03
	MsgUpdate          = 0x04
	MsgGetTopology     = 0x05
	MsgTopologySnapshot = 0x06
	MsgBroadcast       = 0x07
	MsgOK              = 0x08
	MsgErr             = 0x09
)

const (
	connSpecTagIP   = 0
	connSpecTagUnix = 1
)

// ReadKind reads the one-byte message kind dispatching the rest of the
// frame.
func ReadKind(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteKind(w io.Writer, kind byte) error {
	_, err := w.Write([]byte{kind})
	return err
}

// WriteErr writes an MsgErr frame carrying a human-readable reason.
func WriteErr(w io.Writer, reason string) error {
	if err := WriteKind(w, MsgErr); err != nil {
		return err
	}
	return codec.WriteString(w, reason)
}

func ReadErr(r io.Reader) (string, error) { return codec.ReadString(r) }

// EncodeNodeSpec writes a MeshNodeSpec (no kind byte).
func EncodeNodeSpec(w io.Writer, s *cluster.MeshNodeSpec) error {
	if err := codec.WriteString(w, s.ID.Name); err != nil {
		return err
	}
	if err := codec.WriteString(w, s.ID.Hostname); err != nil {
		return err
	}
	if err := codec.WriteString(w, s.ID.UUID); err != nil {
		return err
	}
	if err := codec.WriteVarint(w, uint64(len(s.ConnectionSpecs))); err != nil {
		return err
	}
	for _, cs := range s.ConnectionSpecs {
		if err := encodeConnSpec(w, cs); err != nil {
			return err
		}
	}
	if err := writeStringSet(w, s.Topics); err != nil {
		return err
	}
	return writeStringSet(w, s.Services)
}

// DecodeNodeSpec reads a MeshNodeSpec written by EncodeNodeSpec.
func DecodeNodeSpec(r io.Reader) (*cluster.MeshNodeSpec, error) {
	name, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	hostname, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	uuid, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	n, err := codec.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	specs := make([]cluster.ConnectionSpec, 0, n)
	for i := uint64(0); i < n; i++ {
		cs, err := decodeConnSpec(r)
		if err != nil {
			return nil, err
		}
		specs = append(specs, cs)
	}
	topics, err := readStringSet(r)
	if err != nil {
		return nil, err
	}
	services, err := readStringSet(r)
	if err != nil {
		return nil, err
	}
	return &cluster.MeshNodeSpec{
		ID:              cluster.NodeId{Name: name, Hostname: hostname, UUID: uuid},
		ConnectionSpecs: specs,
		Topics:          topics,
		Services:        services,
	}, nil
}

func encodeConnSpec(w io.Writer, cs cluster.ConnectionSpec) error {
	switch {
	case cs.IP != nil:
		if err := codec.WriteFixedUint(w, connSpecTagIP, 1); err != nil {
			return err
		}
		if err := codec.WriteString(w, cs.IP.Host); err != nil {
			return err
		}
		if err := codec.WriteVarint(w, uint64(cs.IP.Port)); err != nil {
			return err
		}
		return codec.WriteFixedUint(w, uint64(cs.IP.Family), 1)
	case cs.Unix != nil:
		if err := codec.WriteFixedUint(w, connSpecTagUnix, 1); err != nil {
			return err
		}
		if err := codec.WriteString(w, cs.Unix.Path); err != nil {
			return err
		}
		return codec.WriteString(w, cs.Unix.Host)
	default:
		return cos.NewErrProtocol("empty connection spec cannot be encoded")
	}
}

func decodeConnSpec(r io.Reader) (cluster.ConnectionSpec, error) {
	tag, err := codec.ReadFixedUint(r, 1)
	if err != nil {
		return cluster.ConnectionSpec{}, err
	}
	switch tag {
	case connSpecTagIP:
		host, err := codec.ReadString(r)
		if err != nil {
			return cluster.ConnectionSpec{}, err
		}
		port, err := codec.ReadVarint(r)
		if err != nil {
			return cluster.ConnectionSpec{}, err
		}
		family, err := codec.ReadFixedUint(r, 1)
		if err != nil {
			return cluster.ConnectionSpec{}, err
		}
		return cluster.IPConnectionSpec(cluster.IPSpec{Host: host, Port: int(port), Family: cluster.Family(family)}), nil
	case connSpecTagUnix:
		path, err := codec.ReadString(r)
		if err != nil {
			return cluster.ConnectionSpec{}, err
		}
		host, err := codec.ReadString(r)
		if err != nil {
			return cluster.ConnectionSpec{}, err
		}
		return cluster.UnixConnectionSpec(cluster.UnixSpec{Path: path, Host: host}), nil
	default:
		return cluster.ConnectionSpec{}, cos.NewErrProtocol("unknown connection spec tag %d", tag)
	}
}

func writeStringSet(w io.Writer, set map[string]struct{}) error {
	if err := codec.WriteVarint(w, uint64(len(set))); err != nil {
		return err
	}
	for s := range set {
		if err := codec.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSet(r io.Reader) (map[string]struct{}, error) {
	n, err := codec.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, n)
	for i := uint64(0); i < n; i++ {
		s, err := codec.ReadString(r)
		if err != nil {
			return nil, err
		}
		set[s] = struct{}{}
	}
	return set, nil
}

// EncodeTopology writes every node in top (no kind byte).
func EncodeTopology(w io.Writer, top *cluster.Topology) error {
	nodes := top.Nodes()
	if err := codec.WriteVarint(w, uint64(len(nodes))); err != nil {
		return err
	}
	for _, s := range nodes {
		if err := EncodeNodeSpec(w, s); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTopology reads a topology written by EncodeTopology.
func DecodeTopology(r io.Reader) (*cluster.Topology, error) {
	n, err := codec.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	top := cluster.NewTopology()
	for i := uint64(0); i < n; i++ {
		s, err := DecodeNodeSpec(r)
		if err != nil {
			return nil, err
		}
		top.Put(s)
	}
	return top, nil
}
