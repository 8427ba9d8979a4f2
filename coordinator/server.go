/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/hk"
	"github.com/meshcore/mesh/stats"
)

// state is a connection's position in the per-node lifecycle of spec.md
// §4.10: Unregistered accepts only register/ping; Registered accepts the
// full RPC set; Closed is terminal.
type state int

const (
	stateUnregistered state = iota
	stateRegistered
	stateClosed
)

type peerConn struct {
	writer        *cluster.LockableWriter
	mu            sync.Mutex
	state         state
	id            cluster.NodeId
	lastHeartbeat time.Time
}

// Server is the coordinator: the single process every node registers with
// to discover the rest of the mesh (spec.md §4.10).
type Server struct {
	authenticator auth.Authenticator
	heartbeatTO   time.Duration
	logHeartbeats bool
	tracker       stats.Tracker
	housekeeper   *hk.HK

	mu       sync.Mutex
	topology *cluster.Topology
	conns    map[cluster.NodeId]*peerConn

	broadcastNotify chan struct{}
}

func NewServer(authenticator auth.Authenticator, heartbeatTO time.Duration, logHeartbeats bool, tracker stats.Tracker, housekeeper *hk.HK) *Server {
	s := &Server{
		authenticator:   authenticator,
		heartbeatTO:     heartbeatTO,
		logHeartbeats:   logHeartbeats,
		tracker:         tracker,
		housekeeper:     housekeeper,
		topology:        cluster.NewTopology(),
		conns:           make(map[cluster.NodeId]*peerConn),
		broadcastNotify: make(chan struct{}, 1),
	}
	housekeeper.Reg("coordinator-heartbeat-sweep", s.sweepHeartbeats, heartbeatTO/2)
	go s.broadcastLoop()
	return s
}

// Handle is the per-connection entry point passed to transport.Serve.
func (s *Server) Handle(_ context.Context, conn net.Conn) {
	if err := s.authenticator.Authenticate(conn); err != nil {
		nlog.Warningf("coordinator: authentication from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	r := bufio.NewReader(conn)
	pc := &peerConn{writer: cluster.NewLockableWriter(conn), state: stateUnregistered, lastHeartbeat: time.Now()}

	for {
		kind, err := ReadKind(r)
		if err != nil {
			s.onDisconnect(pc)
			return
		}
		if err := s.dispatch(pc, kind, r); err != nil {
			nlog.Warningf("coordinator: connection %s: %v", conn.RemoteAddr(), err)
			s.onDisconnect(pc)
			return
		}
	}
}

func (s *Server) dispatch(pc *peerConn, kind byte, r *bufio.Reader) error {
	switch kind {
	case MsgPing:
		pc.mu.Lock()
		pc.lastHeartbeat = time.Now()
		pc.mu.Unlock()
		if s.logHeartbeats {
			nlog.Infof("coordinator: ping from %s", pc.id)
		}
		return s.writeFrame(pc, MsgPong, nil)

	case MsgRegister:
		spec, err := DecodeNodeSpec(r)
		if err != nil {
			return err
		}
		s.register(pc, spec)
		return s.writeFrame(pc, MsgOK, nil)

	case MsgUpdate:
		pc.mu.Lock()
		registered := pc.state == stateRegistered
		pc.mu.Unlock()
		if !registered {
			return s.writeErr(pc, "update requires prior register")
		}
		spec, err := DecodeNodeSpec(r)
		if err != nil {
			return err
		}
		s.register(pc, spec)
		return s.writeFrame(pc, MsgOK, nil)

	case MsgGetTopology:
		pc.mu.Lock()
		registered := pc.state == stateRegistered
		pc.mu.Unlock()
		if !registered {
			return s.writeErr(pc, "get_topology requires prior register")
		}
		s.mu.Lock()
		snap := s.topology.Clone()
		s.mu.Unlock()
		var buf bytes.Buffer
		if err := EncodeTopology(&buf, snap); err != nil {
			return err
		}
		return s.writeFrame(pc, MsgTopologySnapshot, buf.Bytes())

	default:
		return s.writeErr(pc, "unknown message kind")
	}
}

// writeFrame sends kind+body under pc's writer lock, keeping RPC replies and
// topology broadcasts well-ordered on the same connection (spec.md §4.10).
func (s *Server) writeFrame(pc *peerConn, kind byte, body []byte) error {
	pc.writer.Lock()
	defer pc.writer.Unlock()
	if err := WriteKind(pc.writer, kind); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := pc.writer.Write(body); err != nil {
			return err
		}
	}
	return pc.writer.Drain()
}

func (s *Server) writeErr(pc *peerConn, reason string) error {
	pc.writer.Lock()
	defer pc.writer.Unlock()
	if err := WriteErr(pc.writer, reason); err != nil {
		return err
	}
	return pc.writer.Drain()
}

func (s *Server) register(pc *peerConn, spec *cluster.MeshNodeSpec) {
	pc.mu.Lock()
	pc.id = spec.ID
	pc.state = stateRegistered
	pc.lastHeartbeat = time.Now()
	pc.mu.Unlock()

	s.mu.Lock()
	s.topology.Put(spec)
	s.conns[spec.ID] = pc
	n := len(s.topology.Nodes())
	s.mu.Unlock()

	s.tracker.TopologySize(n)
	s.scheduleBroadcast()
}

func (s *Server) onDisconnect(pc *peerConn) {
	pc.mu.Lock()
	id, wasRegistered := pc.id, pc.state == stateRegistered
	pc.state = stateClosed
	pc.mu.Unlock()
	pc.writer.Close()
	if !wasRegistered {
		return
	}
	s.mu.Lock()
	s.topology.Remove(id)
	delete(s.conns, id)
	n := len(s.topology.Nodes())
	s.mu.Unlock()
	s.tracker.TopologySize(n)
	s.scheduleBroadcast()
}

func (s *Server) sweepHeartbeats() time.Duration {
	now := time.Now()
	s.mu.Lock()
	var dead []*peerConn
	for _, pc := range s.conns {
		pc.mu.Lock()
		stale := now.Sub(pc.lastHeartbeat) > s.heartbeatTO
		pc.mu.Unlock()
		if stale {
			dead = append(dead, pc)
		}
	}
	s.mu.Unlock()
	for _, pc := range dead {
		nlog.Warningf("coordinator: node %s missed heartbeat, evicting", pc.id)
		s.onDisconnect(pc)
	}
	return s.heartbeatTO / 2
}

func (s *Server) scheduleBroadcast() {
	select {
	case s.broadcastNotify <- struct{}{}:
	default:
	}
}

// broadcastLoop is the coordinator's single long-running debounce: any
// number of mutations between wakeups collapse into one topology broadcast
// (spec.md §4.10).
func (s *Server) broadcastLoop() {
	for range s.broadcastNotify {
		s.doBroadcast()
	}
}

func (s *Server) doBroadcast() {
	s.mu.Lock()
	snap := s.topology.Clone()
	recipients := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		recipients = append(recipients, pc)
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := EncodeTopology(&buf, snap); err != nil {
		nlog.Errorf("coordinator: encode broadcast: %v", err)
		return
	}
	body := buf.Bytes()

	for _, pc := range recipients {
		if err := s.writeFrame(pc, MsgBroadcast, body); err != nil {
			nlog.Warningf("coordinator: broadcast to %s failed, evicting: %v", pc.id, err)
			s.onDisconnect(pc)
		}
	}
}
