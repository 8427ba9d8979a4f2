/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/nlog"
	"golang.org/x/sync/singleflight"
)

// LockableWriter gates writes to a shared connection behind an exclusive
// lock: the caller must Lock before Write, but Drain/Close/IsClosing need
// no lock (spec.md §4.4). The lock is never held across a suspension point
// other than the one framed write it protects.
type LockableWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	bw       *bufio.Writer
	closing  bool
	closedMu sync.Mutex
}

// NewLockableWriter wraps conn for callers outside this package that manage
// their own connections (the node runtime's inbound accept path).
func NewLockableWriter(conn net.Conn) *LockableWriter {
	return &LockableWriter{conn: conn, bw: bufio.NewWriter(conn)}
}

// Lock must be held around Write; it is never safe to hold across anything
// but the single frame's encode-then-write-then-drain sequence.
func (w *LockableWriter) Lock()   { w.mu.Lock() }
func (w *LockableWriter) Unlock() { w.mu.Unlock() }

// Write requires the caller to already hold Lock.
func (w *LockableWriter) Write(b []byte) (int, error) { return w.bw.Write(b) }

// Drain flushes buffered bytes to the wire. Like Close/IsClosing, it does
// not require the lock.
func (w *LockableWriter) Drain() error { return w.bw.Flush() }

func (w *LockableWriter) Close() error {
	w.closedMu.Lock()
	defer w.closedMu.Unlock()
	if w.closing {
		return nil
	}
	w.closing = true
	return w.conn.Close()
}

func (w *LockableWriter) IsClosing() bool {
	w.closedMu.Lock()
	defer w.closedMu.Unlock()
	return w.closing
}

// PeerConnection is one cached duplex stream to a remote node.
type PeerConnection struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Writer *LockableWriter
}

// Pool caches one authenticated connection per NodeId, opening lazily and
// evicting on close (spec.md §4.4).
type Pool struct {
	mu            sync.Mutex
	conns         map[NodeId]*PeerConnection
	group         singleflight.Group
	authenticator auth.Authenticator
	dialTimeout   time.Duration
	localHostname string
}

func NewPool(authenticator auth.Authenticator, dialTimeout time.Duration, localHostname string) *Pool {
	return &Pool{
		conns:         make(map[NodeId]*PeerConnection),
		authenticator: authenticator,
		dialTimeout:   dialTimeout,
		localHostname: localHostname,
	}
}

// Get returns the cached connection to node if one is live, dialing and
// authenticating a fresh one otherwise. Concurrent Get calls for the same
// node collapse into a single dial via singleflight, matching the "opens
// lazily" contract without opening the connection twice.
func (p *Pool) Get(node *MeshNodeSpec) (*PeerConnection, error) {
	p.mu.Lock()
	if pc, ok := p.conns[node.ID]; ok && !pc.Writer.IsClosing() {
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(node.ID.String(), func() (any, error) {
		p.mu.Lock()
		if pc, ok := p.conns[node.ID]; ok && !pc.Writer.IsClosing() {
			p.mu.Unlock()
			return pc, nil
		}
		p.mu.Unlock()

		pc, dialErr := p.dial(node)
		if dialErr != nil {
			return nil, dialErr
		}
		p.mu.Lock()
		p.conns[node.ID] = pc
		p.mu.Unlock()
		return pc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PeerConnection), nil
}

func (p *Pool) dial(node *MeshNodeSpec) (*PeerConnection, error) {
	var errs []error
	for _, spec := range node.ConnectionSpecs {
		conn, err := p.dialSpec(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.authenticator.Authenticate(conn); err != nil {
			conn.Close()
			errs = append(errs, err)
			continue
		}
		return &PeerConnection{Conn: conn, Reader: bufio.NewReader(conn), Writer: NewLockableWriter(conn)}, nil
	}
	return nil, cos.NewErrConnection(node.ID.String(), errs...)
}

func (p *Pool) dialSpec(spec ConnectionSpec) (net.Conn, error) {
	switch {
	case spec.IP != nil:
		return net.DialTimeout("tcp", net.JoinHostPort(spec.IP.Host, strconv.Itoa(spec.IP.Port)), p.dialTimeout)
	case spec.Unix != nil:
		if spec.Unix.Host != p.localHostname {
			return nil, cos.NewErrConfiguration("unix spec %s is not reachable from host %s", spec.Unix.Path, p.localHostname)
		}
		return net.DialTimeout("unix", spec.Unix.Path, p.dialTimeout)
	default:
		return nil, cos.NewErrConfiguration("empty connection spec")
	}
}

// Close removes and closes the cached entry for id, if present. Idempotent.
func (p *Pool) Close(id NodeId) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if ok {
		if err := pc.Writer.Close(); err != nil {
			nlog.Warningf("closing connection to %s: %v", id, err)
		}
	}
}

// CloseAll tears down every cached connection, used on node shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[NodeId]*PeerConnection)
	p.mu.Unlock()
	for id, pc := range conns {
		if err := pc.Writer.Close(); err != nil {
			nlog.Warningf("closing connection to %s: %v", id, err)
		}
	}
}
