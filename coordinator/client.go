/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/cos"
)

// Client is a node's connection to the coordinator: it issues
// register/update/ping/get_topology as one-at-a-time RPCs (the node's
// single-threaded event loop never has two outstanding) while a background
// reader also demultiplexes server-initiated MeshTopologyBroadcast frames
// that can arrive at any time, not just between RPCs.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *cluster.LockableWriter

	mu      sync.Mutex
	replyCh chan replyFrame
	doneCh  chan struct{}

	// OnBroadcast is invoked from the reader goroutine for every
	// MeshTopologyBroadcast; it must not block.
	OnBroadcast func(*cluster.Topology)
}

type replyFrame struct {
	kind     byte
	topology *cluster.Topology
	errMsg   string
}

// Dial resolves addr via locator, connects, authenticates, and starts the
// background reader. Callers must set OnBroadcast before traffic starts
// flowing if they want broadcasts delivered.
func Dial(locator Locator, authenticator auth.Authenticator, dialTimeout time.Duration) (*Client, error) {
	addr, err := locator.Locate()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, cos.NewErrConnection(addr, err)
	}
	if err := authenticator.Authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  cluster.NewLockableWriter(conn),
		replyCh: make(chan replyFrame, 1),
		doneCh:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.doneCh)
	for {
		kind, err := ReadKind(c.reader)
		if err != nil {
			return
		}
		switch kind {
		case MsgBroadcast:
			top, err := DecodeTopology(c.reader)
			if err != nil {
				return
			}
			if c.OnBroadcast != nil {
				c.OnBroadcast(top)
			}
		case MsgPong, MsgOK:
			c.replyCh <- replyFrame{kind: kind}
		case MsgErr:
			msg, err := ReadErr(c.reader)
			if err != nil {
				return
			}
			c.replyCh <- replyFrame{kind: kind, errMsg: msg}
		case MsgTopologySnapshot:
			top, err := DecodeTopology(c.reader)
			if err != nil {
				return
			}
			c.replyCh <- replyFrame{kind: kind, topology: top}
		default:
			return
		}
	}
}

// request sends one RPC frame and blocks for its reply, transparently
// absorbing any broadcasts the reader sees first (they are delivered via
// OnBroadcast, not replyCh).
func (c *Client) request(kind byte, body func(io.Writer) error) (replyFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer.Lock()
	werr := WriteKind(c.writer, kind)
	if werr == nil && body != nil {
		werr = body(c.writer)
	}
	if werr == nil {
		werr = c.writer.Drain()
	}
	c.writer.Unlock()
	if werr != nil {
		return replyFrame{}, werr
	}

	select {
	case reply := <-c.replyCh:
		if reply.kind == MsgErr {
			return reply, cos.NewErrProtocol("coordinator: %s", reply.errMsg)
		}
		return reply, nil
	case <-c.doneCh:
		return replyFrame{}, cos.NewErrConnection("coordinator", io.ErrClosedPipe)
	}
}

func (c *Client) Register(spec *cluster.MeshNodeSpec) error {
	_, err := c.request(MsgRegister, func(w io.Writer) error { return EncodeNodeSpec(w, spec) })
	return err
}

// Update is identical to Register on the wire; spec.md §4.10 treats it as
// the same event, used after a node mutates its topics/services.
func (c *Client) Update(spec *cluster.MeshNodeSpec) error {
	_, err := c.request(MsgUpdate, func(w io.Writer) error { return EncodeNodeSpec(w, spec) })
	return err
}

func (c *Client) Ping() error {
	_, err := c.request(MsgPing, nil)
	return err
}

func (c *Client) GetTopology() (*cluster.Topology, error) {
	reply, err := c.request(MsgGetTopology, nil)
	if err != nil {
		return nil, err
	}
	return reply.topology, nil
}

func (c *Client) Close() error { return c.writer.Close() }
