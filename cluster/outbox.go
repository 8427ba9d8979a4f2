/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sync"
	"time"

	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/mono"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/stats"
)

// outboxEntry is one queued frame, already encoded, with an absolute
// deadline (mono.NanoTime units) past which it is worthless and dropped
// without ever touching the wire.
type outboxEntry struct {
	deadline int64
	data     []byte
}

// Outbox is a bounded, per-peer FIFO of pending frames. A single worker
// goroutine drains it against whatever connection Pool.Get currently
// resolves to; overflow drops the oldest entry (head-drop), matching the
// "lossy, best-effort" contract of spec.md §4.5 — better to skip a stale
// topic update than to block the sender or grow without limit.
type Outbox struct {
	mu      sync.Mutex
	entries []outboxEntry
	maxSize int
	ttl     time.Duration

	node    *MeshNodeSpec
	pool    *Pool
	tracker stats.Tracker
	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopO   sync.Once
}

// NewOutbox starts the worker goroutine and returns the outbox ready to
// accept Send calls. tracker may be stats.Noop{} when no metrics registry is
// configured.
func NewOutbox(node *MeshNodeSpec, pool *Pool, tracker stats.Tracker, ttl time.Duration, maxSize int) *Outbox {
	ob := &Outbox{
		maxSize: maxSize,
		ttl:     ttl,
		node:    node,
		pool:    pool,
		tracker: tracker,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go ob.run()
	return ob
}

// Send enqueues data for delivery, dropping the oldest queued frame if the
// outbox is already at maxSize. Returns an error only once Stop has been
// called.
func (ob *Outbox) Send(data []byte) error {
	ob.mu.Lock()
	select {
	case <-ob.stopCh:
		ob.mu.Unlock()
		return cos.NewErrConnection(ob.node.ID.String(), errStopped)
	default:
	}
	if len(ob.entries) >= ob.maxSize {
		dropped := ob.entries[0]
		ob.entries = ob.entries[1:]
		nlog.Warningf("outbox to %s full (%d), dropping oldest frame (%d bytes)", ob.node.ID, ob.maxSize, len(dropped.data))
		ob.tracker.OutboxDropped(ob.node.ID.String())
	}
	ob.entries = append(ob.entries, outboxEntry{deadline: mono.NanoTime() + int64(ob.ttl), data: data})
	ob.mu.Unlock()
	ob.poke()
	return nil
}

func (ob *Outbox) poke() {
	select {
	case ob.notify <- struct{}{}:
	default:
	}
}

// Stop cancels the worker and makes subsequent Send calls fail. Frames still
// queued are discarded; Stop waits for the worker to exit, which includes
// finishing a write already in progress.
func (ob *Outbox) Stop() {
	ob.stopO.Do(func() { close(ob.stopCh) })
	<-ob.doneCh
}

func (ob *Outbox) run() {
	defer close(ob.doneCh)
	for {
		select {
		case <-ob.stopCh:
			return
		default:
		}
		ent, ok := ob.pop()
		if !ok {
			select {
			case <-ob.stopCh:
				return
			case <-ob.notify:
				continue
			case <-time.After(ob.ttl):
				continue
			}
		}
		if mono.NanoTime() > ent.deadline {
			ob.tracker.OutboxDropped(ob.node.ID.String())
			continue // expired while queued
		}
		if err := ob.deliver(ent.data); err != nil {
			// A connection-layer failure doesn't kill the outbox: the next
			// Send (or the next retry of this same node) may succeed once
			// the peer is reachable again.
			nlog.Warningf("outbox to %s: %v", ob.node.ID, err)
		}
	}
}

func (ob *Outbox) pop() (outboxEntry, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(ob.entries) == 0 {
		return outboxEntry{}, false
	}
	ent := ob.entries[0]
	ob.entries = ob.entries[1:]
	return ent, true
}

func (ob *Outbox) deliver(data []byte) error {
	pc, err := ob.pool.Get(ob.node)
	if err != nil {
		return err
	}
	if err := ob.write(pc, data); err != nil {
		// This side of a topic connection is write-only: nothing reads it to
		// notice the break on its own, so a failed write must evict the
		// cached entry itself or every future pop would keep re-using the
		// same dead connection (spec.md §4.5: "the pool will open a new
		// connection on the next pop").
		ob.pool.Close(ob.node.ID)
		return err
	}
	return nil
}

func (ob *Outbox) write(pc *PeerConnection, data []byte) error {
	pc.Writer.Lock()
	defer pc.Writer.Unlock()
	if _, err := pc.Writer.Write(data); err != nil {
		return err
	}
	return pc.Writer.Drain()
}

// Len reports the number of frames currently queued, for tests and stats.
func (ob *Outbox) Len() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.entries)
}

var errStopped = cos.NewErrConfiguration("outbox stopped")
