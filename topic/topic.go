// Package topic implements the mesh's publish/subscribe fan-out: sending a
// topic message to every subscribed node (balanced per policy) and
// dispatching inbound topic frames to locally registered listeners
// (spec.md §4.8).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package topic

import (
	"sync"
	"time"

	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/config"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/stats"
)

// ListenerFunc is a subscriber callback, invoked once per inbound message
// on the topic it is registered for.
type ListenerFunc func(topic string, args []codec.Data, kwargs map[string]codec.Data)

// Router owns both directions of the topic subsystem for one node: sending
// (selecting candidates, encoding once, fanning out through per-peer
// outboxes) and receiving (per-topic ordered dispatch to local callbacks).
type Router struct {
	self     cluster.NodeId
	manager  *cluster.Manager
	balancer balance.TopicBalancer
	pool     *cluster.Pool
	payload  codec.Payload
	tracker  stats.Tracker
	ttl      time.Duration
	maxSize  int
	qSize    int

	mu       sync.Mutex
	outboxes map[cluster.NodeId]*cluster.Outbox
	topics   map[string]*subscription

	// OnMutate fires whenever the local listener set changes, so the node
	// runtime can re-register with the coordinator (spec.md §4.8).
	OnMutate func()
}

// subscription is one topic's dedicated dispatcher: a bounded channel feeds
// a single goroutine, so delivery to the same topic's callback is always
// FIFO and a slow callback applies backpressure to its own queue without
// affecting other topics (spec.md §9's "bounded channel, default size 10").
type subscription struct {
	queue  chan *codec.TopicMessage
	stopCh chan struct{}
	doneCh chan struct{}
	cb     ListenerFunc
}

func NewRouter(self cluster.NodeId, manager *cluster.Manager, balancer balance.TopicBalancer, pool *cluster.Pool, payload codec.Payload, tracker stats.Tracker, ttl time.Duration, maxSize int) *Router {
	return &Router{
		self:     self,
		manager:  manager,
		balancer: balancer,
		pool:     pool,
		payload:  payload,
		tracker:  tracker,
		ttl:      ttl,
		maxSize:  maxSize,
		qSize:    config.DefaultListenerQueue,
		outboxes: make(map[cluster.NodeId]*cluster.Outbox),
		topics:   make(map[string]*subscription),
	}
}

// Send selects candidates for topic from the current topology, applies the
// configured balancer, and fans the encoded message out to each chosen
// node's outbox. A self-entry is dispatched inline rather than looped back
// through the network (spec.md §4.8).
func (r *Router) Send(topic string, args []codec.Data, kwargs map[string]codec.Data) error {
	candidates := r.manager.GetNodesListeningToTopic(topic)
	if len(candidates) == 0 {
		return nil
	}
	chosen := r.balancer.Select(candidates, topic)
	if len(chosen) == 0 {
		return nil
	}

	msg := &codec.TopicMessage{Topic: topic, Args: args, Kwargs: kwargs}
	var frame []byte
	needsFrame := false
	for _, n := range chosen {
		if n.ID != r.self {
			needsFrame = true
			break
		}
	}
	if needsFrame {
		enc, err := codec.EncodeTopicMessage(r.payload, msg)
		if err != nil {
			return err
		}
		frame = enc
	}

	for _, n := range chosen {
		if n.ID == r.self {
			r.dispatchLocal(msg)
			continue
		}
		if err := r.outboxFor(n).Send(frame); err != nil {
			nlog.Warningf("send topic %q to %s: %v", topic, n.ID, err)
			continue
		}
		r.tracker.TopicBroadcast(topic)
	}
	return nil
}

func (r *Router) outboxFor(node *cluster.MeshNodeSpec) *cluster.Outbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ob, ok := r.outboxes[node.ID]; ok {
		return ob
	}
	ob := cluster.NewOutbox(node, r.pool, r.tracker, r.ttl, r.maxSize)
	r.outboxes[node.ID] = ob
	return ob
}

// CloseOutbox tears down and forgets the outbox for id, called when the
// node's topology diff reports id as removed.
func (r *Router) CloseOutbox(id cluster.NodeId) {
	r.mu.Lock()
	ob, ok := r.outboxes[id]
	delete(r.outboxes, id)
	r.mu.Unlock()
	if ok {
		ob.Stop()
	}
}

// Dispatch hands an inbound, already-decoded topic frame to the local
// subscriber, if any; absent one, the frame is dropped (spec.md §4.8's
// "publisher's view of the topology may be stale").
func (r *Router) Dispatch(msg *codec.TopicMessage) {
	r.mu.Lock()
	sub, ok := r.topics[msg.Topic]
	r.mu.Unlock()
	if !ok {
		return
	}
	sub.enqueue(msg)
}

// QueueSize overrides the per-topic dispatch channel capacity; zero keeps
// the documented default.
func (r *Router) QueueSize(n int) { r.qSize = n }

func (r *Router) dispatchLocal(msg *codec.TopicMessage) { r.Dispatch(msg) }

// Listen registers cb for topic, replacing any previous callback. Listening
// to the same topic twice is not an error: overwrite semantics, per
// spec.md §4.8.
func (r *Router) Listen(topic string, cb ListenerFunc) {
	r.mu.Lock()
	if old, ok := r.topics[topic]; ok {
		old.stop()
	}
	sub := newSubscription(cb, r.qSize)
	r.topics[topic] = sub
	r.mu.Unlock()
	r.notifyMutate()
}

// StopListening removes topic's callback, if any.
func (r *Router) StopListening(topic string) {
	sub, ok := r.unlisten(topic)
	if ok {
		sub.stop()
	}
	r.notifyMutate()
}

// unlisten removes topic's subscription from the map, if any, without
// joining its dispatcher goroutine. The map mutation alone is enough to
// make the topic appear unlistened-to to any concurrent Listen/Dispatch
// call; the caller decides when (or on what goroutine) to pay for the
// actual sub.stop() join.
func (r *Router) unlisten(topic string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.topics[topic]
	if ok {
		delete(r.topics, topic)
	}
	return sub, ok
}

func (r *Router) notifyMutate() {
	if r.OnMutate != nil {
		r.OnMutate()
	}
}

// HasLocalListener reports whether this node itself has a callback
// registered for topic.
func (r *Router) HasLocalListener(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

// LocalTopics returns the set of topics this node currently listens to, for
// building the MeshNodeSpec handed to the coordinator on (re)registration.
func (r *Router) LocalTopics() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.topics))
	for t := range r.topics {
		out[t] = struct{}{}
	}
	return out
}

// TopicHasListeners reports whether any node in the current topology
// (including this one) listens to topic — spec.md §4.8's
// topic_has_listeners.
func (r *Router) TopicHasListeners(topic string) bool {
	return len(r.manager.GetNodesListeningToTopic(topic)) > 0
}

// WaitForListener polls TopicHasListeners every pollInterval until it
// returns true or stopCh is closed, in which case it returns
// cos.NewErrConfiguration.
func (r *Router) WaitForListener(topic string, pollInterval time.Duration, stopCh <-chan struct{}) error {
	if r.TopicHasListeners(topic) {
		return nil
	}
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return cos.NewErrConfiguration("wait for listener on %q cancelled", topic)
		case <-t.C:
			if r.TopicHasListeners(topic) {
				return nil
			}
		}
	}
}

// DependsOnListener wraps cb so that, the moment downstream loses its last
// listener, upstream stops listening and a background task waits for
// downstream to regain one before re-installing upstream's callback
// (spec.md §4.8's pipeline-backpressure contract).
func (r *Router) DependsOnListener(upstream, downstream string, cb ListenerFunc, pollInterval time.Duration) ListenerFunc {
	return func(topic string, args []codec.Data, kwargs map[string]codec.Data) {
		if !r.TopicHasListeners(downstream) {
			// This callback runs on upstream's own dispatcher goroutine
			// (subscription.run -> invoke). Joining that subscription's
			// shutdown here (as StopListening does) would deadlock the
			// dispatcher against itself: sub.stop() waits on doneCh, which
			// only closes once run() returns, and run() is blocked in this
			// very invoke() call. unlisten() only mutates the map — safe to
			// call inline — and the actual stop() join happens on its own
			// goroutine, so run() is free to return and close doneCh
			// immediately after this callback does.
			sub, ok := r.unlisten(upstream)
			if ok {
				go func() {
					sub.stop()
					r.notifyMutate()
				}()
			}
			go func() {
				stopCh := make(chan struct{}) // DependsOnListener never cancels its own wait
				if err := r.WaitForListener(downstream, pollInterval, stopCh); err != nil {
					nlog.Warningf("depends_on_listener: waiting for %q: %v", downstream, err)
					return
				}
				r.Listen(upstream, r.DependsOnListener(upstream, downstream, cb, pollInterval))
			}()
			return
		}
		cb(topic, args, kwargs)
	}
}

// CloseAll stops every outbox and subscriber dispatcher, used on node
// shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	outboxes := r.outboxes
	r.outboxes = make(map[cluster.NodeId]*cluster.Outbox)
	topics := r.topics
	r.topics = make(map[string]*subscription)
	r.mu.Unlock()
	for _, ob := range outboxes {
		ob.Stop()
	}
	for _, sub := range topics {
		sub.stop()
	}
}

func newSubscription(cb ListenerFunc, qSize int) *subscription {
	if qSize <= 0 {
		qSize = config.DefaultListenerQueue
	}
	sub := &subscription{
		cb:     cb,
		queue:  make(chan *codec.TopicMessage, qSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go sub.run()
	return sub
}

// enqueue blocks while the queue is full, applying backpressure to whatever
// goroutine is feeding this topic (the inbound reader, or a local self-send)
// until the callback catches up or the subscription is stopped.
func (s *subscription) enqueue(msg *codec.TopicMessage) {
	select {
	case s.queue <- msg:
	case <-s.stopCh:
	}
}

// run is the topic's dedicated dispatch task: exactly one goroutine per
// subscription, so frames on this topic are always delivered in order.
func (s *subscription) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.queue:
			s.invoke(msg)
		}
	}
}

func (s *subscription) invoke(msg *codec.TopicMessage) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("topic listener for %q panicked: %v", msg.Topic, r)
		}
	}()
	s.cb(msg.Topic, msg.Args, msg.Kwargs)
}

func (s *subscription) stop() {
	close(s.stopCh)
	<-s.doneCh
}
