// Package node wires the framed codec, transport, authentication,
// topology, topic, and service subsystems into the runtime every mesh
// process embeds, exposing the public API of spec.md §4.11.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package node

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/config"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/coordinator"
	"github.com/meshcore/mesh/hk"
	"github.com/meshcore/mesh/service"
	"github.com/meshcore/mesh/stats"
	"github.com/meshcore/mesh/topic"
	"github.com/meshcore/mesh/transport"
)

// Node is one mesh participant: it registers with the coordinator, accepts
// peer connections, and exposes send/listen/call/add_service to the
// embedding process.
type Node struct {
	id      cluster.NodeId
	cfg     *config.Config
	payload codec.Payload
	auth    auth.Authenticator
	tracker stats.Tracker

	manager *cluster.Manager
	pool    *cluster.Pool
	topics  *topic.Router
	svcs    *service.Handlers
	caller  *service.Caller

	coord *coordinator.Client
	hk    *hk.HK

	specs     []cluster.ConnectionSpec
	listeners []net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Builder collects the parameters needed to bring up a Node, mirroring the
// fields of cmn/config.Config that a launcher fills in from YAML or flags.
type Builder struct {
	Name        string
	DomainID    string
	Coordinator coordinator.Locator
	Cfg         *config.Config
	Tracker     stats.Tracker
	Housekeeper *hk.HK
}

// Build starts a Node: it binds server providers, dials and registers with
// the coordinator, and begins accepting peer connections. The returned
// Node is immediately usable; call Shutdown to tear it down.
func (b Builder) Build(ctx context.Context) (*Node, error) {
	cfg := b.Cfg
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	payload, err := codec.NewPayload(cfg.Codec)
	if err != nil {
		return nil, err
	}
	authenticator := auth.New([]byte(cfg.Authkey), cfg.ChallengeLen, cfg.AuthTimeout)

	hostname, _ := os.Hostname()
	if cfg.ClientHost != "" {
		hostname = cfg.ClientHost
	}
	name := b.Name
	if b.DomainID != "" {
		name = b.DomainID + "/" + name
	}
	id := cluster.NewNodeId(name, hostname)

	providers := []transport.Provider{transport.TCPProvider{}}
	if !cfg.NoUnix {
		providers = append(providers, transport.UnixProvider{})
	}
	listeners, specs, err := transport.StartAll(providers, cfg.ServerHost, cfg.ClientHost, cfg.TCPPort)
	if err != nil {
		return nil, err
	}

	tracker := b.Tracker
	if tracker == nil {
		tracker = stats.Noop{}
	}
	housekeeper := b.Housekeeper
	if housekeeper == nil {
		housekeeper = hk.New()
		go housekeeper.Run()
		housekeeper.WaitStarted()
	}

	manager := cluster.NewManager()
	pool := cluster.NewPool(authenticator, cfg.AuthTimeout, hostname)
	topicBalancer, err := balance.NewTopicBalancer(cfg.TopicLoadBalancer)
	if err != nil {
		closeAll(listeners)
		return nil, err
	}
	serviceBalancer, err := balance.NewServiceBalancer(cfg.ServiceLoadBalancer)
	if err != nil {
		closeAll(listeners)
		return nil, err
	}
	topics := topic.NewRouter(id, manager, topicBalancer, pool, payload, tracker, cfg.OutboxTTL, cfg.OutboxMaxSize)
	if cfg.ListenerQueue > 0 {
		topics.QueueSize(cfg.ListenerQueue)
	}
	svcs := service.NewHandlers(payload, tracker)
	caller := service.NewCaller(manager, serviceBalancer, pool, payload, tracker, cfg.MaxRequestIDs)

	coord, err := coordinator.Dial(b.Coordinator, authenticator, cfg.AuthTimeout)
	if err != nil {
		closeAll(listeners)
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		id:        id,
		cfg:       cfg,
		payload:   payload,
		auth:      authenticator,
		tracker:   tracker,
		manager:   manager,
		pool:      pool,
		topics:    topics,
		svcs:      svcs,
		caller:    caller,
		coord:     coord,
		hk:        housekeeper,
		specs:     specs,
		listeners: listeners,
		ctx:       nctx,
		cancel:    cancel,
	}

	coord.OnBroadcast = n.onBroadcast
	topics.OnMutate = n.reregister
	svcs.OnMutate = n.reregister

	for _, ln := range listeners {
		ln := ln
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			transport.Serve(nctx, ln, n.handleInbound)
		}()
	}

	if err := n.Register(); err != nil {
		n.Shutdown()
		return nil, err
	}
	housekeeper.Reg(n.heartbeatTaskName(), n.sendHeartbeat, cfg.Heartbeat)

	return n, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

func (n *Node) heartbeatTaskName() string { return "node-heartbeat-" + n.id.String() }

// ID returns this node's identity.
func (n *Node) ID() cluster.NodeId { return n.id }

// handleInbound authenticates one peer-to-peer stream, then dispatches
// topic and service frames off it until it closes (spec.md §4.2, §4.9).
func (n *Node) handleInbound(_ context.Context, conn net.Conn) {
	if err := n.auth.Authenticate(conn); err != nil {
		nlog.Warningf("node %s: inbound authentication from %s failed: %v", n.id, conn.RemoteAddr(), err)
		return
	}
	r := bufio.NewReader(conn)
	writer := cluster.NewLockableWriter(conn)
	for {
		prefix, err := codec.ReadFramePrefix(r)
		if err != nil {
			return
		}
		switch prefix {
		case codec.PrefixTopic:
			msg, err := codec.DecodeTopicMessage(n.payload, r)
			if err != nil {
				nlog.Warningf("node %s: decode topic frame from %s: %v", n.id, conn.RemoteAddr(), err)
				return
			}
			n.topics.Dispatch(msg)
		case codec.PrefixService:
			req, err := codec.DecodeServiceRequest(n.payload, r)
			if err != nil {
				nlog.Warningf("node %s: decode service frame from %s: %v", n.id, conn.RemoteAddr(), err)
				return
			}
			n.svcs.Dispatch(req, writer)
		}
	}
}

func (n *Node) sendHeartbeat() time.Duration {
	if err := n.coord.Ping(); err != nil {
		nlog.Warningf("node %s: heartbeat ping failed: %v", n.id, err)
	}
	return n.cfg.Heartbeat
}

// onBroadcast applies a coordinator-pushed topology: the manager swaps
// state atomically and every node the diff reports as removed has its pool
// connection and outbox torn down (spec.md §4.11).
func (n *Node) onBroadcast(top *cluster.Topology) {
	removed := n.manager.SetTopology(top)
	for _, id := range removed {
		n.pool.Close(id)
		n.topics.CloseOutbox(id)
	}
	n.tracker.TopologySize(len(top.Nodes()))
}

// buildSpec snapshots the node's currently advertised topics/services into
// a MeshNodeSpec ready for register/update.
func (n *Node) buildSpec() *cluster.MeshNodeSpec {
	return &cluster.MeshNodeSpec{
		ID:              n.id,
		ConnectionSpecs: append([]cluster.ConnectionSpec(nil), n.specs...),
		Topics:          n.topics.LocalTopics(),
		Services:        n.svcs.LocalServices(),
	}
}

// Register sends the current MeshNodeSpec to the coordinator. It is
// idempotent and is spec.md §4.11's public `register()`.
func (n *Node) Register() error { return n.coord.Register(n.buildSpec()) }

func (n *Node) reregister() {
	if err := n.coord.Update(n.buildSpec()); err != nil {
		nlog.Warningf("node %s: re-registration failed: %v", n.id, err)
	}
}

// Send publishes a fire-and-forget topic message (spec.md §4.8).
func (n *Node) Send(topicName string, args []codec.Data, kwargs map[string]codec.Data) error {
	return n.topics.Send(topicName, args, kwargs)
}

// Listen registers cb for topicName, replacing any previous callback.
func (n *Node) Listen(topicName string, cb topic.ListenerFunc) { n.topics.Listen(topicName, cb) }

func (n *Node) StopListening(topicName string) { n.topics.StopListening(topicName) }

func (n *Node) TopicHasListeners(topicName string) bool { return n.topics.TopicHasListeners(topicName) }

func (n *Node) WaitForListener(topicName string, pollInterval time.Duration) error {
	return n.topics.WaitForListener(topicName, pollInterval, n.ctx.Done())
}

// DependsOnListener wraps cb with the upstream/downstream backpressure
// chain of spec.md §4.8.
func (n *Node) DependsOnListener(upstreamTopic, downstreamTopic string, cb topic.ListenerFunc, pollInterval time.Duration) topic.ListenerFunc {
	return n.topics.DependsOnListener(upstreamTopic, downstreamTopic, cb, pollInterval)
}

// Call issues a request/response RPC (spec.md §4.9).
func (n *Node) Call(serviceName string, args []codec.Data, kwargs map[string]codec.Data, timeout time.Duration) (codec.Data, error) {
	return n.caller.Call(serviceName, args, kwargs, timeout)
}

// AddService installs fn as serviceName's handler, replacing any previous
// one, and re-registers with the coordinator.
func (n *Node) AddService(serviceName string, fn service.HandlerFunc) { n.svcs.Add(serviceName, fn) }

func (n *Node) RemoveService(serviceName string) { n.svcs.Remove(serviceName) }

func (n *Node) ServiceHasProviders(serviceName string) bool {
	return len(n.manager.GetNodesProvidingService(serviceName)) > 0
}

// WaitForServiceProvider polls until serviceName has at least one provider
// or the node shuts down.
func (n *Node) WaitForServiceProvider(serviceName string, pollInterval time.Duration) error {
	if n.ServiceHasProviders(serviceName) {
		return nil
	}
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return cos.NewErrConfiguration("wait for service provider %q cancelled", serviceName)
		case <-t.C:
			if n.ServiceHasProviders(serviceName) {
				return nil
			}
		}
	}
}

// GetTopic returns a bound convenience handle, mirroring the original's
// TopicProxy (src/rosy/node/node.py).
func (n *Node) GetTopic(topicName string) *TopicHandle { return &TopicHandle{n: n, topic: topicName} }

// GetService returns a bound convenience handle, mirroring the original's
// ServiceProxy.
func (n *Node) GetService(serviceName string) *ServiceHandle {
	return &ServiceHandle{n: n, service: serviceName}
}

// Forever blocks until ctx (the one passed to Build) is cancelled, the
// idiomatic replacement for the original's "await forever()".
func (n *Node) Forever() { <-n.ctx.Done() }

// Shutdown cancels the accept loops, closes peer connections and the
// coordinator link, and waits for background goroutines to exit.
func (n *Node) Shutdown() {
	n.cancel()
	n.hk.Unreg(n.heartbeatTaskName())
	n.pool.CloseAll()
	n.topics.CloseAll()
	n.coord.Close()
	closeAll(n.listeners)
	n.wg.Wait()
}

// TopicHandle is a (node, topic) pair bound for repeated use.
type TopicHandle struct {
	n     *Node
	topic string
}

func (t *TopicHandle) Send(args []codec.Data, kwargs map[string]codec.Data) error {
	return t.n.Send(t.topic, args, kwargs)
}
func (t *TopicHandle) HasListeners() bool { return t.n.TopicHasListeners(t.topic) }
func (t *TopicHandle) WaitForListener(pollInterval time.Duration) error {
	return t.n.WaitForListener(t.topic, pollInterval)
}

// ServiceHandle is a (node, service) pair bound for repeated use.
type ServiceHandle struct {
	n       *Node
	service string
}

func (s *ServiceHandle) Call(args []codec.Data, kwargs map[string]codec.Data, timeout time.Duration) (codec.Data, error) {
	return s.n.Call(s.service, args, kwargs, timeout)
}
func (s *ServiceHandle) HasProviders() bool { return s.n.ServiceHasProviders(s.service) }
func (s *ServiceHandle) WaitForProvider(pollInterval time.Duration) error {
	return s.n.WaitForServiceProvider(s.service, pollInterval)
}
