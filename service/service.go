// Package service implements the mesh's request/response RPC subsystem:
// the caller side (id allocation, futures, per-connection response demux)
// and the handler side (service registry, request dispatch) of
// spec.md §4.9.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/stats"
)

// HandlerFunc answers one inbound ServiceRequest. A returned error becomes
// an error-status ServiceResponse carrying err.Error() as the message.
type HandlerFunc func(service string, args []codec.Data, kwargs map[string]codec.Data) (codec.Data, error)

// Caller dispatches outbound calls: selecting a provider, opening/reusing
// its connection, and demultiplexing responses by request id.
type Caller struct {
	manager  *cluster.Manager
	balancer balance.ServiceBalancer
	pool     *cluster.Pool
	payload  codec.Payload
	tracker  stats.Tracker
	maxIDs   int

	mu      sync.Mutex
	byPeer  map[cluster.NodeId]*callerConn
}

func NewCaller(manager *cluster.Manager, balancer balance.ServiceBalancer, pool *cluster.Pool, payload codec.Payload, tracker stats.Tracker, maxIDs int) *Caller {
	return &Caller{
		manager:  manager,
		balancer: balancer,
		pool:     pool,
		payload:  payload,
		tracker:  tracker,
		maxIDs:   maxIDs,
		byPeer:   make(map[cluster.NodeId]*callerConn),
	}
}

// Call selects a provider for service, dispatches the request, and blocks
// until a response arrives or timeout elapses (spec.md §4.9's call()).
func (c *Caller) Call(service string, args []codec.Data, kwargs map[string]codec.Data, timeout time.Duration) (codec.Data, error) {
	candidates := c.manager.GetNodesProvidingService(service)
	provider := c.balancer.Select(candidates, service)
	if provider == nil {
		return nil, cos.NewErrServiceRequest(service, "no provider available")
	}

	pc, err := c.pool.Get(provider)
	if err != nil {
		return nil, cos.NewErrServiceRequest(service, err.Error())
	}
	cc := c.connFor(provider.ID, pc)

	id, respCh, err := cc.allocate()
	if err != nil {
		return nil, cos.NewErrServiceRequest(service, err.Error())
	}

	req := &codec.ServiceRequest{ID: id, Service: service, Args: args, Kwargs: kwargs}
	enc, err := codec.EncodeServiceRequest(c.payload, req)
	if err != nil {
		cc.cancel(id)
		return nil, cos.NewErrServiceRequest(service, err.Error())
	}

	if err := writeLocked(pc, enc); err != nil {
		cc.cancel(id)
		// Nothing reads this side of the connection on a write failure, so
		// the broken entry must be evicted here or every future Call would
		// keep reusing (and failing against) the same dead connection.
		c.pool.Close(provider.ID)
		c.tracker.ServiceCallError(service)
		return nil, cos.NewErrServiceResponse(service, err.Error())
	}

	start := time.Now()
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case resp, ok := <-respCh:
		c.tracker.ServiceCallLatency(service, time.Since(start).Seconds())
		if !ok {
			c.tracker.ServiceCallError(service)
			return nil, cos.NewErrServiceResponse(service, "connection closed before response was received")
		}
		if !resp.OK {
			c.tracker.ServiceCallError(service)
			return nil, cos.NewErrServiceResponse(service, resp.ErrMsg)
		}
		return resp.Payload, nil
	case <-timeoutCh:
		// The id stays reserved: spec.md §5 keeps it out of reuse until the
		// real response arrives (then discarded unread) or the connection
		// drops (then rejected with every other pending id). Freeing it
		// early would risk a late response being handed to a future call
		// that reused the same id.
		c.tracker.ServiceCallError(service)
		return nil, cos.NewErrServiceResponse(service, "timed out waiting for response")
	}
}

// connFor returns the callerConn demultiplexing pc's responses, starting a
// fresh reader if pc is a new connection (first use, or a reconnect after
// the previous one failed).
func (c *Caller) connFor(id cluster.NodeId, pc *cluster.PeerConnection) *callerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.byPeer[id]; ok && cc.pc == pc {
		return cc
	}
	cc := newCallerConn(pc, c.payload, c.maxIDs)
	c.byPeer[id] = cc
	go c.reap(id, cc)
	return cc
}

// reap drops the cached callerConn once its reader exits, so the next Call
// redials instead of reusing a dead entry. It also evicts the pool's cached
// PeerConnection: the reader exiting means the connection is broken, and
// nothing else on this side would otherwise notice.
func (c *Caller) reap(id cluster.NodeId, cc *callerConn) {
	<-cc.doneCh
	c.mu.Lock()
	if c.byPeer[id] == cc {
		delete(c.byPeer, id)
	}
	c.mu.Unlock()
	c.pool.Close(id)
}

func writeLocked(pc *cluster.PeerConnection, frame []byte) error {
	pc.Writer.Lock()
	defer pc.Writer.Unlock()
	if _, err := pc.Writer.Write(frame); err != nil {
		return err
	}
	return pc.Writer.Drain()
}

// callerConn owns the id table and response channels for one dialed
// connection, plus the single reader goroutine demultiplexing its incoming
// ServiceResponse frames.
type callerConn struct {
	pc      *cluster.PeerConnection
	payload codec.Payload
	maxIDs  int

	mu       sync.Mutex
	inFlight map[uint16]chan *codec.ServiceResponse
	doneCh   chan struct{}
}

func newCallerConn(pc *cluster.PeerConnection, payload codec.Payload, maxIDs int) *callerConn {
	cc := &callerConn{
		pc:       pc,
		payload:  payload,
		maxIDs:   maxIDs,
		inFlight: make(map[uint16]chan *codec.ServiceResponse),
		doneCh:   make(chan struct{}),
	}
	go cc.readLoop()
	return cc
}

// allocate picks the smallest id not currently in flight, per spec.md §9's
// bitset guidance; maxIDs bounds how far the scan (and thus concurrency)
// can go.
func (cc *callerConn) allocate() (uint16, chan *codec.ServiceResponse, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for id := 0; id < cc.maxIDs; id++ {
		if _, used := cc.inFlight[uint16(id)]; !used {
			ch := make(chan *codec.ServiceResponse, 1)
			cc.inFlight[uint16(id)] = ch
			return uint16(id), ch, nil
		}
	}
	return 0, nil, fmt.Errorf("all %d request ids in flight", cc.maxIDs)
}

func (cc *callerConn) cancel(id uint16) {
	cc.mu.Lock()
	delete(cc.inFlight, id)
	cc.mu.Unlock()
}

func (cc *callerConn) readLoop() {
	defer close(cc.doneCh)
	defer cc.rejectAll()
	for {
		resp, err := codec.DecodeServiceResponse(cc.payload, cc.pc.Reader)
		if err != nil {
			if !cc.pc.Writer.IsClosing() {
				nlog.Warningf("service response reader: %v", err)
			}
			return
		}
		cc.mu.Lock()
		ch, ok := cc.inFlight[resp.ID]
		if ok {
			delete(cc.inFlight, resp.ID)
		}
		cc.mu.Unlock()
		if !ok {
			nlog.Warningf("service response for unknown id %d, discarding", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (cc *callerConn) rejectAll() {
	cc.mu.Lock()
	pending := cc.inFlight
	cc.inFlight = make(map[uint16]chan *codec.ServiceResponse)
	cc.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Handlers is the provider side: a service name maps to at most one
// HandlerFunc, invoked on its own goroutine per request so a slow handler
// never blocks the connection's reader.
type Handlers struct {
	mu       sync.RWMutex
	byName   map[string]HandlerFunc
	payload  codec.Payload
	tracker  stats.Tracker
	OnMutate func()
}

func NewHandlers(payload codec.Payload, tracker stats.Tracker) *Handlers {
	return &Handlers{byName: make(map[string]HandlerFunc), payload: payload, tracker: tracker}
}

func (h *Handlers) Add(service string, f HandlerFunc) {
	h.mu.Lock()
	h.byName[service] = f
	h.mu.Unlock()
	h.notifyMutate()
}

func (h *Handlers) Remove(service string) {
	h.mu.Lock()
	_, ok := h.byName[service]
	delete(h.byName, service)
	h.mu.Unlock()
	if ok {
		h.notifyMutate()
	}
}

func (h *Handlers) Has(service string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byName[service]
	return ok
}

// LocalServices returns the set of services this node currently provides,
// for building the MeshNodeSpec handed to the coordinator on (re)registration.
func (h *Handlers) LocalServices() map[string]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]struct{}, len(h.byName))
	for s := range h.byName {
		out[s] = struct{}{}
	}
	return out
}

func (h *Handlers) notifyMutate() {
	if h.OnMutate != nil {
		h.OnMutate()
	}
}

// Dispatch answers req on writer, spawning a goroutine so a slow or
// misbehaving handler cannot stall the connection's inbound reader
// (spec.md §4.9's handler side).
func (h *Handlers) Dispatch(req *codec.ServiceRequest, writer *cluster.LockableWriter) {
	h.mu.RLock()
	fn, ok := h.byName[req.Service]
	h.mu.RUnlock()

	if !ok {
		h.respond(writer, &codec.ServiceResponse{ID: req.ID, OK: false, ErrMsg: fmt.Sprintf("service=%s is not provided by this node", req.Service)})
		return
	}
	go h.invoke(fn, req, writer)
}

func (h *Handlers) invoke(fn HandlerFunc, req *codec.ServiceRequest, writer *cluster.LockableWriter) {
	resp := &codec.ServiceResponse{ID: req.ID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				resp.OK = false
				resp.ErrMsg = fmt.Sprintf("%v", r)
			}
		}()
		payload, err := fn(req.Service, req.Args, req.Kwargs)
		if err != nil {
			resp.OK = false
			resp.ErrMsg = err.Error()
			return
		}
		resp.OK = true
		resp.Payload = payload
	}()
	if !resp.OK {
		h.tracker.ServiceCallError(req.Service)
	}
	h.respond(writer, resp)
}

func (h *Handlers) respond(writer *cluster.LockableWriter, resp *codec.ServiceResponse) {
	enc, err := codec.EncodeServiceResponse(h.payload, resp)
	if err != nil {
		nlog.Errorf("encode service response for %d: %v", resp.ID, err)
		return
	}
	writer.Lock()
	defer writer.Unlock()
	if _, err := writer.Write(enc); err != nil {
		nlog.Warningf("write service response: %v", err)
		return
	}
	if err := writer.Drain(); err != nil {
		nlog.Warningf("drain service response: %v", err)
	}
}
