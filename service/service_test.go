/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package service_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/service"
	"github.com/meshcore/mesh/stats"
	"github.com/stretchr/testify/require"
)

// runProvider accepts exactly one connection and answers every ServiceRequest
// it reads using h, mimicking the node runtime's inbound dispatch loop for a
// single peer without pulling in the node package.
func runProvider(t *testing.T, ln net.Listener, payload codec.Payload, h *service.Handlers) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		writer := cluster.NewLockableWriter(conn)
		for {
			prefix, err := codec.ReadFramePrefix(r)
			if err != nil {
				return
			}
			if prefix != codec.PrefixService {
				return
			}
			req, err := codec.DecodeServiceRequest(payload, r)
			if err != nil {
				return
			}
			h.Dispatch(req, writer)
		}
	}()
}

func newProviderNode(t *testing.T) (net.Listener, *cluster.MeshNodeSpec) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	node := &cluster.MeshNodeSpec{
		ID:              cluster.NodeId{Name: "provider", Hostname: "h", UUID: "p"},
		ConnectionSpecs: []cluster.ConnectionSpec{cluster.IPConnectionSpec(cluster.IPSpec{Host: "127.0.0.1", Port: addr.Port})},
		Services:        map[string]struct{}{"multiply": {}},
	}
	return ln, node
}

func TestServiceRoundTrip(t *testing.T) {
	payload, err := codec.NewPayload("cbor")
	require.NoError(t, err)

	ln, node := newProviderNode(t)
	defer ln.Close()

	handlers := service.NewHandlers(payload, stats.Noop{})
	handlers.Add("multiply", func(_ string, args []codec.Data, _ map[string]codec.Data) (codec.Data, error) {
		a := args[0].(int64)
		b := args[1].(int64)
		return a * b, nil
	})
	runProvider(t, ln, payload, handlers)

	mgr := cluster.NewManager()
	top := cluster.NewTopology()
	top.Put(node)
	mgr.SetTopology(top)

	pool := cluster.NewPool(auth.Noop{}, time.Second, "h")
	sb, err := balance.NewServiceBalancer("round-robin")
	require.NoError(t, err)
	caller := service.NewCaller(mgr, sb, pool, payload, stats.Noop{}, 16)

	result, err := caller.Call("multiply", []codec.Data{int64(3), int64(4)}, nil, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 12, result)
}

func TestServiceCallWithNoProviderFails(t *testing.T) {
	payload, err := codec.NewPayload("cbor")
	require.NoError(t, err)
	mgr := cluster.NewManager()
	pool := cluster.NewPool(auth.Noop{}, time.Second, "h")
	sb, err := balance.NewServiceBalancer("round-robin")
	require.NoError(t, err)
	caller := service.NewCaller(mgr, sb, pool, payload, stats.Noop{}, 16)

	_, err = caller.Call("multiply", nil, nil, time.Second)
	require.Error(t, err)
}

func TestServiceUnknownHandlerRespondsError(t *testing.T) {
	payload, err := codec.NewPayload("cbor")
	require.NoError(t, err)
	ln, node := newProviderNode(t)
	defer ln.Close()

	handlers := service.NewHandlers(payload, stats.Noop{})
	runProvider(t, ln, payload, handlers)

	mgr := cluster.NewManager()
	top := cluster.NewTopology()
	top.Put(node)
	mgr.SetTopology(top)

	pool := cluster.NewPool(auth.Noop{}, time.Second, "h")
	sb, err := balance.NewServiceBalancer("round-robin")
	require.NoError(t, err)
	caller := service.NewCaller(mgr, sb, pool, payload, stats.Noop{}, 16)

	_, err = caller.Call("no-such-service", nil, nil, time.Second)
	require.Error(t, err)
}

func TestServiceMaxRequestIDsCap(t *testing.T) {
	payload, err := codec.NewPayload("cbor")
	require.NoError(t, err)
	ln, node := newProviderNode(t)
	defer ln.Close()

	block := make(chan struct{})
	handlers := service.NewHandlers(payload, stats.Noop{})
	handlers.Add("slow", func(string, []codec.Data, map[string]codec.Data) (codec.Data, error) {
		<-block
		return nil, nil
	})
	runProvider(t, ln, payload, handlers)

	mgr := cluster.NewManager()
	top := cluster.NewTopology()
	node.Services = map[string]struct{}{"slow": {}}
	top.Put(node)
	mgr.SetTopology(top)

	pool := cluster.NewPool(auth.Noop{}, time.Second, "h")
	sb, err := balance.NewServiceBalancer("round-robin")
	require.NoError(t, err)
	caller := service.NewCaller(mgr, sb, pool, payload, stats.Noop{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := caller.Call("slow", nil, nil, 2*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the first call occupy the single id

	_, err = caller.Call("slow", nil, nil, 100*time.Millisecond)
	require.Error(t, err)

	close(block)
	require.NoError(t, <-done)
}
