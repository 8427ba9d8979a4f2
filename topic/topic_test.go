/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package topic_test

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/stats"
	"github.com/meshcore/mesh/topic"
	"github.com/stretchr/testify/require"
)

func selfID() cluster.NodeId { return cluster.NodeId{Name: "self", Hostname: "h", UUID: "s"} }

func newRouter(t *testing.T, mgr *cluster.Manager) *topic.Router {
	t.Helper()
	pool := cluster.NewPool(auth.Noop{}, time.Second, "h")
	payload, err := codec.NewPayload("cbor")
	require.NoError(t, err)
	return topic.NewRouter(selfID(), mgr, balance.Noop{}, pool, payload, stats.Noop{}, time.Minute, 10)
}

func TestSendToSelfDispatchesInline(t *testing.T) {
	mgr := cluster.NewManager()
	top := cluster.NewTopology()
	top.Put(&cluster.MeshNodeSpec{ID: selfID(), ConnectionSpecs: []cluster.ConnectionSpec{cluster.UnixConnectionSpec(cluster.UnixSpec{Path: "/x", Host: "h"})}, Topics: map[string]struct{}{"greet": {}}})
	mgr.SetTopology(top)

	r := newRouter(t, mgr)
	got := make(chan []codec.Data, 1)
	r.Listen("greet", func(_ string, args []codec.Data, _ map[string]codec.Data) { got <- args })

	require.NoError(t, r.Send("greet", []codec.Data{"hi"}, nil))
	select {
	case args := <-got:
		require.Equal(t, []codec.Data{"hi"}, args)
	case <-time.After(time.Second):
		t.Fatal("listener never invoked")
	}
}

func TestListenOverwritesPreviousCallback(t *testing.T) {
	mgr := cluster.NewManager()
	r := newRouter(t, mgr)

	var calls []string
	var mu sync.Mutex
	r.Listen("t", func(string, []codec.Data, map[string]codec.Data) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	r.Listen("t", func(string, []codec.Data, map[string]codec.Data) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})
	r.Dispatch(&codec.TopicMessage{Topic: "t"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"second"}, calls)
	mu.Unlock()
}

func TestDispatchWithNoListenerIsDropped(t *testing.T) {
	mgr := cluster.NewManager()
	r := newRouter(t, mgr)
	require.NotPanics(t, func() { r.Dispatch(&codec.TopicMessage{Topic: "nobody-home"}) })
}

func TestSameTopicDispatchIsOrdered(t *testing.T) {
	mgr := cluster.NewManager()
	r := newRouter(t, mgr)

	var mu sync.Mutex
	var order []int
	block := make(chan struct{})
	r.Listen("ordered", func(_ string, args []codec.Data, _ map[string]codec.Data) {
		n := args[0].(int)
		if n == 0 {
			<-block // hold the first message until released
		}
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	})

	r.Dispatch(&codec.TopicMessage{Topic: "ordered", Args: []codec.Data{0}})
	r.Dispatch(&codec.TopicMessage{Topic: "ordered", Args: []codec.Data{1}})
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{0, 1}, order)
	mu.Unlock()
}

func TestWaitForListenerReturnsOnceRegistered(t *testing.T) {
	mgr := cluster.NewManager()
	r := newRouter(t, mgr)

	done := make(chan error, 1)
	go func() { done <- r.WaitForListener("slow", 5*time.Millisecond, nil) }()

	time.Sleep(20 * time.Millisecond)
	top := cluster.NewTopology()
	top.Put(&cluster.MeshNodeSpec{ID: cluster.NodeId{Name: "other", Hostname: "h", UUID: "o"}, ConnectionSpecs: []cluster.ConnectionSpec{cluster.UnixConnectionSpec(cluster.UnixSpec{Path: "/x", Host: "h"})}, Topics: map[string]struct{}{"slow": {}}})
	mgr.SetTopology(top)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForListener never returned")
	}
}

func TestDependsOnListenerStopsAndResumesUpstream(t *testing.T) {
	mgr := cluster.NewManager()
	self := &cluster.MeshNodeSpec{ID: selfID(), ConnectionSpecs: []cluster.ConnectionSpec{cluster.UnixConnectionSpec(cluster.UnixSpec{Path: "/x", Host: "h"})}, Topics: map[string]struct{}{}}
	top := cluster.NewTopology()
	top.Put(self)
	mgr.SetTopology(top)

	r := newRouter(t, mgr)

	var mu sync.Mutex
	var forwarded int
	forward := func(string, []codec.Data, map[string]codec.Data) {
		mu.Lock()
		forwarded++
		mu.Unlock()
	}
	r.Listen("up", r.DependsOnListener("up", "down", forward, 5*time.Millisecond))
	require.True(t, r.HasLocalListener("up"))

	// No one listens to "down" yet: the first "up" message must make the
	// wrapped callback drop the "up" listener without deadlocking the
	// dispatcher goroutine that is itself running the callback.
	r.Dispatch(&codec.TopicMessage{Topic: "up"})
	require.Eventually(t, func() bool { return !r.HasLocalListener("up") }, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, 0, forwarded)
	mu.Unlock()

	// Once "down" gains a listener, the background waiter re-installs "up".
	withDown := self.Clone()
	withDown.Topics["down"] = struct{}{}
	top2 := cluster.NewTopology()
	top2.Put(withDown)
	mgr.SetTopology(top2)

	require.Eventually(t, func() bool { return r.HasLocalListener("up") }, time.Second, time.Millisecond)

	r.Dispatch(&codec.TopicMessage{Topic: "up"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return forwarded == 1
	}, time.Second, time.Millisecond)
}

func TestSendFansOutOverRealConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	received := make(chan byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		b, err := r.ReadByte()
		if err == nil {
			received <- b
		}
	}()

	peer := cluster.NodeId{Name: "peer", Hostname: "h", UUID: "p"}
	mgr := cluster.NewManager()
	top := cluster.NewTopology()
	top.Put(&cluster.MeshNodeSpec{ID: peer, ConnectionSpecs: []cluster.ConnectionSpec{cluster.IPConnectionSpec(cluster.IPSpec{Host: "127.0.0.1", Port: addr.Port})}, Topics: map[string]struct{}{"t": {}}})
	mgr.SetTopology(top)

	r := newRouter(t, mgr)
	require.NoError(t, r.Send("t", nil, nil))

	select {
	case b := <-received:
		require.Equal(t, byte('t'), b) // codec.PrefixTopic
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the frame")
	}
}
