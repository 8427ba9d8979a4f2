/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/coordinator"
	"github.com/meshcore/mesh/hk"
	"github.com/meshcore/mesh/stats"
	"github.com/meshcore/mesh/transport"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, heartbeatTO time.Duration) (net.Listener, *hk.HK) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()
	srv := coordinator.NewServer(auth.Noop{}, heartbeatTO, false, stats.Noop{}, housekeeper)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go transport.Serve(ctx, ln, srv.Handle)
	return ln, housekeeper
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return conn
}

func testSpec(name string) *cluster.MeshNodeSpec {
	return &cluster.MeshNodeSpec{
		ID:              cluster.NodeId{Name: name, Hostname: "h", UUID: name + "-uuid"},
		ConnectionSpecs: []cluster.ConnectionSpec{cluster.IPConnectionSpec(cluster.IPSpec{Host: "127.0.0.1", Port: 1})},
		Topics:          map[string]struct{}{},
		Services:        map[string]struct{}{},
	}
}

func TestPingBeforeRegisterIsAccepted(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	require.NoError(t, coordinator.WriteKind(conn, coordinator.MsgPing))
	kind, err := coordinator.ReadKind(conn)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgPong), kind)
}

func TestGetTopologyBeforeRegisterIsRejected(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	require.NoError(t, coordinator.WriteKind(conn, coordinator.MsgGetTopology))
	kind, err := coordinator.ReadKind(conn)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgErr), kind)
}

func TestRegisterThenGetTopologyReturnsSelf(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	spec := testSpec("alpha")
	require.NoError(t, coordinator.WriteKind(conn, coordinator.MsgRegister))
	require.NoError(t, coordinator.EncodeNodeSpec(conn, spec))
	kind, err := coordinator.ReadKind(conn)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgOK), kind)

	require.NoError(t, coordinator.WriteKind(conn, coordinator.MsgGetTopology))
	kind, err = coordinator.ReadKind(conn)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgTopologySnapshot), kind)
	top, err := coordinator.DecodeTopology(conn)
	require.NoError(t, err)
	require.Len(t, top.Nodes(), 1)
	require.Equal(t, spec.ID, top.Nodes()[0].ID)
}

func TestSecondRegistrationBroadcastsToFirst(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()

	connA := dial(t, ln)
	defer connA.Close()
	require.NoError(t, coordinator.WriteKind(connA, coordinator.MsgRegister))
	require.NoError(t, coordinator.EncodeNodeSpec(connA, testSpec("alpha")))
	kind, err := coordinator.ReadKind(connA)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgOK), kind)

	connB := dial(t, ln)
	defer connB.Close()
	require.NoError(t, coordinator.WriteKind(connB, coordinator.MsgRegister))
	require.NoError(t, coordinator.EncodeNodeSpec(connB, testSpec("beta")))
	kind, err = coordinator.ReadKind(connB)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgOK), kind)

	// alpha observes a broadcast reflecting beta's join. Every registration
	// is broadcast to all registered nodes, so alpha may first receive the
	// broadcast of its own registration (1 node); skip past it.
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	top := readBroadcast(t, connA)
	if len(top.Nodes()) == 1 {
		top = readBroadcast(t, connA)
	}
	require.Len(t, top.Nodes(), 2)
}

// readBroadcast reads the next MsgBroadcast frame from conn, skipping any
// MsgPong replies to pings sent on the same connection.
func readBroadcast(t *testing.T, conn net.Conn) *cluster.Topology {
	t.Helper()
	for {
		kind, err := coordinator.ReadKind(conn)
		require.NoError(t, err)
		if kind == coordinator.MsgPong {
			continue
		}
		require.Equal(t, byte(coordinator.MsgBroadcast), kind)
		top, err := coordinator.DecodeTopology(conn)
		require.NoError(t, err)
		return top
	}
}

func TestHeartbeatTimeoutEvictsNode(t *testing.T) {
	ln, _ := startServer(t, 150*time.Millisecond)
	defer ln.Close()

	watcher := dial(t, ln)
	defer watcher.Close()
	require.NoError(t, coordinator.WriteKind(watcher, coordinator.MsgRegister))
	require.NoError(t, coordinator.EncodeNodeSpec(watcher, testSpec("watcher")))
	kind, err := coordinator.ReadKind(watcher)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgOK), kind)

	// watcher keeps its registration alive with pings; silent never sends one.
	stopPings := make(chan struct{})
	defer close(stopPings)
	go func() {
		tick := time.NewTicker(30 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stopPings:
				return
			case <-tick.C:
				if coordinator.WriteKind(watcher, coordinator.MsgPing) != nil {
					return
				}
			}
		}
	}()

	silent := dial(t, ln)
	defer silent.Close()
	require.NoError(t, coordinator.WriteKind(silent, coordinator.MsgRegister))
	require.NoError(t, coordinator.EncodeNodeSpec(silent, testSpec("silent")))
	kind, err = coordinator.ReadKind(silent)
	require.NoError(t, err)
	require.Equal(t, byte(coordinator.MsgOK), kind)

	// watcher sees the post-join broadcast (2 nodes), possibly preceded by
	// the broadcast of its own registration (1 node), then, once silent's
	// heartbeat lapses without a single ping, the eviction broadcast (1
	// node) — silent's connection is left open the whole time, so this
	// exercises the heartbeat sweep rather than disconnect handling.
	watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	top := readBroadcast(t, watcher)
	for len(top.Nodes()) != 2 {
		top = readBroadcast(t, watcher)
	}
	for len(top.Nodes()) == 2 {
		top = readBroadcast(t, watcher)
	}
	require.Len(t, top.Nodes(), 1)
	require.Equal(t, "watcher", top.Nodes()[0].ID.Name)
}
