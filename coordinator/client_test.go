/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/coordinator"
	"github.com/stretchr/testify/require"
)

func TestClientRegisterPingGetTopology(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()

	locator := coordinator.NewStaticLocator(ln.Addr().String())
	client, err := coordinator.Dial(locator, auth.Noop{}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Register(testSpec("alpha")))
	require.NoError(t, client.Ping())

	top, err := client.GetTopology()
	require.NoError(t, err)
	require.Len(t, top.Nodes(), 1)
}

func TestClientObservesBroadcastFromPeerJoin(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()

	locator := coordinator.NewStaticLocator(ln.Addr().String())
	clientA, err := coordinator.Dial(locator, auth.Noop{}, time.Second)
	require.NoError(t, err)
	defer clientA.Close()

	var seen atomic.Int32
	clientA.OnBroadcast = func(top *cluster.Topology) { seen.Store(int32(len(top.Nodes()))) }
	require.NoError(t, clientA.Register(testSpec("alpha")))

	clientB, err := coordinator.Dial(locator, auth.Noop{}, time.Second)
	require.NoError(t, err)
	defer clientB.Close()
	require.NoError(t, clientB.Register(testSpec("beta")))

	require.Eventually(t, func() bool { return seen.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientUpdateRepeatsRegistration(t *testing.T) {
	ln, _ := startServer(t, time.Minute)
	defer ln.Close()

	locator := coordinator.NewStaticLocator(ln.Addr().String())
	client, err := coordinator.Dial(locator, auth.Noop{}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	spec := testSpec("alpha")
	require.NoError(t, client.Register(spec))
	spec.Topics["new-topic"] = struct{}{}
	require.NoError(t, client.Update(spec))

	top, err := client.GetTopology()
	require.NoError(t, err)
	require.Contains(t, top.Nodes()[0].Topics, "new-topic")
}
