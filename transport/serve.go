/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"net"

	"github.com/meshcore/mesh/cmn/nlog"
)

// Serve runs ln's accept loop until ctx is cancelled or the listener is
// closed, handing each accepted connection to handler on its own goroutine.
// Every connection is closed on exit from handler, by return or by panic
// (Serve does not recover the panic) — spec.md §4.2's "guarantee close +
// await close on any exit path".
func Serve(ctx context.Context, ln net.Listener, handler func(context.Context, net.Conn)) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				nlog.Warningf("accept on %s failed: %v", ln.Addr(), err)
				return
			}
		}
		go func() {
			defer conn.Close()
			handler(ctx, conn)
		}()
	}
}
