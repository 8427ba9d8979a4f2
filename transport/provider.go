// Package transport implements the mesh's server providers (spec.md §4.2):
// the TCP and Unix-domain listeners a node advertises itself through, plus
// the accept-loop wrapper that guarantees every stream is closed on exit.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/pkg/errors"
)

// StartResult is what a Provider hands back: either a bound listener plus
// the ConnectionSpecs to advertise for it, or Unsupported set to signal
// "this host cannot offer this provider" — a result variant, not an error
// type, per spec.md §9's guidance on modeling the original's exception-based
// "Unsupported provider" signal.
type StartResult struct {
	Listener    net.Listener
	Specs       []cluster.ConnectionSpec
	Unsupported bool
}

// Provider binds one kind of listening socket and describes how to reach
// it from elsewhere on the mesh.
type Provider interface {
	Start(serverHost, clientHost string, port int) (StartResult, error)
}

// TCPProvider binds serverHost:port (port 0 picks an OS-assigned ephemeral
// port) and advertises it under clientHost, the publishable hostname.
type TCPProvider struct{}

func (TCPProvider) Start(serverHost, clientHost string, port int) (StartResult, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(serverHost, strconv.Itoa(port)))
	if err != nil {
		return StartResult{}, errors.Wrap(err, "tcp provider")
	}
	addr := ln.Addr().(*net.TCPAddr)
	family := cluster.AFInet
	if addr.IP.To4() == nil {
		family = cluster.AFInet6
	}
	if clientHost == "" {
		clientHost, _ = os.Hostname()
	}
	spec := cluster.IPConnectionSpec(cluster.IPSpec{Host: clientHost, Port: addr.Port, Family: family})
	return StartResult{Listener: ln, Specs: []cluster.ConnectionSpec{spec}}, nil
}

// UnixProvider binds a unique socket path under the system temp dir,
// prefixed "mesh-node-server." per spec.md §4.2, and reports Unsupported on
// platforms without Unix domain socket support (notably Windows).
type UnixProvider struct{}

func (UnixProvider) Start(_ string, clientHost string, _ int) (StartResult, error) {
	if runtime.GOOS == "windows" || !cos.UnixSocketsSupported() {
		return StartResult{Unsupported: true}, nil
	}
	path, err := cos.NewUnixSocketPath("mesh-node-server.")
	if err != nil {
		return StartResult{}, errors.Wrap(err, "unix provider")
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return StartResult{}, errors.Wrap(err, "unix provider")
	}
	if clientHost == "" {
		clientHost, _ = os.Hostname()
	}
	spec := cluster.UnixConnectionSpec(cluster.UnixSpec{Path: path, Host: clientHost})
	return StartResult{Listener: ln, Specs: []cluster.ConnectionSpec{spec}}, nil
}

// StartAll tries every provider in order, skipping Unsupported ones and
// logging (but not failing on) providers that error. It fails startup only
// when not a single provider succeeds (spec.md §4.2).
func StartAll(providers []Provider, serverHost, clientHost string, port int) ([]net.Listener, []cluster.ConnectionSpec, error) {
	var (
		listeners []net.Listener
		specs     []cluster.ConnectionSpec
	)
	for _, p := range providers {
		res, err := p.Start(serverHost, clientHost, port)
		if err != nil {
			nlog.Warningf("server provider failed to start: %v", err)
			continue
		}
		if res.Unsupported {
			nlog.Infof("server provider unsupported on this host, skipping")
			continue
		}
		listeners = append(listeners, res.Listener)
		specs = append(specs, res.Specs...)
	}
	if len(listeners) == 0 {
		return nil, nil, cos.NewErrConfiguration("no server provider could start; node cannot accept connections")
	}
	return listeners, specs, nil
}
