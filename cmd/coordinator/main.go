// Package main is the mesh coordinator: the registry and broadcast hub
// every node in a mesh dials to find its peers (spec.md §4.10).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cmn/config"
	"github.com/meshcore/mesh/cmn/nlog"
	"github.com/meshcore/mesh/coordinator"
	"github.com/meshcore/mesh/hk"
	"github.com/meshcore/mesh/stats"
	"github.com/meshcore/mesh/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "registry and broadcast hub for a mesh of nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a coordinator YAML config file"},
			&cli.StringFlag{Name: "host", Value: "0.0.0.0", Usage: "address to bind the coordinator listener on"},
			&cli.IntFlag{Name: "port", Value: config.DefaultCoordinatorPort, Usage: "port to bind the coordinator listener on"},
			&cli.StringFlag{Name: "authkey", EnvVars: []string{"MESH_AUTHKEY"}, Usage: "shared secret for HMAC peer authentication; empty disables authentication"},
			&cli.DurationFlag{Name: "heartbeat-timeout", Value: config.DefaultHeartbeatTO, Usage: "evict a node once this long has passed since its last heartbeat"},
			&cli.BoolFlag{Name: "log-heartbeats", Usage: "log every received ping, not just registrations and evictions"},
			&cli.IntFlag{Name: "metrics-port", Value: 0, Usage: "port to serve Prometheus /metrics on; 0 disables it"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		nlog.Errorf("coordinator exited: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %q: %w", path, err)
		}
		cfg = loaded
	}
	if c.IsSet("authkey") {
		cfg.Authkey = c.String("authkey")
	}
	if c.IsSet("heartbeat-timeout") {
		cfg.HeartbeatTO = c.Duration("heartbeat-timeout")
	}
	if c.IsSet("log-heartbeats") {
		cfg.LogHeartbeats = c.Bool("log-heartbeats")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	authenticator := auth.New([]byte(cfg.Authkey), cfg.ChallengeLen, cfg.AuthTimeout)

	tracker, err := newTracker(c.Int("metrics-port"))
	if err != nil {
		return err
	}

	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()
	defer housekeeper.Stop()

	srv := coordinator.NewServer(authenticator, cfg.HeartbeatTO, cfg.LogHeartbeats, tracker, housekeeper)

	addr := net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port")))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	nlog.Infof("coordinator listening on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)

	transport.Serve(ctx, ln, srv.Handle)
	nlog.Infof("coordinator shut down")
	return nil
}

// newTracker wires a Prometheus registry and serves it over HTTP when
// metricsPort is non-zero; otherwise the coordinator tracks nothing.
func newTracker(metricsPort int) (stats.Tracker, error) {
	if metricsPort == 0 {
		return stats.Noop{}, nil
	}
	reg := prometheus.NewRegistry()
	tracker := stats.NewProm(reg, "mesh_coordinator")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(metricsPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s for metrics: %w", addr, err)
	}
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			nlog.Warningf("metrics server stopped: %v", err)
		}
	}()
	nlog.Infof("metrics listening on %s", ln.Addr())
	return tracker, nil
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		nlog.Infof("received shutdown signal")
		cancel()
	}()
}
