// Package main is meshctl: a command-line client for poking at a running
// mesh — listing its topology, sending topic messages, echoing a topic's
// traffic, and calling services — built on the same node.Node runtime a
// mesh process embeds (spec.md §4.11).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/config"
	"github.com/meshcore/mesh/codec"
	"github.com/meshcore/mesh/coordinator"
	"github.com/meshcore/mesh/node"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "meshctl",
		Usage: "inspect and exercise a running mesh",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "coordinator", Aliases: []string{"c"}, Value: "127.0.0.1:6374", Usage: "coordinator host:port"},
			&cli.StringFlag{Name: "authkey", EnvVars: []string{"MESH_AUTHKEY"}, Usage: "shared secret for HMAC authentication"},
			&cli.StringFlag{Name: "domain-id", Usage: "namespace prefix this meshctl instance registers under"},
		},
		Commands: []*cli.Command{
			topicCommand,
			serviceCommand,
			nodeCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "meshctl:", err)
		os.Exit(1)
	}
}

var topicCommand = &cli.Command{
	Name:  "topic",
	Usage: "publish, subscribe to, or list topics",
	Subcommands: []*cli.Command{
		{
			Name:      "send",
			Usage:     "publish one message to a topic",
			ArgsUsage: "<topic>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "args", Value: "[]", Usage: "JSON array of positional arguments"},
				&cli.StringFlag{Name: "kwargs", Value: "{}", Usage: "JSON object of keyword arguments"},
			},
			Action: func(c *cli.Context) error {
				topicName := c.Args().First()
				if topicName == "" {
					return fmt.Errorf("topic name is required")
				}
				args, kwargs, err := parseArgs(c.String("args"), c.String("kwargs"))
				if err != nil {
					return err
				}
				n, err := buildClientNode(c)
				if err != nil {
					return err
				}
				defer n.Shutdown()
				return n.Send(topicName, args, kwargs)
			},
		},
		{
			Name:      "echo",
			Usage:     "print every message received on a topic until interrupted",
			ArgsUsage: "<topic>",
			Action: func(c *cli.Context) error {
				topicName := c.Args().First()
				if topicName == "" {
					return fmt.Errorf("topic name is required")
				}
				n, err := buildClientNode(c)
				if err != nil {
					return err
				}
				defer n.Shutdown()
				n.Listen(topicName, func(topicName string, args []codec.Data, kwargs map[string]codec.Data) {
					fmt.Printf("%s args=%v kwargs=%v\n", topicName, args, kwargs)
				})
				n.Forever()
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "list every topic currently listened to in the mesh",
			Action: func(c *cli.Context) error {
				top, err := fetchTopology(c)
				if err != nil {
					return err
				}
				counts := make(map[string]int)
				for _, spec := range top.Nodes() {
					for t := range spec.Topics {
						counts[t]++
					}
				}
				printCounts(counts)
				return nil
			},
		},
	},
}

var serviceCommand = &cli.Command{
	Name:  "service",
	Usage: "call or list services",
	Subcommands: []*cli.Command{
		{
			Name:      "call",
			Usage:     "call a service and print its response",
			ArgsUsage: "<service>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "args", Value: "[]", Usage: "JSON array of positional arguments"},
				&cli.StringFlag{Name: "kwargs", Value: "{}", Usage: "JSON object of keyword arguments"},
				&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "how long to wait for a response"},
			},
			Action: func(c *cli.Context) error {
				serviceName := c.Args().First()
				if serviceName == "" {
					return fmt.Errorf("service name is required")
				}
				args, kwargs, err := parseArgs(c.String("args"), c.String("kwargs"))
				if err != nil {
					return err
				}
				n, err := buildClientNode(c)
				if err != nil {
					return err
				}
				defer n.Shutdown()
				result, err := n.Call(serviceName, args, kwargs, c.Duration("timeout"))
				if err != nil {
					return err
				}
				enc, err := json.Marshal(result)
				if err != nil {
					return err
				}
				fmt.Println(string(enc))
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "list every service currently provided in the mesh",
			Action: func(c *cli.Context) error {
				top, err := fetchTopology(c)
				if err != nil {
					return err
				}
				counts := make(map[string]int)
				for _, spec := range top.Nodes() {
					for s := range spec.Services {
						counts[s]++
					}
				}
				printCounts(counts)
				return nil
			},
		},
	},
}

var nodeCommand = &cli.Command{
	Name:  "node",
	Usage: "inspect registered nodes",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list every node currently registered with the coordinator",
			Action: func(c *cli.Context) error {
				top, err := fetchTopology(c)
				if err != nil {
					return err
				}
				nodes := top.Nodes()
				sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.Less(nodes[j].ID) })
				for _, spec := range nodes {
					fmt.Printf("%s  topics=%d services=%d\n", spec.ID, len(spec.Topics), len(spec.Services))
				}
				return nil
			},
		},
	},
}

func parseArgs(argsJSON, kwargsJSON string) ([]codec.Data, map[string]codec.Data, error) {
	var args []codec.Data
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, nil, fmt.Errorf("invalid --args JSON: %w", err)
	}
	var kwargs map[string]codec.Data
	if err := json.Unmarshal([]byte(kwargsJSON), &kwargs); err != nil {
		return nil, nil, fmt.Errorf("invalid --kwargs JSON: %w", err)
	}
	return args, kwargs, nil
}

func printCounts(counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s  %d\n", name, counts[name])
	}
}

// fetchTopology does a one-shot coordinator round trip without standing up a
// full node, for the read-only "list" subcommands. The coordinator answers
// get_topology only on a registered connection, so it first registers a
// throwaway identity with no connection specs and leaves that entry out of
// the returned topology.
func fetchTopology(c *cli.Context) (*cluster.Topology, error) {
	authenticator := auth.New([]byte(c.String("authkey")), config.DefaultChallengeLen, config.DefaultAuthTimeout)
	locator := coordinator.NewStaticLocator(c.String("coordinator"))
	client, err := coordinator.Dial(locator, authenticator, config.DefaultAuthTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	defer client.Close()
	hostname, _ := os.Hostname()
	id := cluster.NewNodeId(fmt.Sprintf("meshctl-%d", os.Getpid()), hostname)
	if err := client.Register(&cluster.MeshNodeSpec{ID: id}); err != nil {
		return nil, fmt.Errorf("register with coordinator: %w", err)
	}
	top, err := client.GetTopology()
	if err != nil {
		return nil, err
	}
	top.Remove(id)
	return top, nil
}

// buildClientNode stands up a throwaway node for send/echo/call subcommands,
// which need a real peer identity to dial other nodes through.
func buildClientNode(c *cli.Context) (*node.Node, error) {
	cfg := config.Default()
	cfg.Authkey = c.String("authkey")
	cfg.NoUnix = true

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)

	builder := node.Builder{
		Name:        fmt.Sprintf("meshctl-%d", os.Getpid()),
		DomainID:    c.String("domain-id"),
		Coordinator: coordinator.NewStaticLocator(c.String("coordinator")),
		Cfg:         cfg,
	}
	return builder.Build(ctx)
}

func installSignalHandler(cancel context.CancelFunc) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()
}

