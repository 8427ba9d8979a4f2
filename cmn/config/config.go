// Package config holds the runtime configuration shared by coordinator and
// node processes, loaded from YAML the way the teacher's daemons load their
// cluster config.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"time"

	"github.com/meshcore/mesh/cmn/cos"
	"gopkg.in/yaml.v3"
)

// Defaults, per spec.md §6.
const (
	DefaultCoordinatorPort = 6374
	DefaultChallengeLen    = 32
	DefaultAuthTimeout     = 10 * time.Second
	DefaultOutboxTTL       = 5 * time.Second
	DefaultOutboxMaxSize   = 100
	DefaultListenerQueue   = 10
	DefaultHeartbeat       = 3 * time.Second
	DefaultHeartbeatTO     = 15 * time.Second
	EphemeralPortLo        = 49152
	EphemeralPortHi        = 65535
)

// Codec names accepted by codec.New.
const (
	CodecCBOR = "cbor"
	CodecJSON = "json"
	CodecGob  = "gob"
)

// Config is shared by the coordinator and node builders. Fields are
// exported so both YAML decoding and programmatic construction work.
type Config struct {
	// Coordinator is the "host[:port]" a node dials to join the mesh, or
	// the address a coordinator process binds.
	Coordinator string `yaml:"coordinator"`

	// Authkey is the shared HMAC secret. Empty disables authentication.
	Authkey string `yaml:"authkey"`

	// DomainID namespaces otherwise-identical meshes sharing a LAN; it has
	// no wire representation beyond being folded into the advertised name.
	DomainID string `yaml:"domain_id"`

	Codec string `yaml:"codec"`

	ChallengeLen  int           `yaml:"challenge_len"`
	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	OutboxTTL     time.Duration `yaml:"outbox_ttl"`
	OutboxMaxSize int           `yaml:"outbox_maxsize"`
	ListenerQueue int           `yaml:"listener_queue"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	HeartbeatTO   time.Duration `yaml:"heartbeat_timeout"`
	LogHeartbeats bool          `yaml:"log_heartbeats"`

	// TopicLoadBalancer/ServiceLoadBalancer name the strategies registered
	// in package balance; empty selects the default: grouping-by-name ->
	// round-robin for topics, plain round-robin over all providers for
	// services.
	TopicLoadBalancer   string `yaml:"topic_load_balancer"`
	ServiceLoadBalancer string `yaml:"service_load_balancer"`

	MaxRequestIDs int `yaml:"max_request_ids"`

	ClientHost string `yaml:"client_host"`
	ServerHost string `yaml:"server_host"`
	TCPPort    int    `yaml:"tcp_port"`
	NoUnix     bool   `yaml:"no_unix"`
}

// Default returns a Config with every spec-mandated default filled in.
func Default() *Config {
	return &Config{
		Coordinator:         "",
		Codec:               CodecCBOR,
		ChallengeLen:        DefaultChallengeLen,
		AuthTimeout:         DefaultAuthTimeout,
		OutboxTTL:           DefaultOutboxTTL,
		OutboxMaxSize:       DefaultOutboxMaxSize,
		ListenerQueue:       DefaultListenerQueue,
		Heartbeat:           DefaultHeartbeat,
		HeartbeatTO:         DefaultHeartbeatTO,
		TopicLoadBalancer:   "grouping-round-robin",
		ServiceLoadBalancer: "grouping-round-robin",
		MaxRequestIDs:       1 << 16,
		ServerHost:          "0.0.0.0",
	}
}

// Load reads a YAML config file and overlays it onto the documented
// defaults; fields absent from the file keep the default, while a field set
// in the file replaces it, even with a zero value.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, cos.NewErrConfiguration("cannot parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Codec {
	case CodecCBOR, CodecJSON, CodecGob:
	default:
		return cos.NewErrConfiguration("unknown codec %q", c.Codec)
	}
	if c.OutboxMaxSize <= 0 {
		return cos.NewErrConfiguration("outbox_maxsize must be positive, got %d", c.OutboxMaxSize)
	}
	return nil
}
