// Package stats tracks mesh-wide counters and gauges, exported over
// Prometheus' client library the way the teacher's daemons export runtime
// stats, replacing the original statsd-based tracker.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import "github.com/prometheus/client_golang/prometheus"

// Tracker is implemented by anything that records the mesh's observable
// events; Prometheus is the only production implementation, but tests can
// substitute a no-op.
type Tracker interface {
	OutboxDropped(nodeID string)
	TopicBroadcast(topic string)
	TopologySize(nodeCount int)
	ServiceCallLatency(service string, seconds float64)
	ServiceCallError(service string)
}

// Prom is the production Tracker, registered against a caller-supplied
// *prometheus.Registry so cmd/coordinator and a process embedding a node can
// each expose their own /metrics endpoint without colliding on the global default registry.
type Prom struct {
	outboxDropped  *prometheus.CounterVec
	topicBroadcast *prometheus.CounterVec
	topologySize   prometheus.Gauge
	serviceLatency *prometheus.HistogramVec
	serviceErrors  *prometheus.CounterVec
}

func NewProm(reg *prometheus.Registry, namespace string) *Prom {
	p := &Prom{
		outboxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_dropped_total",
			Help: "Frames dropped from a per-node outbox due to overflow or expiry.",
		}, []string{"node"}),
		topicBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "topic_broadcast_total",
			Help: "Messages sent on a topic.",
		}, []string{"topic"}),
		topologySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "topology_nodes",
			Help: "Number of nodes in the last topology snapshot.",
		}),
		serviceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "service_call_seconds",
			Help:    "Service call round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		serviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_call_errors_total",
			Help: "Service calls that resolved to an error response.",
		}, []string{"service"}),
	}
	reg.MustRegister(p.outboxDropped, p.topicBroadcast, p.topologySize, p.serviceLatency, p.serviceErrors)
	return p
}

func (p *Prom) OutboxDropped(nodeID string)      { p.outboxDropped.WithLabelValues(nodeID).Inc() }
func (p *Prom) TopicBroadcast(topic string)      { p.topicBroadcast.WithLabelValues(topic).Inc() }
func (p *Prom) TopologySize(nodeCount int)       { p.topologySize.Set(float64(nodeCount)) }
func (p *Prom) ServiceCallLatency(service string, seconds float64) {
	p.serviceLatency.WithLabelValues(service).Observe(seconds)
}
func (p *Prom) ServiceCallError(service string) { p.serviceErrors.WithLabelValues(service).Inc() }

// Noop discards everything; used by tests and by components run without a
// metrics registry configured.
type Noop struct{}

func (Noop) OutboxDropped(string)                 {}
func (Noop) TopicBroadcast(string)                {}
func (Noop) TopologySize(int)                     {}
func (Noop) ServiceCallLatency(string, float64)   {}
func (Noop) ServiceCallError(string)              {}
