// Package balance implements the pluggable peer-selection strategies of
// spec.md §4.7: pure functions over a candidate node set.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package balance

import (
	"math/rand"
	"sync"

	"github.com/meshcore/mesh/cluster"
	"github.com/meshcore/mesh/cmn/cos"
	"github.com/meshcore/mesh/cmn/mono"
)

// TopicBalancer selects the subset of candidates a topic send fans out to.
type TopicBalancer interface {
	Select(candidates []*cluster.MeshNodeSpec, topic string) []*cluster.MeshNodeSpec
}

// ServiceBalancer selects the single provider a service call dispatches to,
// or nil if candidates is empty.
type ServiceBalancer interface {
	Select(candidates []*cluster.MeshNodeSpec, service string) *cluster.MeshNodeSpec
}

// Picker selects one representative from candidates for the given key. It
// is the shared core behind the single-pick strategies (random,
// round-robin, least-recent): ServiceBalancer uses it directly, and
// Grouping applies it once per group.
type Picker interface {
	Pick(candidates []*cluster.MeshNodeSpec, key string) *cluster.MeshNodeSpec
}

// NewTopicBalancer and NewServiceBalancer build the named strategy, used by
// cmn/config.Config.{Topic,Service}LoadBalancer. "grouping-round-robin" is
// the documented default (spec.md §6). NewServiceBalancer treats
// "grouping-round-robin" and "" as "round-robin": a service call picks one
// provider among all nodes offering the service, keyed by the service name,
// with no grouping by node name.
func NewTopicBalancer(name string) (TopicBalancer, error) {
	switch name {
	case "", "grouping-round-robin":
		return NewGrouping(DefaultGroupKey, &RoundRobin{}), nil
	case "noop":
		return Noop{}, nil
	case "random":
		return pickerTopic{&Random{}}, nil
	case "round-robin":
		return pickerTopic{&RoundRobin{}}, nil
	case "least-recent":
		return pickerTopic{&LeastRecent{}}, nil
	case "grouping-random":
		return NewGrouping(DefaultGroupKey, &Random{}), nil
	case "grouping-least-recent":
		return NewGrouping(DefaultGroupKey, &LeastRecent{}), nil
	default:
		return nil, cos.NewErrConfiguration("unknown topic load balancer %q", name)
	}
}

func NewServiceBalancer(name string) (ServiceBalancer, error) {
	switch name {
	case "", "grouping-round-robin", "round-robin":
		return pickerService{&RoundRobin{}}, nil
	case "random":
		return pickerService{&Random{}}, nil
	case "least-recent":
		return pickerService{&LeastRecent{}}, nil
	default:
		return nil, cos.NewErrConfiguration("unknown service load balancer %q", name)
	}
}

// DefaultGroupKey is the grouping key spec.md §4.7 and §9 settle on: the
// node's human name, so duplicated topic listeners under the same name are
// treated as one logical peer. Only the grouping topic balancers use it;
// service balancers do not group.
func DefaultGroupKey(s *cluster.MeshNodeSpec) string { return s.ID.Name }

// Noop is the topic-only fan-out strategy: every candidate receives the
// message.
type Noop struct{}

func (Noop) Select(candidates []*cluster.MeshNodeSpec, _ string) []*cluster.MeshNodeSpec {
	return candidates
}

// pickerTopic adapts a Picker into a TopicBalancer that selects exactly one
// candidate (non-grouping random/round-robin/least-recent topic variants).
type pickerTopic struct{ Picker }

func (p pickerTopic) Select(candidates []*cluster.MeshNodeSpec, topic string) []*cluster.MeshNodeSpec {
	n := p.Pick(candidates, topic)
	if n == nil {
		return nil
	}
	return []*cluster.MeshNodeSpec{n}
}

// pickerService adapts a Picker into a ServiceBalancer.
type pickerService struct{ Picker }

func (p pickerService) Select(candidates []*cluster.MeshNodeSpec, service string) *cluster.MeshNodeSpec {
	return p.Pick(candidates, service)
}

// Random picks one candidate uniformly at random.
type Random struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (p *Random) Pick(candidates []*cluster.MeshNodeSpec, _ string) *cluster.MeshNodeSpec {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.r == nil {
		p.r = rand.New(rand.NewSource(mono.NanoTime()))
	}
	return candidates[p.r.Intn(len(candidates))]
}

// RoundRobin cycles deterministically through candidates for a given key,
// wrapping modulo the current candidate-set size.
type RoundRobin struct {
	mu      sync.Mutex
	counter map[string]int
}

func (p *RoundRobin) Pick(candidates []*cluster.MeshNodeSpec, key string) *cluster.MeshNodeSpec {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counter == nil {
		p.counter = make(map[string]int)
	}
	i := p.counter[key] % len(candidates)
	p.counter[key] = i + 1
	return candidates[i]
}

// LeastRecent picks the candidate chosen furthest in the past, breaking
// ties by NodeId so the choice stays deterministic even within the same
// monotonic tick.
type LeastRecent struct {
	mu       sync.Mutex
	lastUsed map[cluster.NodeId]int64
}

func (p *LeastRecent) Pick(candidates []*cluster.MeshNodeSpec, _ string) *cluster.MeshNodeSpec {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUsed == nil {
		p.lastUsed = make(map[cluster.NodeId]int64)
	}
	var chosen *cluster.MeshNodeSpec
	var chosenAt int64 = -1
	for _, c := range candidates {
		t, ok := p.lastUsed[c.ID]
		if !ok {
			chosen = c
			break
		}
		if chosenAt == -1 || t < chosenAt || (t == chosenAt && c.ID.Less(chosen.ID)) {
			chosen, chosenAt = c, t
		}
	}
	p.lastUsed[chosen.ID] = mono.NanoTime()
	return chosen
}

// Grouping partitions candidates by Key, applies Inner to each group, and
// concatenates the results: spec.md §4.7's default production topic
// balancer (one representative per name-group per message).
type Grouping struct {
	Key   func(*cluster.MeshNodeSpec) string
	Inner Picker
}

func NewGrouping(key func(*cluster.MeshNodeSpec) string, inner Picker) *Grouping {
	return &Grouping{Key: key, Inner: inner}
}

func (g *Grouping) Select(candidates []*cluster.MeshNodeSpec, topic string) []*cluster.MeshNodeSpec {
	if len(candidates) == 0 {
		return nil
	}
	groups := make(map[string][]*cluster.MeshNodeSpec)
	var order []string
	for _, c := range candidates {
		k := g.Key(c)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}
	out := make([]*cluster.MeshNodeSpec, 0, len(order))
	for _, k := range order {
		if n := g.Inner.Pick(groups[k], k+"|"+topic); n != nil {
			out = append(out, n)
		}
	}
	return out
}
