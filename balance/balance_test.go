/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package balance_test

import (
	"github.com/meshcore/mesh/balance"
	"github.com/meshcore/mesh/cluster"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func node(name, uuid string) *cluster.MeshNodeSpec {
	return &cluster.MeshNodeSpec{ID: cluster.NodeId{Name: name, Hostname: "h", UUID: uuid}}
}

var _ = Describe("load balancers", func() {
	var candidates []*cluster.MeshNodeSpec

	BeforeEach(func() {
		candidates = []*cluster.MeshNodeSpec{node("a", "1"), node("b", "2"), node("c", "3")}
	})

	It("noop returns every candidate", func() {
		Expect(balance.Noop{}.Select(candidates, "t")).To(HaveLen(3))
	})

	It("noop and round-robin return empty/nil on empty candidates", func() {
		Expect(balance.Noop{}.Select(nil, "t")).To(BeEmpty())
		rr := &balance.RoundRobin{}
		Expect(rr.Pick(nil, "t")).To(BeNil())
	})

	It("round-robin cycles through every candidate exactly once per len(candidates) calls", func() {
		rr := &balance.RoundRobin{}
		seen := map[cluster.NodeId]int{}
		for i := 0; i < len(candidates); i++ {
			n := rr.Pick(candidates, "svc")
			seen[n.ID]++
		}
		for _, c := range candidates {
			Expect(seen[c.ID]).To(Equal(1))
		}
		// second full cycle repeats the same sequence
		n := rr.Pick(candidates, "svc")
		Expect(n.ID).To(Equal(candidates[0].ID))
	})

	It("least-recent picks the candidate chosen furthest in the past", func() {
		lr := &balance.LeastRecent{}
		first := lr.Pick(candidates, "")
		second := lr.Pick(candidates, "")
		Expect(second.ID).NotTo(Equal(first.ID))
		third := lr.Pick(candidates, "")
		Expect(third.ID).NotTo(Equal(first.ID))
		Expect(third.ID).NotTo(Equal(second.ID))
		// every candidate used once; the least-recent is now `first` again
		fourth := lr.Pick(candidates, "")
		Expect(fourth.ID).To(Equal(first.ID))
	})

	It("grouping picks one representative per name-group", func() {
		dup := []*cluster.MeshNodeSpec{node("worker", "1"), node("worker", "2"), node("solo", "3")}
		g := balance.NewGrouping(balance.DefaultGroupKey, &balance.RoundRobin{})
		out := g.Select(dup, "t")
		Expect(out).To(HaveLen(2)) // one "worker" representative + "solo"
	})

	It("grouping round robin default distributes fan-in evenly across a duplicated name", func() {
		dup := []*cluster.MeshNodeSpec{node("worker", "1"), node("worker", "2")}
		g := balance.NewGrouping(balance.DefaultGroupKey, &balance.RoundRobin{})
		counts := map[cluster.NodeId]int{}
		for i := 0; i < 100; i++ {
			out := g.Select(dup, "t")
			Expect(out).To(HaveLen(1))
			counts[out[0].ID]++
		}
		Expect(counts[dup[0].ID]).To(Equal(50))
		Expect(counts[dup[1].ID]).To(Equal(50))
	})

	It("service balancer returns nil on empty candidates", func() {
		sb, err := balance.NewServiceBalancer("round-robin")
		Expect(err).NotTo(HaveOccurred())
		Expect(sb.Select(nil, "svc")).To(BeNil())
	})

	It("rejects unknown balancer names", func() {
		_, err := balance.NewTopicBalancer("bogus")
		Expect(err).To(HaveOccurred())
		_, err = balance.NewServiceBalancer("bogus")
		Expect(err).To(HaveOccurred())
	})
})
