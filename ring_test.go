package plexus

import (
	"fmt"
	"testing"
)

func TestRingGetConsistent(t *testing.T) {
	r := newHashRing()
	r.Add("inst-a")
	r.Add("inst-b")
	r.Add("inst-c")

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("session-%d", i)
		first := r.Get(key)
		if first == "" {
			t.Fatalf("Get(%q) = empty", key)
		}
		for j := 0; j < 5; j++ {
			if got := r.Get(key); got != first {
				t.Fatalf("Get(%q) = %q, want stable %q", key, got, first)
			}
		}
	}
}

func TestRingEmpty(t *testing.T) {
	r := newHashRing()
	if got := r.Get("anything"); got != "" {
		t.Errorf("Get on empty ring = %q, want empty", got)
	}
}

func TestRingRemoveOnlyRemapsVictimKeys(t *testing.T) {
	r := newHashRing()
	r.Add("inst-a")
	r.Add("inst-b")
	r.Add("inst-c")

	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("session-%d", i)
		before[key] = r.Get(key)
	}

	r.Remove("inst-b")

	for key, owner := range before {
		got := r.Get(key)
		if got == "inst-b" {
			t.Fatalf("Get(%q) = removed member", key)
		}
		// Keys not owned by the removed member stay put.
		if owner != "inst-b" && got != owner {
			t.Errorf("Get(%q) = %q, want unchanged %q", key, got, owner)
		}
	}
}

func TestRingDistribution(t *testing.T) {
	r := newHashRing()
	members := []string{"inst-a", "inst-b", "inst-c", "inst-d"}
	for _, m := range members {
		r.Add(m)
	}

	counts := make(map[string]int)
	const keys = 4000
	for i := 0; i < keys; i++ {
		counts[r.Get(fmt.Sprintf("session-%d", i))]++
	}

	// With 150 vnodes per member the split is rough, not exact. Every member
	// should still carry a meaningful share.
	for _, m := range members {
		share := float64(counts[m]) / keys
		if share < 0.10 {
			t.Errorf("member %s owns %.1f%% of keys, want at least 10%%", m, share*100)
		}
	}
}

func TestRingAddIdempotent(t *testing.T) {
	r := newHashRing()
	r.Add("inst-a")
	points := len(r.points)
	r.Add("inst-a")
	if len(r.points) != points {
		t.Errorf("re-adding a member grew the ring: %d -> %d points", points, len(r.points))
	}
	if got := r.Members(); len(got) != 1 || got[0] != "inst-a" {
		t.Errorf("Members() = %v, want [inst-a]", got)
	}
}
