package plexus

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// vnodesPerMember is how many virtual nodes each member contributes to the
// hash ring. More vnodes smooth the key distribution across members.
const vnodesPerMember = 150

// hashRing is a consistent hash ring over instance IDs. Adding or removing
// one member only remaps the keys that hashed to its vnodes, so session keys
// stay pinned across most membership changes.
type hashRing struct {
	mu      sync.RWMutex
	points  []uint32          // sorted vnode hashes
	owners  map[uint32]string // vnode hash -> member
	members map[string]bool
}

func newHashRing() *hashRing {
	return &hashRing{
		owners:  make(map[uint32]string),
		members: make(map[string]bool),
	}
}

func ringHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Add inserts a member's vnodes. Adding an existing member is a no-op.
func (r *hashRing) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[member] {
		return
	}
	r.members[member] = true
	for i := 0; i < vnodesPerMember; i++ {
		h := ringHash(fmt.Sprintf("%s#%d", member, i))
		// First writer keeps a colliding point; the collision only costs
		// one vnode of smoothing.
		if _, taken := r.owners[h]; taken {
			continue
		}
		r.owners[h] = member
		r.points = append(r.points, h)
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// Remove deletes a member and its vnodes.
func (r *hashRing) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.members[member] {
		return
	}
	delete(r.members, member)
	kept := r.points[:0]
	for _, h := range r.points {
		if r.owners[h] == member {
			delete(r.owners, h)
			continue
		}
		kept = append(kept, h)
	}
	r.points = kept
}

// Get returns the member owning the key: the first vnode clockwise from the
// key's hash. Empty ring returns "".
func (r *hashRing) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	h := ringHash(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.owners[r.points[i]]
}

// Members returns the current member set.
func (r *hashRing) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
