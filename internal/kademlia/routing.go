package kademlia

import (
	"math/rand/v2"
	"net"
	"sort"
	"sync"
)

const (
	// BucketCount is the number of buckets in the routing table, one per
	// bit of the identifier space.
	BucketCount = 160

	// BucketCapacity is deliberately far above the classic Kademlia k=8:
	// this crawler optimizes for harvesting as many live nodes as
	// possible rather than for precise lookup routing.
	BucketCapacity = 1600
)

// Node is a DHT peer: its id and last-known address.
type Node struct {
	ID   NodeID
	Addr *net.UDPAddr
}

// ProbeFunc is invoked when a bucket is full and the random eviction coin
// flip loses: the routing table hands the rejected new node to the caller
// to probe, rather than growing past BucketCapacity.
type ProbeFunc func(Node)

type bucket struct {
	nodes []Node
}

// RoutingTable holds the 160 buckets of known nodes around a local id. All
// mutation happens on the single engine goroutine; the mutex exists only
// so that other goroutines (tests, stats readers) may read it concurrently.
type RoutingTable struct {
	mu      sync.RWMutex
	local   NodeID
	buckets [BucketCount]bucket
	probe   ProbeFunc
}

func NewRoutingTable(local NodeID, probe ProbeFunc) *RoutingTable {
	return &RoutingTable{local: local, probe: probe}
}

// Insert adds or refreshes n in the table. If n's bucket is full, a coin
// flip decides between evicting a random existing entry and leaving the
// bucket untouched while asking the caller to probe n via ProbeFunc.
// Returns true if n now occupies a slot in the table.
func (rt *RoutingTable) Insert(n Node) bool {
	if n.ID == rt.local {
		return false
	}
	idx := BucketIndex(rt.local, n.ID)

	rt.mu.Lock()
	b := &rt.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].ID == n.ID {
			b.nodes[i].Addr = n.Addr
			rt.mu.Unlock()
			return true
		}
	}
	if len(b.nodes) < BucketCapacity {
		b.nodes = append(b.nodes, n)
		rt.mu.Unlock()
		return true
	}
	if rand.IntN(2) == 0 {
		victim := rand.IntN(len(b.nodes))
		b.nodes[victim] = n
		rt.mu.Unlock()
		return true
	}
	rt.mu.Unlock()

	if rt.probe != nil {
		rt.probe(n)
	}
	return false
}

// Remove deletes a node by id, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	if id == rt.local {
		return
	}
	idx := BucketIndex(rt.local, id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Len returns the total number of nodes held across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].nodes)
	}
	return n
}

// ClosestToNode returns up to k nodes closest to target (interpreted as a
// NodeID's own XOR target).
func (rt *RoutingTable) ClosestToNode(target NodeID, k int) []Node {
	return rt.closest([IDLen]byte(target), k)
}

// ClosestToInfoHash returns up to k nodes closest to an info-hash.
func (rt *RoutingTable) ClosestToInfoHash(target InfoHash, k int) []Node {
	return rt.closest([IDLen]byte(target), k)
}

// closest implements spec's two-sided bucket expansion: starting from the
// target's home bucket, expand leftward (toward bucket 0) collecting nodes
// until k are gathered, independently expand rightward from home+1 until k
// are gathered, then return the k nodes of the union closest to target.
func (rt *RoutingTable) closest(target [IDLen]byte, k int) []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	home := BucketIndex(rt.local, NodeID(target))
	if home < 0 {
		home = 0
	}

	seen := make(map[NodeID]struct{})
	var left, right []Node

	for idx := home; idx >= 0 && len(left) < k; idx-- {
		for _, n := range rt.buckets[idx].nodes {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			left = append(left, n)
		}
	}
	for idx := home + 1; idx < BucketCount && len(right) < k; idx++ {
		for _, n := range rt.buckets[idx].nodes {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			right = append(right, n)
		}
	}

	union := append(left, right...)
	sortByDistance(union, target)
	if len(union) > k {
		union = union[:k]
	}
	return union
}

// ClosestOf returns the k nodes in nodes closest to target, deduplicated by
// id. Unlike RoutingTable.closest this operates over an arbitrary slice
// rather than the bucketed table — used by the searcher's convergence
// check over its own accumulated node set.
func ClosestOf(nodes []Node, target [IDLen]byte, k int) []Node {
	seen := make(map[NodeID]struct{}, len(nodes))
	uniq := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		uniq = append(uniq, n)
	}
	sortByDistance(uniq, target)
	if len(uniq) > k {
		uniq = uniq[:k]
	}
	return uniq
}

func sortByDistance(nodes []Node, target [IDLen]byte) {
	sort.Slice(nodes, func(i, j int) bool {
		di := xor([IDLen]byte(nodes[i].ID), target)
		dj := xor([IDLen]byte(nodes[j].ID), target)
		if di != dj {
			return less(di, dj)
		}
		return less([IDLen]byte(nodes[i].ID), [IDLen]byte(nodes[j].ID))
	})
}
