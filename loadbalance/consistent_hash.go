package loadbalance

import (
	"fmt"
	"hash/crc32"
	"platform-channel/registry"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each real instance is placed on the ring as N virtual nodes so that a
// handful of instances still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string // Sorted addresses the ring was built from
	ring      []uint32
	nodes     map[uint32]registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// add places instance on the ring as N virtual nodes. Must be called with mu held.
func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// rebuild resets the ring when the discovered instance set differs from the
// one it was built from. Must be called with mu held.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.signature {
		return
	}

	b.signature = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		b.add(inst)
	}
	b.sortRing()
}

// Pick finds the instance responsible for key among instances.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rebuild(instances)
	return b.lookup(key), nil
}

// lookup binary-searches for the first node at or after the key's hash,
// wrapping to the start of the ring. Must be called with mu held.
func (b *ConsistentHashBalancer) lookup(key string) *registry.ServiceInstance {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
