package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mushroom/registry"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring, so the
// same key keeps landing on the same server while the ring is unchanged.
// The client uses its session id as the key.
//
// Each endpoint is placed on the ring as `replicas` virtual nodes to keep
// the distribution even with only a few servers.
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

	mu    sync.Mutex
	ring  []uint32                     // sorted hash values
	nodes map[uint32]registry.Endpoint // hash value → endpoint
	urls  string                       // endpoint set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Add places an endpoint onto the ring. Each virtual node is hashed from
// "{url}#{i}".
func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(ep registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.URL, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the endpoint responsible for key: the first ring node whose
// hash is >= the key's hash, wrapping to the start of the ring.
//
// The ring is rebuilt whenever the endpoint list differs from the one it was
// last built from. A nil list picks from the endpoints added with Add.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if endpoints != nil {
		b.rebuild(endpoints)
	}
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	urls := make([]string, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.URL
	}
	sort.Strings(urls)
	set := strings.Join(urls, "\n")
	if set == b.urls {
		return
	}

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		b.add(ep)
	}
	b.sortRing()
	b.urls = set
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
