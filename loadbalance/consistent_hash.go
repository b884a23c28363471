package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"

	"hyper-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps Key onto a hash ring of the instances, so the
// same key keeps picking the same server while the instance set is stable,
// and most keys stay put when it changes.
//
// Each instance owns replicas virtual nodes hashed from "{addr}#{i}":
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
	Key      string
	replicas int
}

// NewConsistentHashBalancer creates a balancer for key with 100 virtual
// nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{Key: key, replicas: defaultReplicas}
}

type ring struct {
	hashes []uint32
	nodes  map[uint32]int // hash → index into the instance list
}

func newRing(instances []registry.Instance, replicas int) *ring {
	r := &ring{
		hashes: make([]uint32, 0, len(instances)*replicas),
		nodes:  make(map[uint32]int, len(instances)*replicas),
	}
	for i, inst := range instances {
		for v := 0; v < replicas; v++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(v)))
			if _, taken := r.nodes[hash]; taken {
				continue
			}
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = i
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup returns the first node clockwise from the hash of key.
func (r *ring) lookup(key string) int {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}

// Pick builds the ring from instances and returns the owner of Key. The
// ring is rebuilt per call since the instance list comes fresh from
// discovery each time.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}
	replicas := b.replicas
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	return &instances[newRing(instances, replicas).lookup(b.Key)], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
