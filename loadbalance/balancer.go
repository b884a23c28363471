// Package loadbalance picks the server a client dials when several
// instances host the same service.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  a client that should keep landing on the same server
package loadbalance

import "hyper-rpc/registry"

// Balancer selects one instance of a service.
type Balancer interface {
	// Pick selects one instance from the available list. It must be safe
	// for concurrent use.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name for logging.
	Name() string
}
