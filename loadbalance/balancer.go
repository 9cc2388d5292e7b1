// Package loadbalance spreads method calls across the hosts serving a channel.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity hosts
//   - WeightedRandom:  hosts with different capacity
//   - ConsistentHash:  the same channel/method keeps landing on the same host
package loadbalance

import (
	"errors"
	"fmt"

	"platform-channel/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance. key identifies the call ("channel/method");
	// strategies that do not need it ignore it. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
