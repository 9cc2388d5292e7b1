package registry

import (
	"context"

	"github.com/google/uuid"
)

// ServiceInstance is one host serving a channel.
type ServiceInstance struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Semver of the host build, may be empty
}

// NewInstance returns an instance for addr with a fresh ID and weight 1.
func NewInstance(addr, version string) ServiceInstance {
	return ServiceInstance{
		ID:      uuid.NewString(),
		Addr:    addr,
		Weight:  1,
		Version: version,
	}
}

type Registry interface {
	Register(ctx context.Context, channelName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, channelName string, addr string) error
	Discover(ctx context.Context, channelName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, channelName string) <-chan []ServiceInstance
}
