package loadbalance

import (
	"math/rand"
	"platform-channel/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. Instances registered without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
