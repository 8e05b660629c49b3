package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNoInstances is returned when a service has no healthy instances;
// the gateway translates it to a 503 fallback.
var ErrNoInstances = errors.New("no healthy instances")

// Balancer picks instances for a service using weighted round-robin:
// each pass hands out every instance as many times as its health weight,
// so degraded instances still receive traffic, just less of it.
type Balancer struct {
	registry Registry

	mu     sync.Mutex
	cursor map[string]int
}

func NewBalancer(registry Registry) *Balancer {
	return &Balancer{registry: registry, cursor: map[string]int{}}
}

// Pick resolves one endpoint for serviceName.
func (b *Balancer) Pick(ctx context.Context, serviceName string) (Instance, error) {
	instances, err := b.registry.Discover(ctx, serviceName)
	if err != nil {
		return Instance{}, err
	}

	// Stable order: registries backed by maps return instances in
	// arbitrary order, which would defeat the cursor.
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	// Expand by weight so the round-robin cursor visits weighted slots.
	var slots []Instance
	for _, inst := range instances {
		w := inst.Weight
		if w < 0 {
			w = 0
		}
		for i := 0; i < w; i++ {
			slots = append(slots, inst)
		}
	}
	if len(slots) == 0 {
		return Instance{}, ErrNoInstances
	}

	b.mu.Lock()
	idx := b.cursor[serviceName] % len(slots)
	b.cursor[serviceName]++
	b.mu.Unlock()

	return slots[idx], nil
}
