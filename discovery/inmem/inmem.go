// Package inmem is the registry used by unit tests and local runs: no
// Consul required, same contract.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/velocart/platform/discovery"
)

const instanceTTL = 5 * time.Second

type Registry struct {
	sync.RWMutex
	addrs map[string]map[string]*serviceInstance
}

type serviceInstance struct {
	hostPort   string
	weight     int
	lastActive time.Time
}

func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*serviceInstance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		r.addrs[serviceName] = map[string]*serviceInstance{}
	}
	r.addrs[serviceName][instanceID] = &serviceInstance{
		hostPort:   hostPort,
		weight:     1,
		lastActive: time.Now(),
	}
	return nil
}

// SetWeight adjusts an instance's health weight; tests use it to simulate
// degraded upstreams.
func (r *Registry) SetWeight(serviceName, instanceID string, weight int) {
	r.Lock()
	defer r.Unlock()
	if inst, ok := r.addrs[serviceName][instanceID]; ok {
		inst.weight = weight
	}
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		return nil
	}
	delete(r.addrs[serviceName], instanceID)
	return nil
}

// HealthCheck refreshes the instance TTL, simulating Consul's
// DeregisterCriticalServiceAfter behavior: instances not refreshed within
// the TTL drop out of Discover results.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		return errors.New("service is not registered yet")
	}
	inst, ok := r.addrs[serviceName][instanceID]
	if !ok {
		return errors.New("service instance is not registered yet")
	}
	inst.lastActive = time.Now()
	return nil
}

func (r *Registry) Discover(ctx context.Context, serviceName string) ([]discovery.Instance, error) {
	r.RLock()
	defer r.RUnlock()

	var res []discovery.Instance
	cutoff := time.Now().Add(-instanceTTL)
	for id, inst := range r.addrs[serviceName] {
		if inst.lastActive.Before(cutoff) {
			continue
		}
		res = append(res, discovery.Instance{ID: id, HostPort: inst.hostPort, Weight: inst.weight})
	}
	return res, nil
}

var _ discovery.Registry = (*Registry)(nil)
