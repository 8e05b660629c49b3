package consul

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	consul "github.com/hashicorp/consul/api"

	"github.com/velocart/platform/discovery"
)

type Registry struct {
	client *consul.Client
}

func NewRegistry(addr string) (*Registry, error) {
	config := consul.DefaultConfig()
	config.Address = addr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &Registry{client: client}, nil
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	parts := strings.Split(hostPort, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid hostPort format %q", hostPort)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}

	return r.client.Agent().ServiceRegister(&consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: parts[0],
		Port:    port,
		Weights: &consul.AgentWeights{Passing: 1, Warning: 1},
		Check: &consul.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	return r.client.Agent().ServiceDeregister(instanceID)
}

// Discover returns passing and warning instances. Warning instances keep
// their (typically lower) configured weight so the balancer sends them a
// reduced share of traffic.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]discovery.Instance, error) {
	entries, _, err := r.client.Health().Service(serviceName, "", false, nil)
	if err != nil {
		return nil, err
	}

	var instances []discovery.Instance
	for _, entry := range entries {
		weight := entry.Service.Weights.Passing
		for _, check := range entry.Checks {
			switch check.Status {
			case consul.HealthCritical:
				weight = 0
			case consul.HealthWarning:
				if entry.Service.Weights.Warning < weight {
					weight = entry.Service.Weights.Warning
				}
			}
		}
		if weight <= 0 {
			continue
		}
		instances = append(instances, discovery.Instance{
			ID:       entry.Service.ID,
			HostPort: fmt.Sprintf("%s:%d", entry.Service.Address, entry.Service.Port),
			Weight:   weight,
		})
	}

	return instances, nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consul.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
