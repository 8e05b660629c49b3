package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Instance is one discovered service endpoint. Weight reflects health:
// passing instances carry their configured weight, degraded ones less;
// zero-weight instances are skipped by the balancer.
type Instance struct {
	ID       string
	HostPort string
	Weight   int
}

// Registry abstracts the service registry. Consul backs production, the
// in-memory registry backs tests and local runs.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]Instance, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID returns a unique id for registration, in the form
// "<service>-<random>". Randomness avoids collisions when several
// instances start at once.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
