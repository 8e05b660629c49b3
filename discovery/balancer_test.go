package discovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/platform/discovery"
	"github.com/velocart/platform/discovery/inmem"
)

func TestPickRoundRobinsAcrossInstances(t *testing.T) {
	reg := inmem.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "i-1", "inventory", "host1:8080"))
	require.NoError(t, reg.Register(ctx, "i-2", "inventory", "host2:8080"))

	b := discovery.NewBalancer(reg)
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(ctx, "inventory")
		require.NoError(t, err)
		seen[inst.HostPort]++
	}

	assert.Equal(t, 5, seen["host1:8080"])
	assert.Equal(t, 5, seen["host2:8080"])
}

func TestPickHonorsWeights(t *testing.T) {
	reg := inmem.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "i-1", "orders", "heavy:8080"))
	require.NoError(t, reg.Register(ctx, "i-2", "orders", "light:8080"))
	reg.SetWeight("orders", "i-1", 3)

	b := discovery.NewBalancer(reg)
	seen := map[string]int{}
	for i := 0; i < 8; i++ {
		inst, err := b.Pick(ctx, "orders")
		require.NoError(t, err)
		seen[inst.HostPort]++
	}

	assert.Equal(t, 6, seen["heavy:8080"])
	assert.Equal(t, 2, seen["light:8080"])
}

func TestPickZeroInstances(t *testing.T) {
	b := discovery.NewBalancer(inmem.NewRegistry())
	_, err := b.Pick(context.Background(), "ghost")
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}

func TestZeroWeightInstancesAreSkipped(t *testing.T) {
	reg := inmem.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "i-1", "payments", "down:8080"))
	reg.SetWeight("payments", "i-1", 0)

	b := discovery.NewBalancer(reg)
	_, err := b.Pick(ctx, "payments")
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}
