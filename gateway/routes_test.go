package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRouteFirstPredicateWins(t *testing.T) {
	routes := []Route{
		{ID: "orders-cancel", PathPrefix: "/api/v1/orders", Methods: []string{"POST"}, URI: "lb://orders"},
		{ID: "orders", PathPrefix: "/api/v1/orders", URI: "lb://orders"},
		{ID: "inventory", PathPrefix: "/api/v1/inventory", URI: "lb://inventory"},
	}

	r := httptest.NewRequest("POST", "/api/v1/orders", nil)
	rt, ok := MatchRoute(routes, r)
	require.True(t, ok)
	assert.Equal(t, "orders-cancel", rt.ID)

	r = httptest.NewRequest("GET", "/api/v1/orders/abc", nil)
	rt, ok = MatchRoute(routes, r)
	require.True(t, ok)
	assert.Equal(t, "orders", rt.ID)

	r = httptest.NewRequest("GET", "/api/v1/inventory/products/p1/stock", nil)
	rt, ok = MatchRoute(routes, r)
	require.True(t, ok)
	assert.Equal(t, "inventory", rt.ID)

	r = httptest.NewRequest("GET", "/api/v2/unknown", nil)
	_, ok = MatchRoute(routes, r)
	assert.False(t, ok)
}

func TestRouteHostPredicate(t *testing.T) {
	rt := Route{ID: "admin", PathPrefix: "/api", Host: "admin.velocart.local", URI: "lb://orders"}

	r := httptest.NewRequest("GET", "/api/v1/orders", nil)
	r.Host = "admin.velocart.local"
	assert.True(t, rt.Matches(r))

	r.Host = "shop.velocart.local"
	assert.False(t, rt.Matches(r))
}

func TestRouteServiceFromURI(t *testing.T) {
	rt := Route{URI: "lb://inventory"}
	assert.Equal(t, "inventory", rt.Service())
}

func TestRouteStripPrefix(t *testing.T) {
	rt := Route{PathPrefix: "/edge", StripPrefix: 1}
	assert.Equal(t, "/api/v1/orders", rt.Rewrite("/edge/api/v1/orders"))

	rt = Route{PathPrefix: "/edge", StripPrefix: 4}
	assert.Equal(t, "/", rt.Rewrite("/edge/api/v1"))
}

func TestRouteRewritePrefix(t *testing.T) {
	rt := Route{PathPrefix: "/legacy/stock", RewritePrefix: "/api/v1/inventory"}
	assert.Equal(t, "/api/v1/inventory/products/p1/stock", rt.Rewrite("/legacy/stock/products/p1/stock"))
}
