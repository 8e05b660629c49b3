package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/velocart/platform/common/config"
)

// Config collects everything the gateway needs at startup. Route-level
// knobs come from env with per-route overrides keyed by route id, e.g.
// RATE_LIMIT_ORDERS_REPLENISH_RATE overrides the default for "orders".
type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	ConsulAddr  string
	RedisAddr   string

	APIKeys   map[string]string // key -> name
	JWTSecret string
	JWTIssuer string

	CORSOrigins []string

	Routes       []Route
	DefaultRate  RateLimitConfig
	Breaker      BreakerConfig
	Retry        RetryConfig
	RouteTimeout time.Duration
}

// RateLimitConfig is the token-bucket shape for one route or the default.
type RateLimitConfig struct {
	ReplenishRate int
	BurstCapacity int
}

func loadConfig() Config {
	cfg := Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "gateway"),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", "localhost:8081"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", "localhost:8500"),
		RedisAddr:   config.GetEnv("REDIS_ADDR", ""),
		APIKeys:     parseAPIKeys(config.GetEnv("API_KEYS", "")),
		JWTSecret:   config.GetEnv("JWT_SECRET", ""),
		JWTIssuer:   config.GetEnv("JWT_ISSUER", "velocart"),
		CORSOrigins: splitNonEmpty(config.GetEnv("CORS_ORIGINS", "http://localhost:3000")),
		DefaultRate: RateLimitConfig{
			ReplenishRate: config.GetEnvInt("RATE_LIMIT_REPLENISH_RATE", 100),
			BurstCapacity: config.GetEnvInt("RATE_LIMIT_BURST_CAPACITY", 200),
		},
		Breaker: BreakerConfig{
			Window:         config.GetEnvInt("BREAKER_WINDOW", 10),
			MinCalls:       config.GetEnvInt("BREAKER_MIN_CALLS", 5),
			FailurePct:     config.GetEnvInt("BREAKER_FAILURE_PCT", 50),
			OpenFor:        config.GetEnvDuration("BREAKER_OPEN_FOR", 30*time.Second),
			HalfOpenProbes: config.GetEnvInt("BREAKER_HALF_OPEN_PROBES", 3),
		},
		Retry: RetryConfig{
			Attempts:     config.GetEnvInt("RETRY_ATTEMPTS", 3),
			FirstBackoff: config.GetEnvDuration("RETRY_FIRST_BACKOFF", 50*time.Millisecond),
			MaxBackoff:   config.GetEnvDuration("RETRY_MAX_BACKOFF", 500*time.Millisecond),
			Factor:       config.GetEnvFloat("RETRY_FACTOR", 2),
			OnStatuses:   []int{502, 503},
			OnMethods:    []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"},
		},
		RouteTimeout: config.GetEnvDuration("ROUTE_TIMEOUT", 3*time.Second),
	}
	cfg.InstanceID = config.GetEnv("INSTANCE_ID", cfg.ServiceName+"-1")
	cfg.Routes = defaultRoutes(cfg)
	return cfg
}

// defaultRoutes is the static route table. First predicate wins, so the
// more specific prefixes come first.
func defaultRoutes(cfg Config) []Route {
	return []Route{
		routeFromEnv(cfg, "orders", "/api/v1/orders", "lb://orders"),
		routeFromEnv(cfg, "inventory", "/api/v1/inventory", "lb://inventory"),
		routeFromEnv(cfg, "payments", "/api/v1/payments", "lb://payments"),
	}
}

func routeFromEnv(cfg Config, id, prefix, uri string) Route {
	envID := strings.ToUpper(id)
	r := Route{
		ID:         id,
		PathPrefix: prefix,
		URI:        uri,
		Timeout:    config.GetEnvDuration(fmt.Sprintf("ROUTE_%s_TIMEOUT", envID), cfg.RouteTimeout),
		RateLimit: RateLimitConfig{
			ReplenishRate: config.GetEnvInt(fmt.Sprintf("RATE_LIMIT_%s_REPLENISH_RATE", envID), cfg.DefaultRate.ReplenishRate),
			BurstCapacity: config.GetEnvInt(fmt.Sprintf("RATE_LIMIT_%s_BURST_CAPACITY", envID), cfg.DefaultRate.BurstCapacity),
		},
		StripPrefix: config.GetEnvInt(fmt.Sprintf("ROUTE_%s_STRIP_PREFIX", envID), 0),
	}
	return r
}

// parseAPIKeys reads "name:key,name2:key2" into a key -> name lookup.
func parseAPIKeys(raw string) map[string]string {
	keys := map[string]string{}
	for _, pair := range splitNonEmpty(raw) {
		name, key, ok := strings.Cut(pair, ":")
		if !ok || name == "" || key == "" {
			continue
		}
		keys[key] = name
	}
	return keys
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
