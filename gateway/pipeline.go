package main

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/metrics"
)

var ErrTooManyRequests = errs.New(errs.KindRateLimited, "RATE_LIMITED", "request rate exceeded")

// Gateway runs the ordered filter chain: correlation, auth, rate limit,
// route dispatch through breaker, retry and timeout, metrics last. The
// route was matched before the rate-limit step so its bucket overrides
// apply, but a limited request is rejected before any upstream work.
type Gateway struct {
	cfg      Config
	auth     *Authenticator
	limiter  Limiter
	proxy    *Proxy
	breakers map[string]*Breaker

	httpMetrics *metrics.HTTPMetrics
	pipeMetrics *metrics.PipelineMetrics
	logger      *slog.Logger

	// rateMultiplier scales replenishRate for write methods; the
	// backpressure control loop sets it below 1 to shed load.
	rateMultiplier atomic.Uint64
}

func NewGateway(cfg Config, auth *Authenticator, limiter Limiter, proxy *Proxy,
	httpM *metrics.HTTPMetrics, pipeM *metrics.PipelineMetrics, logger *slog.Logger) *Gateway {

	g := &Gateway{
		cfg:         cfg,
		auth:        auth,
		limiter:     limiter,
		proxy:       proxy,
		breakers:    map[string]*Breaker{},
		httpMetrics: httpM,
		pipeMetrics: pipeM,
		logger:      logger,
	}
	g.SetRateMultiplier(1)

	for _, rt := range cfg.Routes {
		route := rt
		g.breakers[route.ID] = NewBreaker(cfg.Breaker, func(state breakerState) {
			pipeM.BreakerState.WithLabelValues(route.ID).Set(float64(state))
			if state == breakerOpen {
				pipeM.BreakerTrips.WithLabelValues(route.ID).Inc()
				logger.Warn("circuit opened", slog.String("route", route.ID))
			} else {
				logger.Info("circuit state changed",
					slog.String("route", route.ID),
					slog.String("state", state.String()))
			}
		})
	}
	return g
}

// SetRateMultiplier adjusts the write-endpoint replenish rate at runtime.
func (g *Gateway) SetRateMultiplier(m float64) {
	if m <= 0 {
		m = 1
	}
	g.rateMultiplier.Store(math.Float64bits(m))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := ensureCorrelationID(r)

	route, ok := MatchRoute(g.cfg.Routes, r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		g.httpMetrics.RecordHTTPRequest(r.Method, route.ID, strconv.Itoa(rec.statusCode), time.Since(start))
	}()

	principal, err := g.auth.Authenticate(r)
	if err != nil {
		g.logger.Warn("authentication failed",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))
		errs.WriteError(rec, r, err)
		return
	}

	replenish, burst := g.bucketFor(route, r.Method)
	allowed, err := g.limiter.Allow(r.Context(), principal.RateKey(), replenish, burst)
	if err != nil {
		// A broken limiter store must not take the platform down.
		g.logger.Error("rate limiter unavailable, admitting request", slog.Any("error", err))
		allowed = true
	}
	if !allowed {
		g.pipeMetrics.RateLimited.WithLabelValues(route.ID).Inc()
		rec.Header().Set("X-Rate-Limit-Retry-After", "1")
		errs.WriteError(rec, r, ErrTooManyRequests)
		return
	}
	rec.Header().Set("X-Rate-Limit-Replenish-Rate", strconv.Itoa(replenish))
	rec.Header().Set("X-Rate-Limit-Burst-Capacity", strconv.Itoa(burst))

	g.proxy.Dispatch(rec, r, route, g.breakers[route.ID])
}

func (g *Gateway) bucketFor(route Route, method string) (replenish, burst int) {
	replenish = route.RateLimit.ReplenishRate
	burst = route.RateLimit.BurstCapacity
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		m := math.Float64frombits(g.rateMultiplier.Load())
		if scaled := int(float64(replenish) * m); scaled >= 1 {
			replenish = scaled
		} else {
			replenish = 1
		}
	}
	return replenish, burst
}
