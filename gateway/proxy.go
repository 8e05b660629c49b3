package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/metrics"
	"github.com/velocart/platform/discovery"
)

var (
	ErrUpstreamTimeout     = errs.New(errs.KindTimeout, "UPSTREAM_TIMEOUT", "upstream did not answer in time")
	ErrServiceUnavailable  = errs.New(errs.KindTransientInfra, "SERVICE_UNAVAILABLE", "service has no healthy instances")
	ErrUpstreamUnavailable = errs.New(errs.KindTransientInfra, "UPSTREAM_UNAVAILABLE", "upstream connection failed")
)

// Proxy dispatches a routed request to one discovered instance, with the
// breaker deciding admission per attempt and the retry policy deciding
// whether a failed attempt gets another. Each attempt runs under the
// route's deadline; an expired attempt counts as a breaker failure.
type Proxy struct {
	balancer *discovery.Balancer
	client   *http.Client
	retry    RetryConfig
	metrics  *metrics.PipelineMetrics
	logger   *slog.Logger
}

func NewProxy(balancer *discovery.Balancer, retry RetryConfig, m *metrics.PipelineMetrics, logger *slog.Logger) *Proxy {
	return &Proxy{
		balancer: balancer,
		// Timeouts are per attempt via request context, not on the client.
		client:  &http.Client{},
		retry:   retry,
		metrics: m,
		logger:  logger,
	}
}

func (p *Proxy) Dispatch(w http.ResponseWriter, r *http.Request, route Route, breaker *Breaker) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}

	canRetry := p.retry.RetriableMethod(r.Method)

	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			p.metrics.UpstreamCalls.WithLabelValues(route.ID, "short_circuited").Inc()
			p.serveFallback(w, r, route.Service())
			return
		}

		inst, err := p.balancer.Pick(r.Context(), route.Service())
		if err != nil {
			// Nothing to dispatch to; not an upstream call, so the
			// breaker window stays untouched.
			p.metrics.UpstreamCalls.WithLabelValues(route.ID, "no_instances").Inc()
			p.serveFallback(w, r, route.Service())
			return
		}

		resp, failed, outcome := p.forwardOnce(r, route, inst, body)
		breaker.Record(failed)
		p.metrics.UpstreamCalls.WithLabelValues(route.ID, outcome).Inc()

		if failed && canRetry && attempt < p.retry.Attempts && p.retriable(resp) {
			if resp != nil {
				resp.Body.Close()
			}
			p.metrics.RetriesTotal.WithLabelValues(route.ID).Inc()
			if !sleepCtx(r.Context(), p.retry.BackoffFor(attempt)) {
				errs.WriteError(w, r, ErrUpstreamTimeout)
				return
			}
			continue
		}

		if resp == nil {
			switch outcome {
			case "timeout":
				errs.WriteError(w, r, ErrUpstreamTimeout)
			default:
				errs.WriteError(w, r, ErrUpstreamUnavailable)
			}
			return
		}
		defer resp.Body.Close()
		copyResponse(w, resp)
		return
	}
}

// forwardOnce runs a single upstream attempt. failed feeds the breaker:
// transport errors, deadline expiry and 5xx statuses all count.
func (p *Proxy) forwardOnce(r *http.Request, route Route, inst discovery.Instance, body []byte) (*http.Response, bool, string) {
	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)

	url := "http://" + inst.HostPort + route.Rewrite(r.URL.Path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, true, "transport_error"
	}
	req.Header = r.Header.Clone()
	req.Header.Set("X-Forwarded-For", clientIP(r))

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			p.logger.Warn("upstream timeout",
				slog.String("route", route.ID),
				slog.String("instance", inst.ID))
			return nil, true, "timeout"
		}
		return nil, true, "transport_error"
	}
	// The caller streams the body to the client, so the attempt context
	// must outlive this call; closing the body releases it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	if resp.StatusCode >= 500 {
		return resp, true, "upstream_error"
	}
	return resp, false, "ok"
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (p *Proxy) retriable(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	return p.retry.RetriableStatus(resp.StatusCode)
}

// serveFallback is the 503 answer for a service with no reachable
// instances or an open circuit. Also mounted at /fallback/{service}.
func (p *Proxy) serveFallback(w http.ResponseWriter, r *http.Request, service string) {
	errs.WriteError(w, r, ErrServiceUnavailable.WithDetails(map[string]any{"service": service}))
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
