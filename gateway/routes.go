package main

import (
	"net/http"
	"strings"
	"time"
)

// Route is one entry of the static route table. The predicate is a pure
// function of the request line and host: path prefix, optional method
// set, optional host. URI uses the lb:// scheme; the balancer resolves
// the service name to a live instance at dispatch time.
type Route struct {
	ID         string
	PathPrefix string
	Methods    []string
	Host       string
	URI        string

	// StripPrefix removes the first n path segments before forwarding;
	// RewritePrefix, when set, replaces the matched prefix.
	StripPrefix   int
	RewritePrefix string

	RateLimit RateLimitConfig
	Timeout   time.Duration
}

// Service extracts the target service name from an lb:// URI.
func (rt Route) Service() string {
	return strings.TrimPrefix(rt.URI, "lb://")
}

// Matches reports whether the request satisfies the route predicate.
func (rt Route) Matches(r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, rt.PathPrefix) {
		return false
	}
	if rt.Host != "" && !strings.EqualFold(r.Host, rt.Host) {
		return false
	}
	if len(rt.Methods) == 0 {
		return true
	}
	for _, m := range rt.Methods {
		if r.Method == m {
			return true
		}
	}
	return false
}

// Rewrite returns the upstream path for the request.
func (rt Route) Rewrite(path string) string {
	if rt.RewritePrefix != "" {
		return rt.RewritePrefix + strings.TrimPrefix(path, rt.PathPrefix)
	}
	if rt.StripPrefix > 0 {
		segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
		if rt.StripPrefix >= len(segments) {
			return "/"
		}
		return "/" + strings.Join(segments[rt.StripPrefix:], "/")
	}
	return path
}

// MatchRoute walks the table in order; the first matching predicate wins.
func MatchRoute(routes []Route, r *http.Request) (Route, bool) {
	for _, rt := range routes {
		if rt.Matches(r) {
			return rt, true
		}
	}
	return Route{}, false
}
