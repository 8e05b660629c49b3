package main

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/velocart/platform/common/errs"
)

const headerAPIKey = "X-API-Key"

var (
	ErrInvalidAPIKey = errs.New(errs.KindAuthFailure, "INVALID_API_KEY", "api key not recognized")
	ErrInvalidToken  = errs.New(errs.KindAuthFailure, "INVALID_TOKEN", "bearer token rejected")
)

// Principal is the authenticated caller the rate limiter keys on. An
// anonymous principal falls back to the client IP.
type Principal struct {
	Kind string // "api-key", "user" or "ip"
	Name string
}

// RateKey is the rate-limit bucket identity for this principal.
func (p Principal) RateKey() string {
	return p.Kind + ":" + p.Name
}

// Authenticator validates API keys against the in-memory key table and
// bearer tokens against the shared signing secret. Requests without
// credentials stay unauthenticated and are identified by client IP.
type Authenticator struct {
	keys      map[string]string
	jwtSecret []byte
	jwtIssuer string
}

func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{
		keys:      cfg.APIKeys,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtIssuer: cfg.JWTIssuer,
	}
}

// Authenticate produces the request principal. Presented credentials
// must verify; only their absence yields the anonymous IP principal.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get(headerAPIKey); key != "" {
		name, ok := a.keys[key]
		if !ok {
			return Principal{}, ErrInvalidAPIKey
		}
		return Principal{Kind: "api-key", Name: name}, nil
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		sub, err := a.verifyToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return Principal{}, err
		}
		return Principal{Kind: "user", Name: sub}, nil
	}

	return Principal{Kind: "ip", Name: clientIP(r)}, nil
}

func (a *Authenticator) verifyToken(raw string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", ErrInvalidToken
	}
	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return a.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.jwtIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", errs.Wrap(errs.KindAuthFailure, "INVALID_TOKEN", "bearer token rejected", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
