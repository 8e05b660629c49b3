package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthenticator() *Authenticator {
	return NewAuthenticator(Config{
		APIKeys:   map[string]string{"sk_partner_123": "partner-shop"},
		JWTSecret: "test-secret",
		JWTIssuer: "velocart",
	})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := testAuthenticator()

	r := httptest.NewRequest("GET", "/api/v1/orders", nil)
	r.Header.Set(headerAPIKey, "sk_partner_123")

	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Principal{Kind: "api-key", Name: "partner-shop"}, p)
	assert.Equal(t, "api-key:partner-shop", p.RateKey())
}

func TestAuthenticateUnknownAPIKeyRejected(t *testing.T) {
	a := testAuthenticator()

	r := httptest.NewRequest("GET", "/api/v1/orders", nil)
	r.Header.Set(headerAPIKey, "sk_wrong")

	_, err := a.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAuthenticateBearerToken(t *testing.T) {
	a := testAuthenticator()

	token := signToken(t, jwt.MapClaims{
		"sub": "cust-42",
		"iss": "velocart",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest("GET", "/api/v1/orders", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Principal{Kind: "user", Name: "cust-42"}, p)
	assert.Equal(t, "user:cust-42", p.RateKey())
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	a := testAuthenticator()

	cases := map[string]jwt.MapClaims{
		"wrong issuer": {
			"sub": "cust-42",
			"iss": "someone-else",
			"exp": time.Now().Add(time.Hour).Unix(),
		},
		"expired": {
			"sub": "cust-42",
			"iss": "velocart",
			"exp": time.Now().Add(-time.Hour).Unix(),
		},
		"no expiry": {
			"sub": "cust-42",
			"iss": "velocart",
		},
		"no subject": {
			"iss": "velocart",
			"exp": time.Now().Add(time.Hour).Unix(),
		},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/orders", nil)
			r.Header.Set("Authorization", "Bearer "+signToken(t, claims))
			_, err := a.Authenticate(r)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthenticateAnonymousFallsBackToIP(t *testing.T) {
	a := testAuthenticator()

	r := httptest.NewRequest("GET", "/api/v1/orders", nil)
	r.RemoteAddr = "10.1.2.3:54321"

	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Principal{Kind: "ip", Name: "10.1.2.3"}, p)

	// A forwarding proxy in front of the gateway wins over RemoteAddr.
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	p, err = a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.9", p.RateKey())
}
