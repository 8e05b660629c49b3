package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/metrics"
)

var testHTTPMetrics = metrics.NewHTTPMetrics("orders_test")

func newTestMux(t *testing.T) (*Service, *http.ServeMux) {
	t.Helper()
	svc, _, _ := newTestService(t)
	mux := http.NewServeMux()
	NewHandler(svc, discardLogger(), testHTTPMetrics).registerRoutes(mux)
	return svc, mux
}

func TestGetOrderReturnsOrder(t *testing.T) {
	svc, mux := newTestMux(t)
	order, err := svc.CreateOrder(context.Background(), "cust-1", testItems())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+order.ID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUnknownOrderGetsUniformErrorBody(t *testing.T) {
	_, mux := newTestMux(t)

	cases := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/v1/orders/missing", ""},
		{http.MethodPost, "/api/v1/orders/missing/cancel", `{"reason":"late"}`},
		{http.MethodPost, "/api/v1/orders/missing/status", `{"status":"PREPARING"}`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))

		require.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), tc.path)

		var body errs.HTTPError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), tc.path)
		assert.Equal(t, http.StatusNotFound, body.Status, tc.path)
		assert.Equal(t, "ORDER_NOT_FOUND", body.ErrorCode, tc.path)
		assert.Equal(t, "order not found", body.Message, tc.path)
		assert.Equal(t, tc.path, body.Path, tc.path)
	}
}
