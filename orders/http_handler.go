package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/metrics"
)

type handler struct {
	svc     *Service
	logger  *slog.Logger
	metrics *metrics.HTTPMetrics
}

func NewHandler(svc *Service, logger *slog.Logger, m *metrics.HTTPMetrics) *handler {
	return &handler{svc: svc, logger: logger, metrics: m}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", h.instrument("/api/v1/orders", h.handleCreateOrder))
	mux.HandleFunc("GET /api/v1/orders/{orderID}", h.instrument("/api/v1/orders/{orderID}", h.handleGetOrder))
	mux.HandleFunc("POST /api/v1/orders/{orderID}/cancel",
		h.instrument("/api/v1/orders/{orderID}/cancel", h.handleCancelOrder))
	mux.HandleFunc("POST /api/v1/orders/{orderID}/status",
		h.instrument("/api/v1/orders/{orderID}/status", h.handleAdvanceOrder))

	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	}
}

type createOrderRequest struct {
	CustomerID      string             `json:"customerId"`
	Items           []events.OrderItem `json:"items"`
	ShippingAddress string             `json:"shippingAddress,omitempty"`
}

func validateCreateOrder(req *createOrderRequest) []errs.FieldError {
	var fields []errs.FieldError
	if req.CustomerID == "" {
		fields = append(fields, errs.FieldError{Field: "customerId", Message: "customerId is required"})
	}
	if len(req.Items) == 0 {
		fields = append(fields, errs.FieldError{Field: "items", Message: "order must contain at least one item"})
	}
	for i, item := range req.Items {
		if item.ProductID == "" {
			fields = append(fields, errs.FieldError{
				Field: "items[" + strconv.Itoa(i) + "].productId", Message: "productId is required"})
		}
		if item.Quantity <= 0 {
			fields = append(fields, errs.FieldError{
				Field: "items[" + strconv.Itoa(i) + "].quantity", Message: "quantity must be positive"})
		}
		if item.UnitPrice.Amount < 0 {
			fields = append(fields, errs.FieldError{
				Field: "items[" + strconv.Itoa(i) + "].unitPrice", Message: "unitPrice must not be negative"})
		}
	}
	return fields
}

func (h *handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "body", Message: "invalid JSON"}})
		return
	}
	if fields := validateCreateOrder(&req); len(fields) > 0 {
		errs.WriteValidationError(w, r, fields)
		return
	}

	order, err := h.svc.CreateOrder(r.Context(), req.CustomerID, req.Items)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

func (h *handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "body", Message: "invalid JSON"}})
		return
	}
	if req.Reason == "" {
		req.Reason = "customer request"
	}

	if err := h.svc.Cancel(r.Context(), orderID, req.Reason, "customer"); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	order, err := h.svc.Get(r.Context(), orderID)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

// handleAdvanceOrder applies operator transitions (fulfilment and refunds).
func (h *handler) handleAdvanceOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "status", Message: "status is required"}})
		return
	}

	order, err := h.svc.Advance(r.Context(), orderID, Status(req.Status))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
