package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/velocart/platform/common/errs"
	"github.com/velocart/platform/common/metrics"
)

type handler struct {
	svc     *Service
	logger  *zap.Logger
	metrics *metrics.HTTPMetrics
}

func NewHandler(svc *Service, logger *zap.Logger, m *metrics.HTTPMetrics) *handler {
	return &handler{svc: svc, logger: logger, metrics: m}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/inventory/products",
		h.instrument("/api/v1/inventory/products", h.handleCreateProduct))
	mux.HandleFunc("GET /api/v1/inventory/products/{productID}/stock",
		h.instrument("/api/v1/inventory/products/{productID}/stock", h.handleGetStock))
	mux.HandleFunc("POST /api/v1/inventory/products/{productID}/stock/adjust",
		h.instrument("/api/v1/inventory/products/{productID}/stock/adjust", h.handleAdjust))
	mux.HandleFunc("POST /api/v1/inventory/products/{productID}/reservations",
		h.instrument("/api/v1/inventory/products/{productID}/reservations", h.handleReserve))
	mux.HandleFunc("DELETE /api/v1/inventory/products/{productID}/reservations/{reservationID}",
		h.instrument("/api/v1/inventory/products/{productID}/reservations/{reservationID}", h.handleRelease))
	mux.HandleFunc("POST /api/v1/inventory/products/{productID}/reservations/{reservationID}/confirm",
		h.instrument("/api/v1/inventory/products/{productID}/reservations/{reservationID}/confirm", h.handleDeduct))

	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})
}

// statusRecorder captures the response status for metrics.
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

// stockResponse is the wire shape of a stock level read.
type stockResponse struct {
	ProductID         string `json:"productId"`
	AvailableQuantity int    `json:"availableQuantity"`
	ReservedQuantity  int    `json:"reservedQuantity"`
	TotalQuantity     int    `json:"totalQuantity"`
}

func toStockResponse(level *StockLevel) stockResponse {
	return stockResponse{
		ProductID:         level.ProductID,
		AvailableQuantity: level.Available,
		ReservedQuantity:  level.Reserved,
		TotalQuantity:     level.Total,
	}
}

func (h *handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		TotalQuantity     int    `json:"totalQuantity"`
		LowStockThreshold int    `json:"lowStockThreshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "body", Message: "invalid JSON"}})
		return
	}

	var fields []errs.FieldError
	if req.ID == "" {
		fields = append(fields, errs.FieldError{Field: "id", Message: "id is required"})
	}
	if req.TotalQuantity < 0 {
		fields = append(fields, errs.FieldError{Field: "totalQuantity", Message: "must not be negative"})
	}
	if len(fields) > 0 {
		errs.WriteValidationError(w, r, fields)
		return
	}

	if err := h.svc.CreateProduct(r.Context(), req.ID, req.Name, req.TotalQuantity, req.LowStockThreshold); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	level, err := h.svc.StockLevel(r.Context(), r.PathValue("productID"))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(level))
}

func (h *handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	var req struct {
		OrderID    string `json:"orderId"`
		Quantity   int    `json:"quantity"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "body", Message: "invalid JSON"}})
		return
	}
	if req.Quantity <= 0 {
		errs.WriteValidationError(w, r, []errs.FieldError{
			{Field: "quantity", Message: "quantity must be positive"},
		})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	reservation, err := h.svc.Reserve(r.Context(), productID, req.OrderID, req.Quantity, ttl)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

func (h *handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "released"
	}
	err := h.svc.Release(r.Context(), r.PathValue("productID"), r.PathValue("reservationID"), reason)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Deduct(r.Context(), r.PathValue("productID"), r.PathValue("reservationID"))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	var req struct {
		NewTotalQuantity int    `json:"newTotalQuantity"`
		Reason           string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteValidationError(w, r, []errs.FieldError{{Field: "body", Message: "invalid JSON"}})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual adjustment"
	}

	if err := h.svc.Adjust(r.Context(), productID, req.NewTotalQuantity, req.Reason); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	level, err := h.svc.StockLevel(r.Context(), productID)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(level))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
