package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
)

const apiVersion = "1.0.0"

type HTTPHandler struct {
	stockService *service.StockService
	queryService *service.InventoryQueryService
	auditService *service.AuditService
	logger       zerolog.Logger
}

// flexInt accepts a JSON number or a numeric string.
type flexInt struct {
	set   bool
	value int64
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	f.set, f.value = true, n
	return nil
}

type UpdateStockHTTPRequest struct {
	StoreID   flexInt `json:"store_id"`
	ProductID flexInt `json:"product_id"`
	Quantity  flexInt `json:"quantity"`
}

type UpdateStockHTTPResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type StockItemResponse struct {
	ProductID   int64  `json:"product_id"`
	Quantity    int64  `json:"quantity"`
	LastUpdated string `json:"last_updated"`
}

type AuditLogResponse struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	Action     string          `json:"action"`
	RecordType string          `json:"record_type"`
	RecordID   int64           `json:"record_id"`
	Timestamp  string          `json:"timestamp"`
	OldValues  domain.Snapshot `json:"old_values"`
	NewValues  domain.Snapshot `json:"new_values"`
	IPAddress  string          `json:"ip_address,omitempty"`
}

type AuditPageResponse struct {
	Total       int                `json:"total"`
	Pages       int                `json:"pages"`
	CurrentPage int                `json:"current_page"`
	Logs        []AuditLogResponse `json:"logs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(stock *service.StockService, query *service.InventoryQueryService, audit *service.AuditService, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		stockService: stock,
		queryService: query,
		auditService: audit,
		logger:       logger.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes mounts the authenticated API on protected and the public
// endpoints on public.
func (h *HTTPHandler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	protected.HandleFunc("/stock", h.UpdateStock).Methods(http.MethodPost)
	protected.HandleFunc("/stock/{store_id}", h.GetStock).Methods(http.MethodGet)
	protected.HandleFunc("/audit/logs", h.AuditLogs).Methods(http.MethodGet)
}

func (h *HTTPHandler) UpdateStock(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Missing JSON data"})
		return
	}

	var req UpdateStockHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid data types"})
		return
	}

	var missing []string
	if !req.StoreID.set {
		missing = append(missing, "store_id")
	}
	if !req.ProductID.set {
		missing = append(missing, "product_id")
	}
	if !req.Quantity.set {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Missing required fields: " + strings.Join(missing, ", ")})
		return
	}

	task, err := h.stockService.UpdateStock(r.Context(), service.StockUpdate{
		StoreID:    req.StoreID.value,
		ProductID:  req.ProductID.value,
		Delta:      req.Quantity.value,
		Actor:      ActorFromContext(r.Context()),
		RemoteAddr: clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, UpdateStockHTTPResponse{
		Status:  "queued",
		Message: "Update processing started",
		TaskID:  task.ID,
	})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := strconv.ParseInt(mux.Vars(r)["store_id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid store id"})
		return
	}

	filter, err := parseStockFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	records, err := h.queryService.StoreStock(r.Context(), storeID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]StockItemResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, StockItemResponse{
			ProductID:   rec.ProductID,
			Quantity:    rec.Quantity,
			LastUpdated: rec.LastUpdated.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := domain.AuditQuery{Page: 1, PerPage: service.MaxAuditPageSize}
	var err error
	if v := q.Get("page"); v != "" {
		if query.Page, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid page"})
			return
		}
	}
	if v := q.Get("per_page"); v != "" {
		if query.PerPage, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid per_page"})
			return
		}
	}
	if query.From, err = parseTime(q.Get("from")); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid from"})
		return
	}
	if query.To, err = parseTime(q.Get("to")); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid to"})
		return
	}

	page, err := h.auditService.History(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := AuditPageResponse{
		Total:       page.Total,
		Pages:       page.Pages,
		CurrentPage: page.CurrentPage,
		Logs:        make([]AuditLogResponse, 0, len(page.Logs)),
	}
	for _, e := range page.Logs {
		resp.Logs = append(resp.Logs, AuditLogResponse{
			ID:         e.ID,
			UserID:     e.Actor,
			Action:     e.Action,
			RecordType: e.RecordType,
			RecordID:   e.RecordID,
			Timestamp:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
			OldValues:  e.OldValues,
			NewValues:  e.NewValues,
			IPAddress:  e.IPAddress,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": apiVersion})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, service.ErrInvalidStore),
		errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrInvalidDelta),
		errors.Is(err, service.ErrInvalidRange):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrUnknownStore),
		errors.Is(err, service.ErrUnknownProduct):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrQueueUnavailable):
		status, message = http.StatusServiceUnavailable, "task queue unavailable"
	case errors.Is(err, service.ErrReadUnavailable):
		message = "Failed to fetch inventory data"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}

func parseStockFilter(r *http.Request) (domain.StockFilter, error) {
	q := r.URL.Query()
	var f domain.StockFilter
	var err error

	if v := q.Get("product_id"); v != "" {
		if f.ProductID, err = strconv.ParseInt(v, 10, 64); err != nil || f.ProductID <= 0 {
			return f, errors.New("Invalid product_id")
		}
	}
	if f.UpdatedFrom, err = parseTime(q.Get("updated_from")); err != nil {
		return f, errors.New("Invalid updated_from")
	}
	if f.UpdatedTo, err = parseTime(q.Get("updated_to")); err != nil {
		return f, errors.New("Invalid updated_to")
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
