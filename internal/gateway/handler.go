package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
	"github.com/aryasadewa/wagateway/internal/phone"
	"github.com/aryasadewa/wagateway/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: phone.ErrInvalidFormat, Status: http.StatusBadRequest},
	{Error: phone.ErrInvalidLength, Status: http.StatusBadRequest},
	{Error: outbox.ErrEmptyTarget, Status: http.StatusBadRequest},
	{Error: outbox.ErrEmptyMessage, Status: http.StatusBadRequest},
	{Error: outbox.ErrMessageTooLong, Status: http.StatusBadRequest},
	{Error: outbox.ErrDuplicateRecord, Status: http.StatusConflict},
	{Error: ErrSenderOffline, Status: http.StatusServiceUnavailable, Message: "whatsapp sender is offline, try again later"},
	{Error: outbox.ErrWaitTimeout, Status: http.StatusRequestTimeout, Message: "timeout: message may have been sent but could not be confirmed"},
	{Error: outbox.ErrDeliveryFailed, Status: http.StatusBadGateway},
	{Error: history.ErrEntryNotFound, Status: http.StatusNotFound},
}

// Handler handles HTTP requests for the gateway module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers gateway routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.SendMessage)
	r.Get("/messages/history", h.ListHistory)
	r.Post("/messages/history/cleanup", h.CleanupHistory)
	r.Post("/repair", h.RepairAll)
	r.Post("/repair/one", h.RepairOne)
	r.Get("/sender/status", h.SenderStatus)
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	TargetNumber    string `json:"targetNumber" validate:"required"`
	Message         string `json:"message" validate:"required,max=4096"`
	Template        string `json:"template"`
	WaitForDelivery bool   `json:"waitForDelivery"`
}

// SendMessage handles POST /messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.Send(r.Context(), SendInput{
		Number:          req.TargetNumber,
		Message:         req.Message,
		Template:        req.Template,
		WaitForDelivery: req.WaitForDelivery,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status := http.StatusOK
	if result.Status == "queued" {
		status = http.StatusAccepted
	}
	httputil.Success(w, status, result)
}

// ListHistory handles GET /messages/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	filter := history.Filter{
		Status: history.EntryStatus(r.URL.Query().Get("status")),
		Target: r.URL.Query().Get("targetNumber"),
	}

	if from, to := r.URL.Query().Get("startDate"), r.URL.Query().Get("endDate"); from != "" && to != "" {
		fromT, err := time.Parse(time.RFC3339, from)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid startDate")
			return
		}
		toT, err := time.Parse(time.RFC3339, to)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid endDate")
			return
		}
		filter.From = fromT
		filter.To = toT
	}

	entries, err := h.service.History(filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// CleanupHistory handles POST /messages/history/cleanup.
func (h *Handler) CleanupHistory(w http.ResponseWriter, r *http.Request) {
	kept, removed, err := h.service.CleanupHistory()
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{
		"kept":    kept,
		"removed": removed,
	})
}

// RepairAll handles POST /repair.
func (h *Handler) RepairAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RepairAll(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

// RepairOneRequest represents the request body for a single-target repair.
type RepairOneRequest struct {
	TargetNumber string `json:"targetNumber" validate:"required"`
	TimestampMs  int64  `json:"timestampMs" validate:"required,gt=0"`
}

// RepairOne handles POST /repair/one.
func (h *Handler) RepairOne(w http.ResponseWriter, r *http.Request) {
	var req RepairOneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.RepairOne(req.TargetNumber, req.TimestampMs); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]bool{"fixed": true})
}

// SenderStatus handles GET /sender/status.
func (h *Handler) SenderStatus(w http.ResponseWriter, r *http.Request) {
	online := h.service.SenderOnline(r.Context())

	status := "offline"
	if online {
		status = "online"
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": status})
}
