package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jcmexdev/payment-reconciler/internal/push"
	"github.com/jcmexdev/payment-reconciler/internal/reconciler"
	"github.com/jcmexdev/payment-reconciler/internal/status"
	"github.com/jcmexdev/payment-reconciler/internal/webhook"
)

// maxWebhookBody caps the gateway callback size.
const maxWebhookBody = 1 << 20

// Handler exposes the reconciliation operations over HTTP.
type Handler struct {
	registry *reconciler.Registry
	ingestor *webhook.Ingestor
	listener *push.Listener // nil when no push endpoint is configured

	subMu sync.Mutex
	subs  map[string]func()
}

// NewHandler wires the HTTP surface. listener may be nil.
func NewHandler(registry *reconciler.Registry, ingestor *webhook.Ingestor, listener *push.Listener) *Handler {
	return &Handler{
		registry: registry,
		ingestor: ingestor,
		listener: listener,
		subs:     make(map[string]func()),
	}
}

// StartReconciliation begins tracking a transaction and, when a push
// endpoint is configured, subscribes it on the push channel.
func (h *Handler) StartReconciliation(w http.ResponseWriter, r *http.Request) {
	var req StartReconciliationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Token == "" || req.OrderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and order_id are required")
		return
	}

	amount := decimal.Zero
	if req.TotalAmount != "" {
		var err error
		amount, err = decimal.NewFromString(req.TotalAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
			return
		}
	}

	token := req.Token
	cb := reconciler.Callbacks{
		OnComplete:  func(token string, _ status.Status) { h.unsubscribe(token) },
		OnExhausted: func(token string, _ int) { h.unsubscribe(token) },
	}

	s := h.registry.Start(r.Context(), token, reconciler.OrderContext{
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
		TotalAmount: amount,
	}, mapConfig(req.Config), cb)

	h.subscribePush(r, token)

	stats, _ := h.registry.Stats(token)
	writeJSON(w, http.StatusCreated, ReconciliationResponse{
		Token:     token,
		SessionID: s.ID.String(),
		State:     s.State(),
		Stats:     &stats,
	})
}

// StopReconciliation cancels the loop for a token. The pending record is
// preserved; stopping is not settling.
func (h *Handler) StopReconciliation(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	h.unsubscribe(token)
	if !h.registry.Stop(token) {
		writeError(w, http.StatusNotFound, "unknown_token", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryReconciliation restarts a stopped session with a fresh attempt
// budget.
func (h *Handler) RetryReconciliation(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	err := h.registry.Retry(r.Context(), token)
	var (
		unknown *reconciler.UnknownTokenError
		invalid *reconciler.InvalidStateError
	)
	switch {
	case err == nil:
		h.subscribePush(r, token)
		stats, _ := h.registry.Stats(token)
		writeJSON(w, http.StatusOK, ReconciliationResponse{Token: token, State: reconciler.StateRunning, Stats: &stats})
	case errors.As(err, &unknown):
		writeError(w, http.StatusNotFound, "unknown_token", "")
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "retry_failed", err.Error())
	}
}

// GetReconciliationStats reports progress for a token.
func (h *Handler) GetReconciliationStats(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	stats, ok := h.registry.Stats(token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_token", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// IngestWebhook receives a gateway callback. Signature failures are 401 and
// deliberately indistinguishable beyond that; payload problems are 400.
func (h *Handler) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", "")
		return
	}

	ack, err := h.ingestor.Ingest(r.Context(), body, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp"))
	if err != nil {
		var ve *webhook.ValidationError
		if errors.As(err, &ve) && ve.Security {
			writeError(w, http.StatusUnauthorized, "rejected", "")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// subscribePush opens the advisory push subscription for token. Failures
// only log: the push channel accelerates polling, it never gates it.
func (h *Handler) subscribePush(r *http.Request, token string) {
	if h.listener == nil || !h.registry.IsActive(token) {
		return
	}

	h.subMu.Lock()
	_, exists := h.subs[token]
	h.subMu.Unlock()
	if exists {
		return
	}

	// The subscription outlives the HTTP request that opened it, like the
	// session itself does.
	unsub, err := h.listener.Subscribe(context.WithoutCancel(r.Context()), token)
	if err != nil {
		slog.WarnContext(r.Context(), "push subscription failed, continuing on polling",
			"token", token,
			"error", err,
		)
		return
	}
	h.subMu.Lock()
	h.subs[token] = unsub
	h.subMu.Unlock()
}

func (h *Handler) unsubscribe(token string) {
	h.subMu.Lock()
	unsub, ok := h.subs[token]
	delete(h.subs, token)
	h.subMu.Unlock()
	if ok {
		unsub()
	}
}

func mapConfig(dto *ConfigDTO) *reconciler.Config {
	if dto == nil {
		return nil
	}
	return &reconciler.Config{
		InitialInterval:   time.Duration(dto.InitialIntervalMs) * time.Millisecond,
		MaxAttempts:       dto.MaxAttempts,
		BackoffMultiplier: dto.BackoffMultiplier,
		MaxInterval:       time.Duration(dto.MaxIntervalMs) * time.Millisecond,
	}
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, httpStatus int, code, msg string) {
	writeJSON(w, httpStatus, ErrorResponse{Error: code, Message: msg})
}
