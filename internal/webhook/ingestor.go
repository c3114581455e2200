// Package webhook ingests asynchronous gateway callbacks. A valid callback
// goes through the exact same resolve pipeline as polling, so whichever
// channel reports first wins and the terminality invariant holds; it is
// additionally persisted to the order service even when no reconciler is
// running anymore (browser closed, polling long exhausted).
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jcmexdev/payment-reconciler/internal/order"
	"github.com/jcmexdev/payment-reconciler/internal/pending"
	"github.com/jcmexdev/payment-reconciler/internal/reconciler"
	"github.com/jcmexdev/payment-reconciler/internal/reconlog"
	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// payload is the gateway's callback wire shape.
type payload struct {
	Token         string `json:"token" validate:"required"`
	OrderID       int64  `json:"orderId" validate:"required,gt=0"`
	Status        string `json:"status" validate:"required"`
	TransactionID string `json:"transactionId"`
	ResponseCode  string `json:"responseCode"`
	ResponseText  string `json:"responseText"`
}

// Ack is the successful ingest result returned to the gateway.
type Ack struct {
	Token     string        `json:"token"`
	Status    status.Status `json:"status"`
	Delivered bool          `json:"delivered"`
}

// Ingestor validates, normalizes and republishes gateway callbacks.
type Ingestor struct {
	verifier     Verifier
	validate     *validator.Validate
	registry     *reconciler.Registry
	orders       reconciler.OrderWriter
	pendingStore pending.Store
	log          reconlog.Repository
}

// NewIngestor wires the ingestor. orders, pendingStore and log may be nil.
func NewIngestor(verifier Verifier, registry *reconciler.Registry, orders reconciler.OrderWriter, pendingStore pending.Store, log reconlog.Repository) *Ingestor {
	return &Ingestor{
		verifier:     verifier,
		validate:     validator.New(),
		registry:     registry,
		orders:       orders,
		pendingStore: pendingStore,
		log:          log,
	}
}

// Ingest processes one raw callback. The signature is checked before
// anything else touches state; a rejection has no side effects and is
// logged as a security event, not a payment event.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, signature, timestamp string) (Ack, error) {
	if err := i.verifier.Verify(rawBody, signature, timestamp); err != nil {
		slog.WarnContext(ctx, "webhook rejected",
			"reason", err.Error(),
			"security_event", true,
		)
		return Ack{}, err
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return Ack{}, &ValidationError{Reason: "malformed payload: " + err.Error()}
	}
	if err := i.validate.Struct(p); err != nil {
		return Ack{}, &ValidationError{Reason: "invalid payload: " + err.Error()}
	}

	st, recognized := status.FromGateway(p.Status, p.ResponseCode)
	if !recognized {
		slog.WarnContext(ctx, "webhook carried unrecognized status, failing closed",
			"token", p.Token,
			"raw_status", p.Status,
			"raw_code", p.ResponseCode,
		)
	}
	obs := status.Observation{
		Status:        st,
		TransactionID: p.TransactionID,
		RawCode:       p.ResponseCode,
		RawText:       firstNonEmpty(p.ResponseText, p.Status),
		Source:        status.SourceWebhook,
		ObservedAt:    time.Now().UTC(),
	}

	res := i.registry.Observe(ctx, p.Token, obs)

	if !res.Known {
		i.logObservation(ctx, p, res.Resolved, obs)
	}

	// Persist independently of any reconciler, whether or not one accepted
	// the observation. The order client dedupes per order and status, so a
	// duplicated delivery or a completing session racing this write stays a
	// single effective network call.
	if !res.Anomaly && i.orders != nil {
		update := order.StatusUpdate{
			PaymentStatus: res.Resolved,
			TransactionID: p.TransactionID,
		}
		if status.IsTerminal(res.Resolved) && res.Resolved != status.Paid && res.Resolved != status.Refunded {
			update.FailureReason = obs.RawText
		}
		if err := i.orders.WriteStatus(ctx, p.OrderID, update); err != nil {
			slog.ErrorContext(ctx, "order status write failed",
				"token", p.Token,
				"order_id", p.OrderID,
				"error", err,
			)
		}
	}

	// A terminal callback with no session left settles the token; its
	// pending record must not linger for a pointless resume.
	if !res.Delivered && status.IsTerminal(res.Resolved) && i.pendingStore != nil {
		if err := i.pendingStore.Clear(ctx, p.Token); err != nil {
			slog.WarnContext(ctx, "pending store clear failed", "token", p.Token, "error", err)
		}
	}

	slog.InfoContext(ctx, "webhook ingested",
		"token", p.Token,
		"status", res.Resolved,
		"delivered", res.Delivered,
		"anomaly", res.Anomaly,
	)
	return Ack{Token: p.Token, Status: res.Resolved, Delivered: res.Delivered}, nil
}

func (i *Ingestor) logObservation(ctx context.Context, p payload, resolved status.Status, obs status.Observation) {
	if i.log == nil {
		return
	}
	entry := reconlog.NewEntry(ctx, p.Token, p.OrderID, resolved, obs, false)
	if err := i.log.Save(ctx, entry); err != nil {
		slog.WarnContext(ctx, "reconciliation log write failed", "token", p.Token, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
