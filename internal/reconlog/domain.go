// Package reconlog defines the durable audit trail of the reconciliation
// pipeline.
//
// Every observation that reaches the resolve step, whether from polling, a
// webhook, or the push channel, is appended as one immutable row, correlated with
// the distributed trace that was active when it arrived. Two purposes:
//
//  1. Observability: query the DB to see exactly what each channel reported
//     for a token and in what order, and jump to the full trace via trace_id.
//
//  2. Dispute handling: when the gateway's ledger and the order system
//     disagree, the log is the record of every raw answer we were given.
package reconlog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// Entry is a single row in the reconciliation_log table: one observation as
// it was resolved against the record's current status.
type Entry struct {
	// Token is the gateway transaction token the observation belongs to.
	Token string

	// OrderID joins the entry with business data.
	OrderID int64

	// Status is the resolved status after this observation was applied.
	Status status.Status

	// Source is the channel that produced the observation.
	Source status.Source

	// Anomaly marks an observation that contradicted an already-frozen
	// terminal status and was therefore discarded.
	Anomaly bool

	// RawCode and RawText preserve the gateway's unmapped answer for
	// diagnostics, most importantly for fail-closed unknown codes.
	RawCode string
	RawText string

	// TraceID and SpanID are the W3C identifiers of the OTel span active
	// when the observation arrived. Empty when there was no active span.
	TraceID string
	SpanID  string

	// ObservedAt is the wall-clock time of the observation.
	ObservedAt time.Time
}

// Repository is the port for persisting log entries. The pipeline depends
// on this abstraction so the SQLite implementation can be swapped for
// Postgres or an in-memory fake in tests. Implementations append; the log
// is never updated in place.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error
}

// NewEntry builds an Entry from a resolved observation, extracting the OTel
// trace identifiers from ctx. If ctx carries no active span both IDs are
// empty strings.
func NewEntry(ctx context.Context, token string, orderID int64, resolved status.Status, obs status.Observation, anomaly bool) *Entry {
	entry := &Entry{
		Token:      token,
		OrderID:    orderID,
		Status:     resolved,
		Source:     obs.Source,
		Anomaly:    anomaly,
		RawCode:    obs.RawCode,
		RawText:    obs.RawText,
		ObservedAt: obs.ObservedAt,
	}
	if entry.ObservedAt.IsZero() {
		entry.ObservedAt = time.Now().UTC()
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}
	return entry
}
