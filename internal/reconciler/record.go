package reconciler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// TransactionRecord is the mutable state of one tracked transaction. It is
// owned by the session's loop goroutine while the session is RUNNING and is
// mutated only there.
type TransactionRecord struct {
	Token          string
	OrderID        int64
	CurrentStatus  status.Status
	TransactionID  string
	LastObservedAt time.Time
	Attempt        int
	Source         status.Source
}

// OrderContext carries the order-side identity of a transaction into a
// session, mirroring the pending-store record.
type OrderContext struct {
	OrderID     int64
	OrderNumber string
	TotalAmount decimal.Decimal
}

// Callbacks are the session's outbound notifications. All fields are
// optional. OnComplete fires exactly once, only on a terminal status.
// OnExhausted means the outcome is unknown because the attempt budget ran
// out, never that the payment failed. Anomalies are not reported here; they go
// through the registry's anomaly handler so callers cannot mistake a
// discarded contradiction for a payment result. Callbacks are invoked from
// the session goroutine; keep them fast.
type Callbacks struct {
	OnStatusChange func(token string, st status.Status)
	OnComplete     func(token string, st status.Status)
	OnExhausted    func(token string, attempts int)
}
