// Package pending persists "a reconciliation is in flight for transaction X"
// so the loop can be resumed after a process restart. Records carry a
// self-reported timestamp; the caller treats anything older than
// FreshnessWindow as expired and discards it without further action.
package pending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FreshnessWindow is how long a pending record stays resumable.
const FreshnessWindow = 24 * time.Hour

// PaymentInfo is the persisted record of an initiated, not-yet-terminal
// payment.
type PaymentInfo struct {
	OrderID     int64           `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Token       string          `json:"token"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Stale reports whether the record has outlived the freshness window.
func (p PaymentInfo) Stale(now time.Time) bool {
	return now.Sub(p.Timestamp) > FreshnessWindow
}

// Store is the pending-transaction persistence port. Load returns (nil, nil)
// when no record exists. The store does not enforce expiry beyond a storage
// TTL; staleness is the caller's check via PaymentInfo.Timestamp.
type Store interface {
	Save(ctx context.Context, info PaymentInfo) error
	Load(ctx context.Context, token string) (*PaymentInfo, error)
	Clear(ctx context.Context, token string) error
	List(ctx context.Context) ([]PaymentInfo, error)
}
