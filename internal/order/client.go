// Package order talks to the order service's payment-status upsert. The
// remote write is an idempotent upsert; this client additionally dedupes
// identical writes in-process so a duplicated webhook delivery, or a
// webhook racing a completing reconciler, produces exactly one network
// call per order and status.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// StatusUpdate is the payload of one order-status write.
type StatusUpdate struct {
	PaymentStatus status.Status `json:"paymentStatus"`
	TransactionID string        `json:"transactionId,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
}

// orderWrite serializes writes for one order so two goroutines carrying the
// same status cannot both pass the dedupe check.
type orderWrite struct {
	mu   sync.Mutex
	done bool
	last status.Status
}

// Client writes payment statuses to the order service.
type Client struct {
	http *resty.Client

	mu     sync.Mutex
	orders map[int64]*orderWrite
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(1),
		orders: make(map[int64]*orderWrite),
	}
}

// WriteStatus upserts the payment status for an order. Writing the same
// status for the same order twice is a no-op, even when the two writes are
// concurrent.
func (c *Client) WriteStatus(ctx context.Context, orderID int64, update StatusUpdate) error {
	c.mu.Lock()
	ow, ok := c.orders[orderID]
	if !ok {
		ow = &orderWrite{}
		c.orders[orderID] = ow
	}
	c.mu.Unlock()

	ow.mu.Lock()
	defer ow.mu.Unlock()
	if ow.done && ow.last == update.PaymentStatus {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(update).
		SetPathParam("orderId", fmt.Sprintf("%d", orderID)).
		Put("/v1/orders/{orderId}/payment-status")
	if err != nil {
		return fmt.Errorf("order: write status for %d: %w", orderID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("order: write status for %d: unexpected response %d", orderID, resp.StatusCode())
	}

	ow.done = true
	ow.last = update.PaymentStatus
	return nil
}
