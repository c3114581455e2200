package httpx

import "github.com/jcmexdev/payment-reconciler/internal/reconciler"

type StartReconciliationRequest struct {
	Token       string     `json:"token"`
	OrderID     int64      `json:"order_id"`
	OrderNumber string     `json:"order_number"`
	TotalAmount string     `json:"total_amount"`
	Config      *ConfigDTO `json:"config,omitempty"`
}

type ConfigDTO struct {
	InitialIntervalMs int     `json:"initial_interval_ms"`
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxIntervalMs     int     `json:"max_interval_ms"`
}

type ReconciliationResponse struct {
	Token     string            `json:"token"`
	SessionID string            `json:"session_id"`
	State     reconciler.State  `json:"state"`
	Stats     *reconciler.Stats `json:"stats,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
