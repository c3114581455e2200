// Package gateway implements the status-source adapter: one remote status
// check per call against the payment gateway's status-query endpoint.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

// defaultTimeout bounds every status-query call independently of the
// polling interval so a hung gateway cannot stall a tick forever.
const defaultTimeout = 30 * time.Second

// TransportError marks a failure talking to the gateway (network error,
// 5xx, malformed body). It carries no status: the reconciler retries it
// without touching the transaction record.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// statusResponse is the gateway's status-query wire shape.
type statusResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	ResponseCode  string `json:"responseCode"`
	ResponseText  string `json:"responseText"`
}

// Client performs status queries against the gateway.
type Client struct {
	http *resty.Client
}

// NewClient builds a status-query client for the given gateway base URL.
// A zero timeout selects the 30 s default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Check performs one remote status check for the given transaction token.
//
// A successful-but-unfavorable answer (declined, cancelled, unknown code) is
// not an error: it returns a normalized observation, fail-closed to FAILED
// when the gateway's answer is unrecognizable. Only transport-level trouble
// returns a *TransportError.
func (c *Client) Check(ctx context.Context, token string) (status.Observation, error) {
	var body statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetPathParam("token", token).
		Get("/v1/transactions/{token}/status")
	if err != nil {
		return status.Observation{}, &TransportError{Op: "status query", Err: err}
	}
	if resp.StatusCode() >= 500 {
		return status.Observation{}, &TransportError{
			Op:  "status query",
			Err: fmt.Errorf("gateway returned %d", resp.StatusCode()),
		}
	}
	if resp.IsError() {
		return status.Observation{}, &TransportError{
			Op:  "status query",
			Err: fmt.Errorf("unexpected response %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	if body.Status == "" && body.ResponseCode == "" {
		return status.Observation{}, &TransportError{
			Op:  "status query",
			Err: fmt.Errorf("malformed body: %s", resp.String()),
		}
	}

	st, _ := status.FromGateway(body.Status, body.ResponseCode)
	return status.Observation{
		Status:        st,
		TransactionID: body.TransactionID,
		RawCode:       body.ResponseCode,
		RawText:       firstNonEmpty(body.ResponseText, body.Status),
		Source:        status.SourcePoll,
		ObservedAt:    time.Now().UTC(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
