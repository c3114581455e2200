package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ValidationError rejects a webhook before any state mutation. Security
// marks signature and timestamp failures, which are logged as
// security-relevant events, never surfaced as payment failures.
type ValidationError struct {
	Reason   string
	Security bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook: %s", e.Reason)
}

// Verifier checks the authenticity of a raw webhook body. The gateway's
// exact scheme is configuration; the interface keeps it swappable.
type Verifier interface {
	Verify(body []byte, signature, timestamp string) error
}

// HMACVerifier implements the shared-secret scheme: hex-encoded
// HMAC-SHA256 over body + "." + timestamp, with a bounded timestamp age to
// stop replays.
type HMACVerifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewHMACVerifier(secret string, maxAge time.Duration) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (v *HMACVerifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return &ValidationError{Reason: "missing signature headers", Security: true}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &ValidationError{Reason: "invalid timestamp", Security: true}
	}
	if v.maxAge > 0 {
		age := v.now().Unix() - ts
		if age > int64(v.maxAge.Seconds()) || age < -int64(v.maxAge.Seconds()) {
			return &ValidationError{Reason: "signature expired", Security: true}
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	mac.Write([]byte("." + timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &ValidationError{Reason: "invalid signature", Security: true}
	}
	return nil
}

// Sign computes the signature for a body and timestamp. Used by tests and
// by the local simulator.
func (v *HMACVerifier) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	mac.Write([]byte("." + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}
