package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []Status{Paid, Failed, Cancelled, InsufficientFunds, Refunded}
	for _, s := range terminal {
		assert.True(t, IsTerminal(s), "%s should be terminal", s)
	}
	assert.False(t, IsTerminal(Pending))
	assert.False(t, IsTerminal(Processing))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		current     Status
		observed    Status
		want        Status
		wantAnomaly bool
	}{
		{"non-terminal accepts observation", Pending, Processing, Processing, false},
		{"non-terminal accepts terminal", Processing, Paid, Paid, false},
		{"stale non-terminal after terminal is ignored", Paid, Pending, Paid, false},
		{"same terminal repeated", Paid, Paid, Paid, false},
		{"paid to failed is an anomaly", Paid, Failed, Paid, true},
		{"failed to paid is an anomaly", Failed, Paid, Failed, true},
		{"failed to refunded allowed", Failed, Refunded, Refunded, false},
		{"paid to refunded allowed", Paid, Refunded, Refunded, false},
		{"cancelled to refunded rejected", Cancelled, Refunded, Cancelled, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, anomaly := Resolve(tc.current, tc.observed)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantAnomaly, anomaly)
		})
	}
}

// Once terminal, any sequence of further observations must keep returning the
// same status except for explicitly allowed terminal transitions.
func TestResolveMonotonicTerminality(t *testing.T) {
	current := Pending
	sequence := []Status{Processing, Paid, Pending, Processing, Failed, Cancelled, Pending}
	for _, obs := range sequence {
		current, _ = Resolve(current, obs)
	}
	assert.Equal(t, Paid, current)
}

func TestFromGatewayPrefersStatusField(t *testing.T) {
	st, ok := FromGateway("PAID", "03")
	assert.True(t, ok)
	assert.Equal(t, Paid, st)
}

func TestFromGatewayFallsBackToCode(t *testing.T) {
	st, ok := FromGateway("", "51")
	assert.True(t, ok)
	assert.Equal(t, InsufficientFunds, st)

	// "00" means "transaction found", not "paid".
	st, ok = FromGateway("", "00")
	assert.True(t, ok)
	assert.Equal(t, Processing, st)
}

func TestFromGatewayFailClosed(t *testing.T) {
	st, ok := FromGateway("", "99")
	assert.False(t, ok)
	assert.Equal(t, Failed, st)

	st, ok = FromGateway("SOMETHING_NEW", "01")
	assert.False(t, ok)
	assert.Equal(t, Failed, st)
}

func TestFromPushEventIsPermissive(t *testing.T) {
	assert.Equal(t, Paid, FromPushEvent("paid"))
	assert.Equal(t, Pending, FromPushEvent("whatever"))
}
