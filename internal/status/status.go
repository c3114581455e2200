// Package status defines the normalized payment status model shared by all
// three update channels (polling, webhooks, push).
//
// Every observation, no matter where it came from, is funnelled through
// Resolve so that the monotonic-terminality invariant holds regardless of
// which channel wins the race: once a transaction reaches a terminal status
// it can never be downgraded to a non-terminal one, and a conflicting
// terminal report is kept out and flagged as an anomaly.
package status

import "time"

// Status represents the normalized lifecycle state of a payment.
type Status string

const (
	Pending           Status = "PENDING"
	Processing        Status = "PROCESSING"
	Paid              Status = "PAID"
	Failed            Status = "FAILED"
	Cancelled         Status = "CANCELLED"
	InsufficientFunds Status = "INSUFFICIENT_FUNDS"
	Refunded          Status = "REFUNDED"
)

// Source identifies which channel produced an observation.
type Source string

const (
	SourcePoll    Source = "POLL"
	SourceWebhook Source = "WEBHOOK"
	SourcePush    Source = "PUSH"
)

// Observation is one normalized status report from any channel.
type Observation struct {
	Status        Status
	TransactionID string
	RawCode       string
	RawText       string
	Source        Source
	ObservedAt    time.Time
}

// IsTerminal reports whether no further transition is expected for s
// absent manual intervention.
func IsTerminal(s Status) bool {
	switch s {
	case Paid, Failed, Cancelled, InsufficientFunds, Refunded:
		return true
	}
	return false
}

// allowedTerminalTransitions lists the terminal→terminal transitions that
// are consistent with known gateway semantics (manual reversals).
// Anything else between two different terminal states is an anomaly.
var allowedTerminalTransitions = map[Status]map[Status]bool{
	Failed: {Refunded: true},
	Paid:   {Refunded: true},
}

// Resolve applies an observed status to the current one and returns the
// status the record should carry, plus an anomaly flag.
//
// Rules:
//   - current non-terminal: the observation wins.
//   - current terminal, observed non-terminal: keep current, no anomaly;
//     stale reports are expected when three channels race.
//   - current terminal, observed a different terminal status: keep current
//     unless the transition is in the allowed set; flag an anomaly if not.
func Resolve(current, observed Status) (Status, bool) {
	if !IsTerminal(current) {
		return observed, false
	}
	if !IsTerminal(observed) {
		return current, false
	}
	if observed == current {
		return current, false
	}
	if allowedTerminalTransitions[current][observed] {
		return observed, false
	}
	return current, true
}
