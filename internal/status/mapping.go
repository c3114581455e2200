package status

import "strings"

// statusField maps the gateway's explicit status strings to the normalized
// model. The explicit field is always preferred over the response code; see
// FromGateway.
var statusField = map[string]Status{
	"PENDING":            Pending,
	"PROCESSING":         Processing,
	"IN_PROGRESS":        Processing,
	"PAID":               Paid,
	"SUCCESS":            Paid,
	"SUCCESSFUL":         Paid,
	"COMPLETED":          Paid,
	"FAILED":             Failed,
	"DECLINED":           Failed,
	"CANCELLED":          Cancelled,
	"CANCELED":           Cancelled,
	"EXPIRED":            Cancelled,
	"INSUFFICIENT_FUNDS": InsufficientFunds,
	"REFUNDED":           Refunded,
}

// responseCode maps the gateway's numeric response codes, used only when the
// explicit status field is absent. "00" means "transaction found", which is
// not proof of payment, so it maps to PROCESSING rather than PAID.
var responseCode = map[string]Status{
	"00": Processing,
	"01": Paid,
	"02": Pending,
	"03": Failed,
	"05": Cancelled,
	"51": InsufficientFunds,
	"54": Cancelled,
	"90": Refunded,
}

// FromGatewayStatus maps an explicit gateway status string. The second
// return reports whether the value was recognized.
func FromGatewayStatus(s string) (Status, bool) {
	st, ok := statusField[strings.ToUpper(strings.TrimSpace(s))]
	return st, ok
}

// FromGatewayCode maps a gateway response code. The second return reports
// whether the code was in the table.
func FromGatewayCode(code string) (Status, bool) {
	st, ok := responseCode[strings.TrimSpace(code)]
	return st, ok
}

// FromGateway normalizes a gateway status-query response. The explicit
// status field wins; the response code is the fallback. Anything
// unrecognized maps to FAILED, failing closed: an ambiguous answer must never
// read as PAID, and must never read as PENDING and hang the loop silently.
// The raw inputs are preserved on the observation for diagnostics.
func FromGateway(statusStr, code string) (Status, bool) {
	if statusStr != "" {
		if st, ok := FromGatewayStatus(statusStr); ok {
			return st, true
		}
		return Failed, false
	}
	if st, ok := FromGatewayCode(code); ok {
		return st, true
	}
	return Failed, false
}

// FromPushEvent maps a raw push-channel status string. Deliberately more
// permissive than FromGateway: unknown values map to PENDING, because push
// events only exist to wake up polling sooner and are never the sole
// basis for a terminal decision.
func FromPushEvent(s string) Status {
	if st, ok := FromGatewayStatus(s); ok {
		return st
	}
	return Pending
}
