package types

import "errors"

// Sentinel errors for the taxonomy every component's failures fall into
// (§7). Callers wrap a concrete error with one of these via fmt.Errorf's
// %w so errors.Is classifies a failure without string-matching messages.
var (
	// ErrTransient marks a transport-level failure worth retrying: a
	// network error, a 5xx response, or a Bybit retCode the venue itself
	// flags as safe to retry (rate limit, recv_window skew, service busy).
	ErrTransient = errors.New("transient transport failure")

	// ErrAuth marks a credential or signature problem: an invalid api_key,
	// a bad signature, or an expired key. Retrying without fixing the
	// credential only burns the rate-limit budget.
	ErrAuth = errors.New("authentication failure")

	// ErrValidation marks malformed or out-of-range input caught before
	// any venue call is attempted — a missing required config field, a
	// non-positive price, a zero stop distance.
	ErrValidation = errors.New("validation failure")

	// ErrRiskDenied marks a signal that failed one or more portfolio-level
	// risk checks (§4.F); see the accompanying RejectReason for which.
	ErrRiskDenied = errors.New("risk limit denied")

	// ErrStateConflict marks an attempted position-state transition the
	// Position-State Manager refuses to apply: a same-event long/short
	// flip, or a close/reduce larger than the currently open qty (§4.H).
	ErrStateConflict = errors.New("position state conflict")

	// ErrReconciliationMismatch marks drift between the local position and
	// the venue's reported state beyond the configured tolerance (§4.H).
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrKillSwitchActive marks a pipeline action refused because the
	// global kill switch has trading disabled (§4.J).
	ErrKillSwitchActive = errors.New("kill switch active")
)

// Error satisfies the error interface so a RejectReason can be wrapped and
// classified with errors.Is/errors.As alongside the sentinels above,
// instead of only ever traveling as a bare return value.
func (r RejectReason) Error() string {
	return r.Code
}
