// Package audit implements the signal-rejection-chain structured logging
// supplemented from the original Python lineage's
// tests/test_signal_rejection_logging.py (see SPEC_FULL.md SUPPLEMENTED
// FEATURES) and made explicit by spec.md §8 scenario 6: every
// strategy/meta/risk/order decision for one trading intent is logged as a
// single structured event tagged with that intent's link_id and symbol, so
// the whole chain — signal_generated → meta_approved|meta_rejected →
// risk_approved|risk_rejected → order_submitted|order_failed — is
// greppable end-to-end by link_id alone.
package audit

import (
	"log/slog"

	"bybit-trading-core/pkg/types"
)

// EventType names one stage of the rejection chain.
type EventType string

const (
	EventSignalGenerated EventType = "signal_generated"
	EventMetaApproved    EventType = "meta_approved"
	EventMetaRejected    EventType = "meta_rejected"
	EventRiskApproved    EventType = "risk_approved"
	EventRiskRejected    EventType = "risk_rejected"
	EventOrderSubmitted  EventType = "order_submitted"
	EventOrderFailed     EventType = "order_failed"
)

// Logger emits one structured log line per chain event.
type Logger struct {
	logger *slog.Logger
}

// New builds an audit logger.
func New(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "audit")}
}

// SignalGenerated logs the first link in the chain: a strategy produced a
// directional signal.
func (l *Logger) SignalGenerated(linkID, symbol, strategy string, signal types.Signal) {
	l.logger.Info(string(EventSignalGenerated),
		"event", EventSignalGenerated,
		"link_id", linkID,
		"symbol", symbol,
		"strategy", strategy,
		"direction", signal.Direction,
		"confidence", signal.Confidence,
		"reasons", signal.Reasons,
	)
}

// MetaApproved logs that the meta-layer passed a signal through unchanged.
func (l *Logger) MetaApproved(linkID, symbol string) {
	l.logger.Info(string(EventMetaApproved),
		"event", EventMetaApproved,
		"link_id", linkID,
		"symbol", symbol,
	)
}

// MetaRejected logs that the meta-layer vetoed a signal, carrying the
// machine-readable reason code.
func (l *Logger) MetaRejected(linkID, symbol string, reason types.RejectReason) {
	l.logger.Info(string(EventMetaRejected),
		"event", EventMetaRejected,
		"link_id", linkID,
		"symbol", symbol,
		"reason_code", reason.Code,
		"reason_values", reason.Values,
	)
}

// RiskApproved logs that the Risk Engine sized and accepted a signal.
func (l *Logger) RiskApproved(linkID, symbol string) {
	l.logger.Info(string(EventRiskApproved),
		"event", EventRiskApproved,
		"link_id", linkID,
		"symbol", symbol,
	)
}

// RiskRejected logs that the Risk Engine rejected a signal, carrying the
// machine-readable reason code (e.g. "risk_limit_violation/leverage 15>10").
func (l *Logger) RiskRejected(linkID, symbol string, reason types.RejectReason) {
	l.logger.Info(string(EventRiskRejected),
		"event", EventRiskRejected,
		"link_id", linkID,
		"symbol", symbol,
		"reason_code", reason.Code,
		"reason_values", reason.Values,
	)
}

// OrderSubmitted logs that the Order Engine successfully placed an order
// for this link_id.
func (l *Logger) OrderSubmitted(linkID, symbol, orderID string) {
	l.logger.Info(string(EventOrderSubmitted),
		"event", EventOrderSubmitted,
		"link_id", linkID,
		"symbol", symbol,
		"order_id", orderID,
	)
}

// OrderFailed logs that order submission failed after passing Risk.
func (l *Logger) OrderFailed(linkID, symbol string, err error) {
	l.logger.Error(string(EventOrderFailed),
		"event", EventOrderFailed,
		"link_id", linkID,
		"symbol", symbol,
		"error", err,
	)
}
