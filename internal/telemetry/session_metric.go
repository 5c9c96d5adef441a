package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// SessionMetrics holds all the metric instruments for sessions and their
// transaction coordinators.
type SessionMetrics struct {
	TxnsBegunCounter       metric.Int64Counter
	TxnsCommittedCounter   metric.Int64Counter
	TxnsRolledBackCounter  metric.Int64Counter
	AutoTxnsCounter        metric.Int64Counter
	FlushesCounter         metric.Int64Counter
	SecondaryErrorsCounter metric.Int64Counter
	OpenTxnsUpDownCounter  metric.Int64UpDownCounter
	CommitLatencyHistogram metric.Int64Histogram
}

// NewSessionMetrics creates and registers all the metrics for sessions.
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	txnsBegun, err := meter.Int64Counter(
		"gojosession.session.transactions_begun_total",
		metric.WithDescription("Total number of store transactions opened."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommitted, err := meter.Int64Counter(
		"gojosession.session.transactions_committed_total",
		metric.WithDescription("Total number of store transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsRolledBack, err := meter.Int64Counter(
		"gojosession.session.transactions_rolled_back_total",
		metric.WithDescription("Total number of store transactions rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	autoTxns, err := meter.Int64Counter(
		"gojosession.session.auto_transactions_total",
		metric.WithDescription("Total number of implicit transactions opened by data-access calls."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"gojosession.session.flushes_total",
		metric.WithDescription("Total number of change list flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	secondaryErrors, err := meter.Int64Counter(
		"gojosession.session.secondary_errors",
		metric.WithDescription("Rollback failures swallowed while unwinding a failed auto-transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	openTxns, err := meter.Int64UpDownCounter(
		"gojosession.session.open_transactions",
		metric.WithDescription("Number of store transactions currently open."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Int64Histogram(
		"gojosession.session.commit_duration",
		metric.WithDescription("The latency of transaction commits."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		TxnsBegunCounter:       txnsBegun,
		TxnsCommittedCounter:   txnsCommitted,
		TxnsRolledBackCounter:  txnsRolledBack,
		AutoTxnsCounter:        autoTxns,
		FlushesCounter:         flushes,
		SecondaryErrorsCounter: secondaryErrors,
		OpenTxnsUpDownCounter:  openTxns,
		CommitLatencyHistogram: commitLatency,
	}, nil
}

// NoopSessionMetrics returns instruments that record nothing.
func NoopSessionMetrics() *SessionMetrics {
	m, _ := NewSessionMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
