package subsync

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordEvent records a handled webhook event by kind and outcome
	// ("applied", "noop", "not_found", "invalid", "error").
	RecordEvent(kind EventKind, outcome string)

	// RecordReconcile records the size of a reconciliation delta.
	RecordReconcile(added, removed int)

	// RecordSweepUser records the outcome of one user in a sweep
	// ("synced", "unchanged", "skipped", "mismatch", "failed").
	RecordSweepUser(outcome string)

	// RecordSweepDuration records how long a full sweep took.
	RecordSweepDuration(duration time.Duration)

	// RecordReferralGranted records a referral credit grant.
	RecordReferralGranted()

	// RecordStoreOperation records the duration and status of a store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(kind EventKind, outcome string)                               {}
func (n *NoopMetrics) RecordReconcile(added, removed int)                                       {}
func (n *NoopMetrics) RecordSweepUser(outcome string)                                           {}
func (n *NoopMetrics) RecordSweepDuration(duration time.Duration)                               {}
func (n *NoopMetrics) RecordReferralGranted()                                                   {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
