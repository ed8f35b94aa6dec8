package subsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SyncOutcome is the result of reconciling one user.
type SyncOutcome string

const (
	SyncSynced    SyncOutcome = "synced"
	SyncUnchanged SyncOutcome = "unchanged"
	SyncSkipped   SyncOutcome = "skipped"
	SyncMismatch  SyncOutcome = "mismatch"
	SyncFailed    SyncOutcome = "failed"
)

// SweepConfig holds the dependencies and limits of a Sweeper.
type SweepConfig struct {
	Store    Store
	Provider Provider

	// Concurrency is the number of users reconciled in parallel (default: 1)
	Concurrency int

	// RatePerSecond caps provider lookups per second; 0 disables pacing
	RatePerSecond float64

	Logger     Logger
	Metrics    Metrics
	TimeSource TimeSource
}

// SweepReport summarizes a full sweep.
type SweepReport struct {
	RunID     string
	Scanned   int64
	Synced    int64
	Unchanged int64
	Skipped   int64
	Mismatch  int64
	Failed    int64
	Duration  time.Duration
}

func (r *SweepReport) count(outcome SyncOutcome) {
	switch outcome {
	case SyncSynced:
		atomic.AddInt64(&r.Synced, 1)
	case SyncUnchanged:
		atomic.AddInt64(&r.Unchanged, 1)
	case SyncSkipped:
		atomic.AddInt64(&r.Skipped, 1)
	case SyncMismatch:
		atomic.AddInt64(&r.Mismatch, 1)
	case SyncFailed:
		atomic.AddInt64(&r.Failed, 1)
	}
}

// Sweeper re-runs the reconciler for every user against the provider's live
// subscription list. A failing user never aborts the sweep.
type Sweeper struct {
	store       Store
	provider    Provider
	granter     *ReferralGranter
	concurrency int
	limiter     *rate.Limiter
	logger      Logger
	metrics     Metrics
	clock       TimeSource

	running atomic.Bool
}

// NewSweeper creates a Sweeper from config.
func NewSweeper(config SweepConfig) (*Sweeper, error) {
	if config.Store == nil || config.Provider == nil {
		return nil, fmt.Errorf("%w: store and provider are required", ErrInvalidConfig)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), 1)
	}

	return &Sweeper{
		store:       config.Store,
		provider:    config.Provider,
		granter:     NewReferralGranter(config.Store, config.Logger, config.Metrics),
		concurrency: config.Concurrency,
		limiter:     limiter,
		logger:      config.Logger,
		metrics:     config.Metrics,
		clock:       config.TimeSource,
	}, nil
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Run iterates every user once. Per-user failures are logged and counted;
// the returned error is only set when iteration itself fails or another
// sweep is already running. An interrupted sweep leaves the remaining users
// for the next run.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	report := &SweepReport{RunID: uuid.NewString()}
	s.logger.Info("subscription sweep started", F("run_id", report.RunID))

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	iterErr := s.store.ForEachUser(ctx, func(user *User) error {
		atomic.AddInt64(&report.Scanned, 1)
		g.Go(func() error {
			outcome, err := s.syncUser(ctx, user)
			report.count(outcome)
			s.metrics.RecordSweepUser(string(outcome))
			if err != nil {
				s.logger.Error("sweep failed for user",
					F("run_id", report.RunID),
					F("user_id", user.ID),
					F("customer_id", user.CustomerID),
					F("error", err.Error()))
			}
			return nil
		})
		return ctx.Err()
	})
	_ = g.Wait()

	report.Duration = time.Since(start)
	s.metrics.RecordSweepDuration(report.Duration)
	s.logger.Info("subscription sweep finished",
		F("run_id", report.RunID),
		F("scanned", report.Scanned),
		F("synced", report.Synced),
		F("unchanged", report.Unchanged),
		F("skipped", report.Skipped),
		F("mismatch", report.Mismatch),
		F("failed", report.Failed),
		F("duration", report.Duration.String()))

	if iterErr != nil {
		return report, fmt.Errorf("sweep interrupted: %w", iterErr)
	}
	return report, nil
}

// SyncCustomer reconciles the single user holding customerID.
func (s *Sweeper) SyncCustomer(ctx context.Context, customerID string) (SyncOutcome, error) {
	user, err := FindUserByField(ctx, s.store, s.logger, FieldCustomerID, customerID)
	if err != nil {
		return SyncFailed, err
	}
	outcome, err := s.syncUser(ctx, user)
	s.metrics.RecordSweepUser(string(outcome))
	return outcome, err
}

func (s *Sweeper) syncUser(ctx context.Context, user *User) (SyncOutcome, error) {
	if user.CustomerID == "" {
		return SyncSkipped, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return SyncFailed, err
	}

	active, err := s.provider.ActiveSubscriptions(ctx, user.CustomerID)
	if errors.Is(err, ErrEnvironmentMismatch) {
		s.logger.Debug("customer not in this provider environment, skipping",
			F("user_id", user.ID), F("customer_id", user.CustomerID))
		return SyncMismatch, nil
	}
	if err != nil {
		return SyncFailed, fmt.Errorf("failed to list provider subscriptions: %w", err)
	}

	plan := Reconcile(user.Subscriptions, active, s.clock.Now())
	delta := plan.Delta(user.MembershipTier)
	if delta.IsEmpty() {
		return SyncUnchanged, nil
	}

	if err := s.store.ApplySubscriptionDelta(ctx, user.ID, delta); err != nil {
		return SyncFailed, fmt.Errorf("failed to apply delta: %w", err)
	}
	s.metrics.RecordReconcile(len(plan.Add), len(plan.Remove))
	s.logger.Info("user subscriptions reconciled",
		F("user_id", user.ID),
		F("added", len(plan.Add)),
		F("removed", len(plan.Remove)),
		F("tier", plan.Tier))

	if len(plan.Add) > 0 {
		if _, err := s.granter.Grant(ctx, user); err != nil {
			return SyncFailed, fmt.Errorf("subscriptions applied but referral credit failed: %w", err)
		}
	}
	return SyncSynced, nil
}
