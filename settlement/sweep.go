package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepOptions tunes one deadline sweep.
type SweepOptions struct {
	// BatchSize caps how many records each pass loads.
	BatchSize int

	// Concurrency bounds how many timecards are processed in parallel.
	Concurrency int

	// RecoveryDelay is how long an approved timecard may stay unpaid before
	// the recovery pass retries its payment. It keeps the sweep out of the way
	// of a request that is settling right now.
	RecoveryDelay time.Duration
}

// DefaultSweepOptions returns conservative sweep settings.
func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		BatchSize:     500,
		Concurrency:   4,
		RecoveryDelay: 5 * time.Minute,
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Due           int
	AutoApproved  int
	Paid          int
	Blocked       int
	PaymentFailed int
	Recovered     int
	Skipped       int
	Errors        int
}

func (r SweepReport) String() string {
	return fmt.Sprintf("due=%d auto_approved=%d paid=%d blocked=%d payment_failed=%d recovered=%d skipped=%d errors=%d",
		r.Due, r.AutoApproved, r.Paid, r.Blocked, r.PaymentFailed, r.Recovered, r.Skipped, r.Errors)
}

// Observer receives operational measurements. Implemented by the metrics layer.
type Observer interface {
	TransitionApplied(from, to Status)
	PaymentFinished(outcome string, elapsed time.Duration)
	SweepFinished(report SweepReport, elapsed time.Duration)
}

// NopObserver ignores all measurements.
type NopObserver struct{}

func (NopObserver) TransitionApplied(Status, Status)         {}
func (NopObserver) PaymentFinished(string, time.Duration)    {}
func (NopObserver) SweepFinished(SweepReport, time.Duration) {}

// SweepDeadlines auto-approves every submitted timecard past its deadline,
// then retries payment for approved timecards left unpaid.
//
// Records held by a concurrent request or sweep are skipped and picked up
// by the next sweep; blocked auto-approvals stay submitted and flagged.
func (s *Service) SweepDeadlines(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultSweepOptions().BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	started := time.Now()
	now := s.Now()

	var (
		mu     sync.Mutex
		report SweepReport
	)
	count := func(f func(r *SweepReport)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	due, err := s.Store.ListDue(ctx, now, opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list due timecards: %w", err)
	}
	report.Due = len(due)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, tc := range due {
		id := tc.ID
		g.Go(func() error {
			result, err := s.AutoApprove(gctx, id)
			switch {
			case err == nil:
				count(func(r *SweepReport) { r.AutoApproved++; r.Paid++ })
			case errors.Is(err, ErrPaymentNotReady):
				count(func(r *SweepReport) { r.Blocked++ })
			case errors.Is(err, ErrPaymentFailed) && result != nil:
				count(func(r *SweepReport) { r.AutoApproved++; r.PaymentFailed++ })
			case errors.Is(err, ErrBusy), IsConflict(err):
				count(func(r *SweepReport) { r.Skipped++ })
			default:
				log.Printf("[Scheduler] auto-approval of %s failed: %v", id, err)
				count(func(r *SweepReport) { r.Errors++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	unpaid, err := s.Store.ListUnpaid(ctx, now.Add(-opts.RecoveryDelay), opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list unpaid timecards: %w", err)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, tc := range unpaid {
		id := tc.ID
		g.Go(func() error {
			_, err := s.tryRetryPayment(gctx, id)
			switch {
			case err == nil:
				count(func(r *SweepReport) { r.Recovered++; r.Paid++ })
			case errors.Is(err, ErrPaymentFailed):
				count(func(r *SweepReport) { r.PaymentFailed++ })
			case errors.Is(err, ErrBusy), IsConflict(err):
				count(func(r *SweepReport) { r.Skipped++ })
			case errors.Is(err, ErrPaymentNotReady):
				count(func(r *SweepReport) { r.Blocked++ })
			default:
				log.Printf("[Scheduler] payment recovery of %s failed: %v", id, err)
				count(func(r *SweepReport) { r.Errors++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	s.observer().SweepFinished(report, time.Since(started))
	return report, nil
}
