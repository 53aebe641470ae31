/*
scheduler.go - Automated approval-deadline scheduler

PURPOSE:
  Periodically sweeps submitted timecards whose approval deadline has passed,
  auto-approves and settles them, and re-drives approved timecards whose
  payment never completed (crash between approval and payment, transient
  gateway outage).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls settlement.Service.SweepDeadlines with a bounded worker pool
  - Sweeps never overlap: a tick that finds one running waits for it
  - Records busy in an HTTP request are skipped and seen on the next tick

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Options: Batch size, concurrency and recovery delay
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewDeadlineScheduler(service)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - settlement/sweep.go: SweepDeadlines
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/shift-settlement/settlement"
)

// DeadlineScheduler drives auto-approval and payment recovery.
type DeadlineScheduler struct {
	Service       *settlement.Service
	CheckInterval time.Duration
	Options       settlement.SweepOptions
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex

	last   settlement.SweepReport
	lastAt time.Time
	lastMu sync.RWMutex
}

// NewDeadlineScheduler creates a new scheduler.
func NewDeadlineScheduler(svc *settlement.Service) *DeadlineScheduler {
	return &DeadlineScheduler{
		Service:       svc,
		CheckInterval: time.Minute,
		Options:       settlement.DefaultSweepOptions(),
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (ds *DeadlineScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel
	ds.stop = make(chan struct{})
	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.wg.Add(1)

	go ds.run(ctx)

	log.Printf("[Scheduler] Started with check interval: %v", ds.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (ds *DeadlineScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.cancel()
		ds.ticker = nil
		log.Println("[Scheduler] Stopped")
	}
}

func (ds *DeadlineScheduler) run(ctx context.Context) {
	defer ds.wg.Done()

	// Run immediately on start
	ds.checkAndProcess(ctx)

	for {
		select {
		case <-ds.ticker.C:
			ds.checkAndProcess(ctx)
		case <-ds.stop:
			return
		}
	}
}

func (ds *DeadlineScheduler) checkAndProcess(ctx context.Context) {
	if _, err := ds.sweep(ctx); err != nil {
		log.Printf("[Scheduler] Sweep failed: %v", err)
	}
}

func (ds *DeadlineScheduler) sweep(ctx context.Context) (settlement.SweepReport, error) {
	ds.running.Lock()
	defer ds.running.Unlock()

	started := time.Now()
	report, err := ds.Service.SweepDeadlines(ctx, ds.Options)
	if err != nil {
		return report, err
	}

	ds.lastMu.Lock()
	ds.last = report
	ds.lastAt = started
	ds.lastMu.Unlock()

	if report.Due > 0 || report.Recovered > 0 || report.Errors > 0 {
		log.Printf("[Scheduler] Completed in %v: %s", time.Since(started).Round(time.Millisecond), report)
	}
	return report, nil
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ds *DeadlineScheduler) RunNow(ctx context.Context) (settlement.SweepReport, error) {
	return ds.sweep(ctx)
}

// LastReport returns the most recent sweep report and when it started.
func (ds *DeadlineScheduler) LastReport() (settlement.SweepReport, time.Time) {
	ds.lastMu.RLock()
	defer ds.lastMu.RUnlock()
	return ds.last, ds.lastAt
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ds *DeadlineScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(ds.CheckInterval)
}
