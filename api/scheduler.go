/*
scheduler.go - Periodic materialization driver

PURPOSE:
  Periodically runs every active recurring definition that is due and
  materializes its invoice for the current period.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each pass is one RecurringService.RunDue call: definitions run in
    parallel up to Concurrency, each under a per-definition run lock
  - A definition already materialized for its period is reported not_due,
    so overlapping passes and restarts never double-bill
  - Every pass is recorded as a MaterializationRun for audit and the UI

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the driver is active (default: true)
  - Concurrency / HaltOnError: passed through to RunDue
  - Guard: lock.Local for one server, lock.Redis for several

USAGE:
  driver := NewMaterializationDriver(store, recurring, lock.NewGuard(lock.NewLocal()))
  driver.Start()
  // ... later
  driver.Stop()

SEE ALSO:
  - engine/service.go: RunDue
  - lock/lock.go: Run locks
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/logger"
	"github.com/warp/payables-engine/store/sqlite"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// MaterializationDriver runs due recurring definitions on a ticker.
type MaterializationDriver struct {
	Store         *sqlite.Store
	Recurring     *engine.RecurringService
	CheckInterval time.Duration
	Enabled       bool
	Concurrency   int
	HaltOnError   bool
	Guard         engine.RunGuard

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewMaterializationDriver creates a driver with default settings.
func NewMaterializationDriver(store *sqlite.Store, recurring *engine.RecurringService, guard engine.RunGuard) *MaterializationDriver {
	return &MaterializationDriver{
		Store:         store,
		Recurring:     recurring,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Concurrency:   4,
		Guard:         guard,
		log:           logger.WithComponent("driver"),
	}
}

// Start begins the driver.
func (d *MaterializationDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Enabled {
		d.log.Info().Msg("driver disabled, not starting")
		return
	}
	if d.ticker != nil {
		return
	}

	d.ticker = time.NewTicker(d.CheckInterval)
	d.stop = make(chan struct{})
	d.wg.Add(1)

	go d.run(d.ticker, d.stop)

	d.log.Info().Dur("interval", d.CheckInterval).Msg("driver started")
}

// Stop stops the driver and waits for an in-flight pass.
func (d *MaterializationDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	close(d.stop)
	d.wg.Wait()
	d.ticker = nil
	d.log.Info().Msg("driver stopped")
}

func (d *MaterializationDriver) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer d.wg.Done()

	// Run immediately on start
	d.tick()

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-stop:
			return
		}
	}
}

func (d *MaterializationDriver) tick() {
	today := d.Recurring.Clock().Today()
	if _, _, err := d.RunOnce(context.Background(), today, TriggerScheduled); err != nil {
		d.log.Error().Err(err).Str("date", today.String()).Msg("scheduled run failed")
	}
}

// RunNow triggers a manual pass for today (per the service clock) or the
// given date.
func (d *MaterializationDriver) RunNow(ctx context.Context, date *engine.Date) (sqlite.MaterializationRun, engine.RunSummary, error) {
	today := d.Recurring.Clock().Today()
	if date != nil {
		today = *date
	}
	return d.RunOnce(ctx, today, TriggerManual)
}

// RunOnce runs one pass and records it. Passes never overlap within one
// process.
func (d *MaterializationDriver) RunOnce(ctx context.Context, today engine.Date, trigger string) (sqlite.MaterializationRun, engine.RunSummary, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	run := sqlite.MaterializationRun{
		ID:        uuid.NewString(),
		RunDate:   today,
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := d.Store.SaveRun(ctx, run); err != nil {
		return run, engine.RunSummary{}, fmt.Errorf("record run start: %w", err)
	}

	summary, runErr := d.Recurring.RunDue(ctx, today, engine.RunOptions{
		Concurrency: d.Concurrency,
		HaltOnError: d.HaltOnError,
		Guard:       d.Guard,
	})

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Materialized = summary.Materialized
	run.NotDue = summary.NotDue
	run.Skipped = summary.Skipped
	run.Failed = summary.Failed
	run.Status = RunStatusCompleted
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Error = runErr.Error()
	} else if summary.Failed > 0 {
		run.Error = fmt.Sprintf("%d definition(s) failed", summary.Failed)
	}

	for _, o := range summary.Outcomes {
		if o.Status == engine.RunFailed {
			d.log.Warn().
				Err(o.Err).
				Str("run_id", run.ID).
				Str("definition_id", string(o.DefinitionID)).
				Msg("definition failed to materialize")
		}
	}

	if err := d.Store.SaveRun(ctx, run); err != nil {
		return run, summary, fmt.Errorf("record run completion: %w", err)
	}

	d.log.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Str("date", today.String()).
		Int("materialized", run.Materialized).
		Int("failed", run.Failed).
		Msg("run recorded")

	return run, summary, runErr
}
