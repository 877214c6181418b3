/*
scheduler.go - Automated loss-expiration sweep

PURPOSE:
  Periodically expires loss records whose carry-forward window has ended,
  so that balances and the audit trail show them as expired without
  waiting for the next calculation to skip them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - One sweep per calendar year: a sweep for year Y expires every active
    loss with expiration year before Y
  - Skips years that already have a completed run
  - Records every run (running, completed, failed) for audit and display

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpirationScheduler(engine, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExpireLosses endpoint (manual sweep)
  - losses/ledger.go: ExpireBefore
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tax-engine/tax"
	"go.uber.org/zap"
)

// Expirer expires losses whose window ended before year.
type Expirer interface {
	ExpireLosses(ctx context.Context, year int) (int, error)
}

// ExpirationScheduler runs the yearly loss-expiration sweep.
type ExpirationScheduler struct {
	Expirer       Expirer
	Runs          tax.ExpirationRunLog
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// sweepMu keeps manual and scheduled sweeps from overlapping.
	sweepMu sync.Mutex
}

// NewExpirationScheduler creates a scheduler. A nil logger disables logging.
func NewExpirationScheduler(expirer Expirer, runs tax.ExpirationRunLog, logger *zap.Logger) *ExpirationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirationScheduler{
		Expirer:       expirer,
		Runs:          runs,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
		now:           time.Now,
	}
}

// Start begins the scheduler. The first check runs immediately.
func (s *ExpirationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.logger.Info("started", zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (s *ExpirationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *ExpirationScheduler) run() {
	defer s.wg.Done()

	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *ExpirationScheduler) checkAndProcess() {
	ctx := context.Background()
	year := s.now().Year()

	done, err := s.Runs.ExpirationCompleted(ctx, year)
	if err != nil {
		s.logger.Error("failed to check expiration status", zap.Int("year", year), zap.Error(err))
		return
	}
	if done {
		s.logger.Debug("expiration already done", zap.Int("year", year))
		return
	}

	if _, err := s.Sweep(ctx, year); err != nil {
		s.logger.Error("expiration sweep failed", zap.Int("year", year), zap.Error(err))
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (s *ExpirationScheduler) RunNow() {
	s.checkAndProcess()
}

// Sweep expires losses before year and records the run. The run is returned
// even when the sweep fails.
func (s *ExpirationScheduler) Sweep(ctx context.Context, year int) (tax.ExpirationRun, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	run := tax.ExpirationRun{
		ID:        uuid.NewString(),
		Year:      year,
		Status:    tax.RunRunning,
		StartedAt: s.now().UTC(),
	}
	if err := s.Runs.SaveExpirationRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save run record: %w", err)
	}

	n, err := s.Expirer.ExpireLosses(ctx, year)
	completed := s.now().UTC()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = tax.RunFailed
		run.Error = err.Error()
		if saveErr := s.Runs.SaveExpirationRun(ctx, run); saveErr != nil {
			s.logger.Error("failed to update run record", zap.String("run_id", run.ID), zap.Error(saveErr))
		}
		return run, err
	}

	run.Status = tax.RunCompleted
	run.Expired = n
	if err := s.Runs.SaveExpirationRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to update run record: %w", err)
	}

	s.logger.Info("expiration sweep completed",
		zap.String("run_id", run.ID),
		zap.Int("year", year),
		zap.Int("expired", n),
	)
	return run, nil
}

// History returns recorded runs, newest first.
func (s *ExpirationScheduler) History(ctx context.Context) ([]tax.ExpirationRun, error) {
	return s.Runs.ExpirationRuns(ctx)
}

// NextRunTime returns when the next scheduled check will occur.
func (s *ExpirationScheduler) NextRunTime() time.Time {
	return s.now().Add(s.CheckInterval)
}
