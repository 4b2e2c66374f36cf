/*
scheduler.go - Credit expiry reminder scheduler

PURPOSE:
  Periodically finds pack students whose next credit batch expires within
  the reminder window and publishes one credits.expiring event each.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A failed run is logged and retried on the next tick

USAGE:
  scheduler := NewReminderScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunExpiryReminders endpoint (manual trigger)
  - booking/admin.go: Engine.NotifyExpiring
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/studio-booking/booking"
)

// ReminderScheduler publishes expiry reminders on a ticker.
type ReminderScheduler struct {
	Engine        *booking.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Window        time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReminderScheduler creates a scheduler with a 1h interval and 72h window.
func NewReminderScheduler(engine *booking.Engine, logger *zap.Logger) *ReminderScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderScheduler{
		Engine:        engine,
		Logger:        logger.Named("reminders"),
		CheckInterval: time.Hour,
		Window:        72 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReminderScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("started",
		zap.Duration("interval", rs.CheckInterval),
		zap.Duration("window", rs.Window))
}

// Stop stops the scheduler and waits for an in-flight run.
func (rs *ReminderScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("stopped")
	}
}

func (rs *ReminderScheduler) run() {
	defer rs.wg.Done()

	rs.RunOnce(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunOnce(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunOnce publishes reminders for the current window.
func (rs *ReminderScheduler) RunOnce(ctx context.Context) int {
	n, err := rs.Engine.NotifyExpiring(ctx, rs.Window)
	if err != nil {
		rs.Logger.Error("expiry reminder run failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		rs.Logger.Info("expiry reminders published", zap.Int("count", n))
	}
	return n
}
