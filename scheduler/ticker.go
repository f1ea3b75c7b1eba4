// Package scheduler drives periodic execution of due jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/store"
)

// Dispatcher starts a run for a claimed job without blocking on its
// execution. Satisfied by the process supervisor.
type Dispatcher interface {
	Run(job *store.Job) (*store.Run, error)
}

// Ticker claims due jobs on a fixed period and hands them to the
// dispatcher. Jobs run concurrently with each other; the loop itself never
// blocks on a long-running job.
type Ticker struct {
	store      *store.Store
	dispatcher Dispatcher
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// Config contains configuration for the scheduler ticker
type Config struct {
	Interval time.Duration // How often to check for due jobs (default: 1 second)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker with a parent context. Cancelling the parent
// stops the loop.
func NewTicker(ctx context.Context, st *store.Store, dispatcher Dispatcher, cfg Config, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:      st,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log.Named("scheduler"),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler started", "interval", t.interval)
}

// Stop gracefully stops the ticker. In-flight runs are unaffected; they
// belong to the supervisor.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			if err := t.Tick(tickTime); err != nil {
				// Store errors are retried next tick; never fatal to the daemon.
				t.logger.Warnw("Tick error", "error", err, "tick", tick)
			}
		}
	}
}

// Tick performs one claim-and-dispatch pass. Exposed for tests and for
// deterministic single-step execution.
func (t *Ticker) Tick(now time.Time) error {
	claimed, err := t.store.ClaimDueJobs(now)
	if err != nil {
		return errors.Wrap(err, "failed to claim due jobs")
	}

	if len(claimed) == 0 {
		return nil
	}

	for _, job := range claimed {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		run, err := t.dispatcher.Run(job)
		if err != nil {
			// A previous run still in flight is expected when a job
			// outlives its interval; the claim already advanced
			// next_due_at, so the job is simply skipped this round.
			if errors.IsConflict(err) {
				t.logger.Debugw("Skipping claimed job, previous run still in flight",
					"job_id", job.ID,
					"job_name", job.Name)
				continue
			}
			// One bad job never halts the loop.
			t.logger.Errorw("Failed to dispatch job",
				"job_id", job.ID,
				"job_name", job.Name,
				"error", err)
			continue
		}

		t.logger.Infow("Dispatched job",
			"job_id", job.ID,
			"job_name", job.Name,
			"run_id", run.ID,
			"next_due_at", job.NextDueAt.Format(time.RFC3339))
	}

	return nil
}

// RunNow force-dispatches a job outside its schedule. The single
// run-per-job rule still applies: Conflict when a run is already in
// flight. The job's next_due_at is not changed.
func (t *Ticker) RunNow(jobID string) (*store.Run, error) {
	job, err := t.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return t.dispatcher.Run(job)
}

// Stats returns ticker statistics for the status method
func (t *Ticker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval.String(),
	}
}
