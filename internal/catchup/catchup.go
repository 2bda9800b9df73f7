// Package catchup reconciles the object store against the database,
// replaying raw email objects the push path missed.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

// Resumer reactivates suspended subscriptions. Satisfied by fanout.Engine.
type Resumer interface {
	ResumeSuspended(ctx context.Context)
}

// Options configures the runner.
type Options struct {
	Bucket string
	Prefix string
	// Cron is the reconcile schedule, standard 5-field syntax.
	// Default "*/5 * * * *".
	Cron string
	// MaxKeys caps how many object keys one run examines, clamped to
	// [1, 100]. Default 10.
	MaxKeys int
	// OnlyLastHours restricts the listing to recently modified objects.
	// Zero disables the restriction; default 24.
	OnlyLastHours int
	// Disabled is the operator kill switch: Start becomes a no-op.
	Disabled bool
	Logger   *slog.Logger
}

// RunStats summarizes one reconcile run.
type RunStats struct {
	Listed    int
	Skipped   int // already in the database
	Ingested  int
	Refreshed int
	Failed    int
}

// Runner is the periodic catch-up job plus the hourly auto-resume entry.
type Runner struct {
	store       *store.Store
	objects     objstore.Client
	coordinator *ingest.Coordinator
	resumer     Resumer
	logger      *slog.Logger
	opts        Options

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	stopped bool
	lastRun time.Time
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRunner wires a catch-up runner. resumer may be nil to disable the
// auto-resume entry.
func NewRunner(st *store.Store, objects objstore.Client, coordinator *ingest.Coordinator, resumer Resumer, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cron == "" {
		opts.Cron = "*/5 * * * *"
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 10
	}
	if opts.MaxKeys > 100 {
		opts.MaxKeys = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       st,
		objects:     objects,
		coordinator: coordinator,
		resumer:     resumer,
		logger:      opts.Logger,
		opts:        opts,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the reconcile and auto-resume jobs. A disabled runner
// logs and does nothing.
func (r *Runner) Start() error {
	if r.opts.Disabled {
		r.logger.Warn("catch-up scheduler disabled by kill switch")
		return nil
	}

	if _, err := r.cron.AddFunc(r.opts.Cron, r.tick); err != nil {
		return fmt.Errorf("invalid catch-up cron %q: %w", r.opts.Cron, err)
	}
	if r.resumer != nil {
		if _, err := r.cron.AddFunc("0 * * * *", func() {
			r.resumer.ResumeSuspended(r.ctx)
		}); err != nil {
			return fmt.Errorf("schedule auto-resume: %w", err)
		}
	}

	r.cron.Start()
	r.logger.Info("catch-up scheduler started",
		"cron", r.opts.Cron, "bucket", r.opts.Bucket, "prefix", r.opts.Prefix,
		"maxKeys", r.opts.MaxKeys, "onlyLastHours", r.opts.OnlyLastHours)
	return nil
}

// Stop halts scheduling, cancels in-flight work and waits for it to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	cronCtx := r.cron.Stop()
	r.cancel()
	<-cronCtx.Done()
	r.wg.Wait()
	r.logger.Info("catch-up scheduler stopped")
}

// tick is the cron entry body; overlapping runs are skipped.
func (r *Runner) tick() {
	r.mu.Lock()
	if r.stopped || r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.lastRun = time.Now()
		r.mu.Unlock()
		r.wg.Done()
	}()

	stats, err := r.RunOnce(r.ctx)
	if err != nil {
		r.logger.Error("catch-up run failed", "error", err)
		return
	}
	if stats.Listed > 0 {
		r.logger.Info("catch-up run completed",
			"listed", stats.Listed, "skipped", stats.Skipped,
			"ingested", stats.Ingested, "refreshed", stats.Refreshed,
			"failed", stats.Failed)
	}
}

// RunOnce performs a single reconcile pass: list, diff, replay. Per-key
// failures are logged and counted but never abort the pass.
func (r *Runner) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats

	var since time.Time
	if r.opts.OnlyLastHours > 0 {
		since = time.Now().Add(-time.Duration(r.opts.OnlyLastHours) * time.Hour)
	}

	keys, err := r.objects.List(ctx, r.opts.Bucket, r.opts.Prefix, r.opts.MaxKeys, since)
	if err != nil {
		return stats, fmt.Errorf("list objects: %w", err)
	}
	stats.Listed = len(keys)

	processed, err := r.store.ProcessedObjectKeys()
	if err != nil {
		return stats, fmt.Errorf("load processed keys: %w", err)
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if processed[key] {
			stats.Skipped++
			continue
		}

		results, err := r.coordinator.AcceptObjectCreatedEvent(ctx,
			[]ingest.ObjectRecord{{Bucket: r.opts.Bucket, Key: key}})
		if err != nil {
			stats.Failed++
			r.logger.Warn("catch-up replay failed", "key", key, "error", err)
			continue
		}
		for _, res := range results {
			switch {
			case res.Refreshed, res.Duplicate:
				stats.Refreshed++
			default:
				stats.Ingested++
			}
		}
	}
	return stats, nil
}

// UnprocessedKeys returns the keys present in the object store but absent
// from the database, for the admin diff endpoint.
func (r *Runner) UnprocessedKeys(ctx context.Context, maxKeys int) ([]string, error) {
	if maxKeys <= 0 {
		maxKeys = r.opts.MaxKeys
	}
	if maxKeys > 100 {
		maxKeys = 100
	}

	var since time.Time
	if r.opts.OnlyLastHours > 0 {
		since = time.Now().Add(-time.Duration(r.opts.OnlyLastHours) * time.Hour)
	}
	keys, err := r.objects.List(ctx, r.opts.Bucket, r.opts.Prefix, maxKeys, since)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	processed, err := r.store.ProcessedObjectKeys()
	if err != nil {
		return nil, fmt.Errorf("load processed keys: %w", err)
	}

	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if !processed[key] {
			missing = append(missing, key)
		}
	}
	return missing, nil
}
