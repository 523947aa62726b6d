// Package reconcile drives processing jobs to a terminal state by polling
// their providers on a fixed interval.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/videogen-api/internal/completion"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/provider"
)

// Default settings.
const (
	DefaultInterval    = 30 * time.Second
	DefaultClaimTTL    = 2 * time.Minute
	DefaultConcurrency = 4
	DefaultLogCooldown = 5 * time.Minute
	DefaultOrphanAge   = 10 * time.Minute
)

// Jobs is the subset of the job service the poller drives.
type Jobs interface {
	ListProcessing(ctx context.Context) ([]*job.Job, error)
	Get(ctx context.Context, jobID, userID string) (*job.Job, error)
	ClaimForReconcile(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error)
	ReleaseClaim(ctx context.Context, jobID, token string)
	FailProcessing(ctx context.Context, j *job.Job, reason string) error
	Timeout(ctx context.Context, j *job.Job, limit time.Duration) error
	SettleOrphanedReservations(ctx context.Context, age time.Duration) (int, error)
}

// Completer stores the artifact of a succeeded job.
type Completer interface {
	Complete(ctx context.Context, j *job.Job, res provider.Result) error
}

// Config holds the poller settings. Zero values use the defaults.
type Config struct {
	// Interval is the time between ticks.
	Interval time.Duration
	// ClaimTTL bounds how long one job may be reconciled before another
	// poller may take it over.
	ClaimTTL time.Duration
	// Concurrency is how many jobs of one tick are reconciled at once.
	Concurrency int
	// LogCooldown is the minimum time between two warnings about the same job.
	LogCooldown time.Duration
	// OrphanAge is how old a pending reservation must be before the sweep
	// settles it against its job's terminal state.
	OrphanAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LogCooldown <= 0 {
		c.LogCooldown = DefaultLogCooldown
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = DefaultOrphanAge
	}
	return c
}

// Stats summarizes one tick.
type Stats struct {
	Processing int
	Skipped    int
	Running    int
	Completed  int
	Failed     int
	TimedOut   int
	Errors     int
	Settled    int
}

// Poller reconciles processing jobs with their providers.
// A single Poller serves all providers; each job is routed to the adapter
// it was submitted to.
type Poller struct {
	jobs      Jobs
	completer Completer
	providers *provider.Registry
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	lastLog map[string]time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// NewPoller creates a new Poller.
func NewPoller(jobs Jobs, completer Completer, providers *provider.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		jobs:      jobs,
		completer: completer,
		providers: providers,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		lastLog:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("reconciliation poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("concurrency", p.cfg.Concurrency),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick reconciles every processing job once and sweeps orphaned reservations.
// Errors are logged per job and never abort the tick.
func (p *Poller) Tick(ctx context.Context) Stats {
	var (
		stats Stats
		mu    sync.Mutex
	)

	jobs, err := p.jobs.ListProcessing(ctx)
	if err != nil {
		p.logger.Error("failed to list processing jobs", slog.String("error", err.Error()))
		stats.Errors++
		return stats
	}
	stats.Processing = len(jobs)
	p.evict(jobs)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			o := p.reconcile(ctx, j)
			mu.Lock()
			stats.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	settled, err := p.jobs.SettleOrphanedReservations(ctx, p.cfg.OrphanAge)
	if err != nil {
		p.logger.Error("failed to settle orphaned reservations", slog.String("error", err.Error()))
		stats.Errors++
	}
	stats.Settled = settled

	if stats.Processing > 0 {
		p.logger.Debug("reconciliation tick finished",
			slog.Int("processing", stats.Processing),
			slog.Int("completed", stats.Completed),
			slog.Int("failed", stats.Failed),
			slog.Int("timed_out", stats.TimedOut),
			slog.Int("errors", stats.Errors),
		)
	}
	return stats
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRunning
	outcomeCompleted
	outcomeFailed
	outcomeTimedOut
	outcomeError
)

func (s *Stats) add(o outcome) {
	switch o {
	case outcomeSkipped:
		s.Skipped++
	case outcomeRunning:
		s.Running++
	case outcomeCompleted:
		s.Completed++
	case outcomeFailed:
		s.Failed++
	case outcomeTimedOut:
		s.TimedOut++
	case outcomeError:
		s.Errors++
	}
}

func (p *Poller) reconcile(ctx context.Context, listed *job.Job) outcome {
	reg, known := p.providers.Lookup(listed.ProviderName)
	if known && reg.Policy.InGrace(listed.ProcessingStartedAt, p.now()) {
		return outcomeSkipped
	}

	token, claimed, err := p.jobs.ClaimForReconcile(ctx, listed.ID, p.cfg.ClaimTTL)
	if err != nil {
		p.warn(listed.ID, "failed to claim job", slog.String("error", err.Error()))
		return outcomeError
	}
	if !claimed {
		return outcomeSkipped
	}
	defer p.jobs.ReleaseClaim(context.WithoutCancel(ctx), listed.ID, token)

	// The listing may be stale by now; act on the job as stored under the lease.
	j, err := p.jobs.Get(ctx, listed.ID, "")
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			p.forget(listed.ID)
			return outcomeSkipped
		}
		p.warn(listed.ID, "failed to reload job", slog.String("error", err.Error()))
		return outcomeError
	}
	if j.Status != job.StatusProcessing {
		p.forget(j.ID)
		return outcomeSkipped
	}

	if !known {
		return p.fail(ctx, j, "provider "+j.ProviderName+" is no longer configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ClaimTTL)
	defer cancel()

	res, err := reg.Adapter.PollStatus(ctx, j.ProviderTaskID)
	if err != nil {
		if reg.Policy.Overdue(j.ProcessingStartedAt, p.now()) {
			return p.timeout(ctx, j, reg.Policy.MaxProcessing)
		}
		p.warn(j.ID, "provider poll failed",
			slog.String("provider", j.ProviderName),
			slog.String("task_id", j.ProviderTaskID),
			slog.String("error", err.Error()),
		)
		return outcomeError
	}

	switch res.State {
	case provider.StateSucceeded:
		return p.complete(ctx, j, res)
	case provider.StateFailed:
		return p.fail(ctx, j, res.Reason)
	default:
		if reg.Policy.Overdue(j.ProcessingStartedAt, p.now()) {
			return p.timeout(ctx, j, reg.Policy.MaxProcessing)
		}
		return outcomeRunning
	}
}

func (p *Poller) complete(ctx context.Context, j *job.Job, res provider.Result) outcome {
	err := p.completer.Complete(ctx, j, res)
	switch {
	case err == nil:
		p.forget(j.ID)
		return outcomeCompleted
	case errors.Is(err, completion.ErrAlreadyCompleted), errors.Is(err, completion.ErrJobCancelled):
		p.forget(j.ID)
		return outcomeSkipped
	default:
		p.warn(j.ID, "failed to complete job",
			slog.String("provider", j.ProviderName),
			slog.String("error", err.Error()),
		)
		return outcomeError
	}
}

func (p *Poller) fail(ctx context.Context, j *job.Job, reason string) outcome {
	err := p.jobs.FailProcessing(ctx, j, reason)
	switch {
	case err == nil:
		p.forget(j.ID)
		return outcomeFailed
	case errors.Is(err, job.ErrStatusConflict):
		p.forget(j.ID)
		return outcomeSkipped
	default:
		p.warn(j.ID, "failed to fail job", slog.String("error", err.Error()))
		return outcomeError
	}
}

func (p *Poller) timeout(ctx context.Context, j *job.Job, limit time.Duration) outcome {
	err := p.jobs.Timeout(ctx, j, limit)
	switch {
	case err == nil:
		p.forget(j.ID)
		return outcomeTimedOut
	case errors.Is(err, job.ErrStatusConflict):
		p.forget(j.ID)
		return outcomeSkipped
	default:
		p.warn(j.ID, "failed to time out job", slog.String("error", err.Error()))
		return outcomeError
	}
}

// warn logs at most once per cooldown per job; repeats go to debug.
func (p *Poller) warn(jobID, msg string, attrs ...any) {
	now := p.now()
	attrs = append([]any{slog.String("job_id", jobID)}, attrs...)

	p.mu.Lock()
	last, seen := p.lastLog[jobID]
	loud := !seen || now.Sub(last) >= p.cfg.LogCooldown
	if loud {
		p.lastLog[jobID] = now
	}
	p.mu.Unlock()

	if loud {
		p.logger.Warn(msg, attrs...)
		return
	}
	p.logger.Debug(msg, attrs...)
}

func (p *Poller) forget(jobID string) {
	p.mu.Lock()
	delete(p.lastLog, jobID)
	p.mu.Unlock()
}

// evict drops cooldown entries of jobs that left processing.
func (p *Poller) evict(processing []*job.Job) {
	live := make(map[string]struct{}, len(processing))
	for _, j := range processing {
		live[j.ID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.lastLog {
		if _, ok := live[id]; !ok {
			delete(p.lastLog, id)
		}
	}
}
