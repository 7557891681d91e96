package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/store"
	"example.com/systrack/internal/syncer"
)

// ErrRunInProgress is returned when a trigger fires while a previous run is
// still executing; the new fire is skipped, never queued.
var ErrRunInProgress = errors.New("sync run already in progress")

const jitterWindow = 30 * time.Second

// Enqueuer is the queue surface the scheduler produces into.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (*queue.Job, error)
}

// TargetLister supplies the sync-eligible targets for a run.
type TargetLister interface {
	ListSyncEligibleTargets(ctx context.Context) ([]store.Target, error)
}

// Summary reports the independent per-target outcomes of one run.
type Summary struct {
	Targets  int `json:"targets"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Scheduler enqueues one sync job per eligible target on a daily timer.
// Start/Stop are idempotent; overlapping runs are skipped via an atomic
// guard shared with the manual trigger.
type Scheduler struct {
	targets TargetLister
	jobs    Enqueuer
	logger  *slog.Logger

	hour     int
	minute   int
	location *time.Location

	cron    *cron.Cron
	started bool
	mu      sync.Mutex

	running atomic.Bool

	// jitter is swappable in tests to make delays deterministic.
	jitter func() time.Duration
	now    func() time.Time
}

// New builds a scheduler that fires daily at hour:minute in loc.
func New(targets TargetLister, jobs Enqueuer, hour, minute int, loc *time.Location, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		targets:  targets,
		jobs:     jobs,
		logger:   logger.With("component", "scheduler"),
		hour:     hour,
		minute:   minute,
		location: loc,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(jitterWindow.Milliseconds())) * time.Millisecond
		},
		now: time.Now,
	}
}

// Start arms the recurring timer. Calling Start on an armed scheduler is a
// no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New(cron.WithLocation(s.location))
	spec := fmt.Sprintf("%d %d * * *", s.minute, s.hour)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.run(ctx, "timer"); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Error("scheduled sync run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("arm sync schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.started = true
	s.logger.Info("sync schedule armed", "at", fmt.Sprintf("%02d:%02d", s.hour, s.minute), "tz", s.location.String())
	return nil
}

// Stop disarms the timer. Jobs already enqueued are untouched; shutdown
// stops producing new work, it does not abort work in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.cron = nil
	s.started = false
	s.logger.Info("sync schedule disarmed")
}

// TriggerManualSync runs the same body as the timer, honoring the same
// overlap guard.
func (s *Scheduler) TriggerManualSync(ctx context.Context) (Summary, error) {
	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, reason string) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sync run skipped, previous run still in progress", "reason", reason)
		return Summary{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	targets, err := s.targets.ListSyncEligibleTargets(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list eligible targets: %w", err)
	}
	if len(targets) == 0 {
		s.logger.Info("no sync-eligible targets", "reason", reason)
		return Summary{}, nil
	}

	day := s.now().In(s.location).Format("2006-01-02")

	// Per-target fan-out: each enqueue succeeds or fails on its own; one
	// target's failure must not block its siblings.
	var (
		mu       sync.Mutex
		enqueued int
		failed   int
	)
	var g errgroup.Group
	g.SetLimit(8)
	for _, target := range targets {
		g.Go(func() error {
			payload := syncer.JobPayload{
				TargetID:    target.ID,
				TargetName:  target.Name,
				TargetKind:  int(target.Kind),
				EndpointURL: target.EndpointURL,
				Credential:  target.APIKey,
			}
			delay := s.jitter()
			uniqueKey := fmt.Sprintf("sync:%d:%s", target.ID, day)
			_, err := s.jobs.Enqueue(ctx, syncer.QueueName, syncer.JobName, payload, syncer.EnqueueOptions(delay, uniqueKey))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				s.logger.Error("enqueue sync job failed", "target_id", target.ID, "target", target.Name, "error", err)
				return nil
			}
			enqueued++
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Targets: len(targets), Enqueued: enqueued, Failed: failed}
	s.logger.Info("sync run finished", "reason", reason,
		"targets", summary.Targets, "enqueued", summary.Enqueued, "failed", summary.Failed)
	return summary, nil
}
