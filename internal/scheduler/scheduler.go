// Package scheduler runs maintenance jobs once a day at a fixed wall-clock time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

// Daily is a wall-clock trigger.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// NewDaily validates the trigger time. A nil location means UTC.
func NewDaily(hour, minute int, loc *time.Location) (Daily, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Daily{}, fmt.Errorf("invalid daily trigger %02d:%02d", hour, minute)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Daily{Hour: hour, Minute: minute, Location: loc}, nil
}

// Next returns the first trigger strictly after now.
func (d Daily) Next(now time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

// Job is one unit of maintenance work.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler fires its jobs in order at every trigger.
type Scheduler struct {
	trigger Daily
	jobs    []Job
	logger  *zap.Logger
	clock   func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a scheduler.
func New(trigger Daily, logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		trigger: trigger,
		jobs:    jobs,
		logger:  logger.Named("scheduler"),
		clock:   time.Now,
	}
}

// RunOnce executes every job once. A failing job is logged and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		n, err := job.Run(ctx)
		telemetry.JobDuration.WithLabelValues(job.Name).Observe(time.Since(started).Seconds())
		if err != nil {
			s.logger.Error("maintenance job failed", zap.String("job", job.Name), zap.Error(err))
			continue
		}
		s.logger.Info("maintenance job finished", zap.String("job", job.Name), zap.Int64("affected", n))
	}
}

// Run blocks until ctx is cancelled, running the jobs at every trigger.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, wait := s.untilNext()
		s.logger.Debug("next maintenance run", zap.Time("at", next))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// untilNext measures the wait against the scheduler's own clock.
func (s *Scheduler) untilNext() (time.Time, time.Duration) {
	now := s.clock()
	next := s.trigger.Next(now)
	return next, next.Sub(now)
}

// Start runs the loop in the background.
func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for an in-flight run, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
