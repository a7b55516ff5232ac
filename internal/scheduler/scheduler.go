// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler fires poll cycles on intervals or cron schedules. Each
// job is single-flight: a tick that finds the previous cycle still running,
// or the distributed lock held elsewhere, is skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	pwlog "github.com/tombee/pollwatch/internal/log"
)

// DefaultMinInterval is the floor applied to interval jobs.
const DefaultMinInterval = 10 * time.Second

// Skip reasons passed to Config.OnSkip.
const (
	SkipInFlight   = "in_flight"
	SkipLockHeld   = "lock_held"
	SkipLockFailed = "lock_failed"
	SkipStopped    = "stopped"
)

// Handler runs one cycle for job id.
type Handler func(ctx context.Context, id string) error

// Locker provides cross-process mutual exclusion. TryLock must not block
// waiting for a held lock; it reports ok=false instead.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Config configures a Scheduler.
type Config struct {
	Handler Handler

	// MinInterval defaults to DefaultMinInterval.
	MinInterval time.Duration

	// Timeout bounds one handler call. Zero means no timeout.
	Timeout time.Duration

	// MaxConcurrent bounds handler calls across all jobs. Zero means 4.
	MaxConcurrent int

	// Locker, when set, is taken around every handler call.
	Locker  Locker
	LockTTL time.Duration

	// OnSkip is called when a tick is skipped.
	OnSkip func(id, reason string)

	Logger *slog.Logger
}

// Scheduler manages interval and cron jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
	sem    chan struct{}

	mu       sync.Mutex
	jobs     map[string]*job
	inflight map[string]bool
	stopped  bool
	wg       sync.WaitGroup
}

type job struct {
	id       string
	interval time.Duration
	schedule string
	entry    cron.EntryID
	cancel   context.CancelFunc
}

// New returns a Scheduler. Call Start to begin cron jobs; interval jobs
// start on Register.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("scheduler: handler is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Locker != nil && cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
		if cfg.Timeout > 0 {
			cfg.LockTTL = 2 * cfg.Timeout
		}
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   pwlog.WithComponent(pwlog.OrDefault(cfg.Logger), "scheduler"),
		cron:     cron.New(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		jobs:     make(map[string]*job),
		inflight: make(map[string]bool),
	}, nil
}

// Start starts the cron runner.
func (s *Scheduler) Start() { s.cron.Start() }

// Register adds or updates an interval job. The interval is raised to
// MinInterval, and every wait gets ±10% jitter.
func (s *Scheduler) Register(ctx context.Context, id string, interval time.Duration) error {
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if existing, ok := s.jobs[id]; ok {
		if existing.interval == interval && existing.schedule == "" {
			return nil
		}
		s.removeLocked(existing)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{id: id, interval: interval, cancel: cancel}
	s.jobs[id] = j

	s.wg.Add(1)
	go s.runTimer(jobCtx, j)
	return nil
}

// RegisterCron adds or updates a job on a five-field cron schedule.
func (s *Scheduler) RegisterCron(ctx context.Context, id, schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if existing, ok := s.jobs[id]; ok {
		if existing.schedule == schedule {
			return nil
		}
		s.removeLocked(existing)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{id: id, schedule: schedule, cancel: cancel}
	j.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(jobCtx, id) }))
	s.jobs[id] = j
	return nil
}

// Unregister removes a job. A cycle already running is not interrupted.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		s.removeLocked(j)
	}
}

func (s *Scheduler) removeLocked(j *job) {
	j.cancel()
	if j.schedule != "" {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, j.id)
}

// Trigger runs job id now, subject to the same single-flight rules as a
// scheduled tick. It returns false when the run was skipped.
func (s *Scheduler) Trigger(ctx context.Context, id string) bool {
	return s.fire(ctx, id)
}

// Stop stops all jobs and waits for running cycles to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, j := range s.jobs {
		s.removeLocked(j)
	}
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the registered job ids, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Interval returns the interval of job id, or 0 for cron and unknown jobs.
func (s *Scheduler) Interval(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.interval
	}
	return 0
}

func (s *Scheduler) runTimer(ctx context.Context, j *job) {
	defer s.wg.Done()
	timer := time.NewTimer(addJitter(j.interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fire(ctx, j.id)
			timer.Reset(addJitter(j.interval))
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, id string) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.skip(id, SkipStopped)
		return false
	}
	if s.inflight[id] {
		s.mu.Unlock()
		s.skip(id, SkipInFlight)
		return false
	}
	s.inflight[id] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return false
	}

	if s.cfg.Locker != nil {
		unlock, ok, err := s.cfg.Locker.TryLock(ctx, id, s.cfg.LockTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to take cycle lock", slog.String(pwlog.TriggerKey, id), slog.Any("error", err))
			s.skip(id, SkipLockFailed)
			return false
		}
		if !ok {
			s.skip(id, SkipLockHeld)
			return false
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlock(unlockCtx); err != nil {
				s.logger.WarnContext(ctx, "failed to release cycle lock", slog.String(pwlog.TriggerKey, id), slog.Any("error", err))
			}
		}()
	}

	runCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := s.cfg.Handler(runCtx, id); err != nil {
		s.logger.DebugContext(ctx, "cycle returned error", slog.String(pwlog.TriggerKey, id), slog.Any("error", err))
	}
	return true
}

func (s *Scheduler) skip(id, reason string) {
	s.logger.Debug("tick skipped", slog.String(pwlog.TriggerKey, id), slog.String("reason", reason))
	if s.cfg.OnSkip != nil {
		s.cfg.OnSkip(id, reason)
	}
}

// addJitter adds ±10% jitter to d.
func addJitter(d time.Duration) time.Duration {
	jitter := (rand.Float64()*2 - 1) * float64(d) * 0.1
	return d + time.Duration(jitter)
}
