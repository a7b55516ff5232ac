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

package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/metrics"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/registry"
	"github.com/tombee/pollwatch/internal/scheduler"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 500 * time.Millisecond

// shutdownTimeout bounds the wait for in-flight cycles in Serve.
const shutdownTimeout = 30 * time.Second

// Serve schedules every enabled instance, serves metrics and watches the
// registration files until ctx is cancelled. In-flight cycles are allowed
// to finish within a timeout.
func (s *Service) Serve(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Config{
		Handler:       s.handle,
		MinInterval:   s.opts.Scheduler.MinInterval,
		Timeout:       s.opts.Scheduler.PollTimeout,
		MaxConcurrent: s.opts.Scheduler.MaxConcurrent,
		Locker:        s.opts.Locker,
		LockTTL:       s.opts.Scheduler.LockTTL,
		OnSkip: func(id, reason string) {
			if s.opts.Collector != nil {
				s.opts.Collector.RecordSkip(context.Background(), id, reason)
			}
		},
		Logger: s.opts.Logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sched != nil {
		s.mu.Unlock()
		return fmt.Errorf("service is already serving")
	}
	s.sched, s.schedCtx = sched, ctx
	s.mu.Unlock()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			s.logger.Warn("shutdown timed out, some cycles may not have completed", slog.Any("error", err))
		}
		s.mu.Lock()
		s.sched, s.schedCtx = nil, nil
		s.mu.Unlock()
	}()

	enabled, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	for _, id := range enabled {
		s.scheduleID(id)
	}
	s.logger.InfoContext(ctx, "serving triggers",
		slog.Int("enabled", len(enabled)),
		slog.Any("jobs", sched.Jobs()))

	if s.opts.Metrics.Enabled && s.opts.MetricsHandler != nil {
		srv := metrics.NewServer(s.opts.Metrics.Address, s.opts.Metrics.Path, s.opts.MetricsHandler, s.opts.Logger)
		addr, err := srv.Start()
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "metrics server listening", slog.String("address", addr.String()))
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if len(s.opts.Patterns) > 0 {
		stop, err := s.watch(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "not watching registration files", slog.Any("error", err))
		} else {
			defer stop()
		}
	}

	<-ctx.Done()
	s.logger.Info("stopping trigger service")
	return nil
}

// handle is the scheduler callback. A tick for an instance that was
// disabled or removed since it was scheduled does nothing.
func (s *Service) handle(ctx context.Context, id string) error {
	t, err := s.resolve(id)
	if err != nil {
		s.unschedule(id)
		return nil
	}
	t.life.mu.Lock()
	defer t.life.mu.Unlock()
	if t.life.current() != StateEnabled {
		return nil
	}
	_, err = s.run(ctx, t)
	return err
}

func (s *Service) scheduleID(id string) {
	t, err := s.resolve(id)
	if err != nil {
		s.logger.Warn("cannot schedule trigger", slog.String(pwlog.TriggerKey, id), slog.Any("error", err))
		return
	}
	s.schedule(t.reg, t.inst)
}

// schedule registers inst with the running scheduler. It does nothing when
// the service is not serving.
func (s *Service) schedule(reg *registry.Registration, inst registry.Instance) {
	s.mu.Lock()
	sched, ctx := s.sched, s.schedCtx
	s.mu.Unlock()
	if sched == nil {
		return
	}

	id := inst.ID()
	var err error
	switch {
	case reg.Schedule != "":
		err = sched.RegisterCron(ctx, id, reg.Schedule)
	case s.interval(reg) > 0:
		err = sched.Register(ctx, id, s.interval(reg))
	default:
		s.logger.Warn("trigger has no interval or schedule; run it manually", slog.String(pwlog.TriggerKey, id))
		return
	}
	if err != nil {
		s.logger.Error("failed to schedule trigger", slog.String(pwlog.TriggerKey, id), slog.Any("error", err))
	}
}

func (s *Service) unschedule(id string) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.Unregister(id)
	}
}

// Reload re-reads the registration files. On error the current
// registrations stay in place. Watermarks of removed registrations are
// kept, so re-adding a trigger resumes where it left off.
func (s *Service) Reload(ctx context.Context) error {
	if len(s.opts.Patterns) == 0 {
		return &pwerrors.ConfigError{Key: "triggers", Reason: "no registration patterns configured"}
	}
	next, err := registry.Load(s.opts.Factories, s.opts.Patterns...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, reg := range s.registry.List() {
		s.auth.Forget(reg.Name)
	}
	s.registry = next
	s.engines = make(map[string]*polling.Engine)
	live := make(map[string]bool)
	for _, reg := range next.List() {
		for _, inst := range reg.InstanceList() {
			live[inst.ID()] = true
		}
	}
	for id := range s.lifecycles {
		if !live[id] {
			delete(s.lifecycles, id)
		}
	}
	sched := s.sched
	s.mu.Unlock()

	enabled, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	if sched != nil {
		for _, id := range sched.Jobs() {
			if !slices.Contains(enabled, id) {
				sched.Unregister(id)
			}
		}
		for _, id := range enabled {
			s.scheduleID(id)
		}
	}
	s.logger.InfoContext(ctx, "registrations reloaded",
		slog.Int("registrations", next.Len()),
		slog.Int("enabled", len(enabled)))
	return nil
}

// watch reloads registrations when a file matching one of the patterns
// changes. The returned func stops watching.
func (s *Service) watch(ctx context.Context) (func(), error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	for _, dir := range watchDirs(s.opts.Patterns) {
		if err := fsw.Add(dir); err != nil {
			s.logger.Debug("cannot watch directory", slog.String("path", dir), slog.Any("error", err))
		}
	}
	if len(fsw.WatchList()) == 0 {
		fsw.Close()
		return nil, fmt.Errorf("no registration directories to watch")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod || !matchesAny(s.opts.Patterns, ev.Name) {
					continue
				}
				s.logger.Debug("registration file changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := s.Reload(watchCtx); err != nil {
						s.logger.Error("reload failed; keeping previous registrations", slog.Any("error", err))
					}
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Error("file watcher error", slog.Any("error", err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
		fsw.Close()
	}, nil
}

// watchDirs returns the directories to watch for patterns: each pattern's
// static base, plus its subdirectories when the pattern recurses.
func watchDirs(patterns []string) []string {
	var dirs []string
	for _, p := range patterns {
		base, rest := doublestar.SplitPattern(filepath.ToSlash(p))
		base = filepath.FromSlash(base)
		if !strings.Contains(rest, "**") {
			dirs = append(dirs, base)
			continue
		}
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs = append(dirs, path)
			}
			return nil
		})
	}
	slices.Sort(dirs)
	return slices.Compact(dirs)
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
	}
	return false
}
