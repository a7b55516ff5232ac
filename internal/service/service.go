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

// Package service hosts trigger registrations: it builds their engines,
// runs their lifecycle calls against the watermark store, delivers emitted
// items and, when serving, schedules enabled instances.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/pollwatch/internal/auth"
	"github.com/tombee/pollwatch/internal/config"
	"github.com/tombee/pollwatch/internal/dispatch"
	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/metrics"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/registry"
	"github.com/tombee/pollwatch/internal/scheduler"
	"github.com/tombee/pollwatch/internal/source"
	"github.com/tombee/pollwatch/internal/watermark"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Options configures a Service.
type Options struct {
	Registry *registry.Registry
	Store    watermark.Store

	// Deps are handed to source factories.
	Deps source.Deps

	// Secrets resolves secret: references in auth blocks. Optional.
	Secrets auth.SecretGetter

	// Dispatcher receives the items emitted by Run. Nil discards them.
	Dispatcher dispatch.Dispatcher

	// Collector records cycle, skip and dispatch metrics. Optional.
	Collector      *metrics.Collector
	TracerProvider trace.TracerProvider

	Scheduler config.SchedulerConfig

	// Locker guards scheduled cycles across hosts. Optional.
	Locker scheduler.Locker

	// Serve starts a metrics server on Metrics.Address when Metrics.Enabled
	// and MetricsHandler is set.
	Metrics        config.MetricsConfig
	MetricsHandler http.Handler

	// Patterns are the registration globs Reload re-reads and Serve
	// watches. Factories defaults to registry.DefaultFactories().
	Patterns  []string
	Factories map[string]source.Factory

	Logger *slog.Logger
}

// Service owns the registrations and the per-instance lifecycle.
type Service struct {
	opts    Options
	logger  *slog.Logger
	store   watermark.Store
	auth    *auth.Resolver
	limiter *source.RateLimiter

	mu         sync.Mutex
	registry   *registry.Registry
	engines    map[string]*polling.Engine
	lifecycles map[string]*lifecycle

	// Set while Serve runs.
	sched    *scheduler.Scheduler
	schedCtx context.Context
}

// Status describes one trigger instance.
type Status struct {
	ID        string               `json:"id"`
	Trigger   string               `json:"trigger"`
	Instance  string               `json:"instance,omitempty"`
	Source    string               `json:"source"`
	Strategy  string               `json:"strategy"`
	State     string               `json:"state"`
	Schedule  string               `json:"schedule"`
	Watermark *watermark.Watermark `json:"watermark,omitempty"`
	File      string               `json:"file,omitempty"`
}

// New returns a Service. Call Sync before relying on Status.State.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, &pwerrors.ValidationError{Field: "registry", Message: "registry is required"}
	}
	if opts.Store == nil {
		return nil, &pwerrors.ValidationError{Field: "store", Message: "watermark store is required"}
	}
	if opts.Factories == nil {
		opts.Factories = registry.DefaultFactories()
	}
	logger := pwlog.WithComponent(pwlog.OrDefault(opts.Logger), "service")

	return &Service{
		opts:       opts,
		logger:     logger,
		store:      opts.Store,
		auth:       auth.NewResolver(opts.Secrets, opts.Deps.HTTPConfig),
		limiter:    source.NewRateLimiter(),
		registry:   opts.Registry,
		engines:    make(map[string]*polling.Engine),
		lifecycles: make(map[string]*lifecycle),
	}, nil
}

// target is a resolved instance id.
type target struct {
	reg    *registry.Registration
	inst   registry.Instance
	engine *polling.Engine
	state  *watermark.Scoped
	life   *lifecycle
}

func instanceKey(inst registry.Instance) string {
	if inst.Name == "" {
		return watermark.Key(inst.Trigger)
	}
	return watermark.Key(inst.Trigger, inst.Name)
}

// resolve maps "trigger" or "trigger/instance" to its registration,
// engine and store handle.
func (s *Service) resolve(id string) (*target, error) {
	name, instName, _ := strings.Cut(id, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	inst, err := reg.Instance(instName)
	if err != nil {
		return nil, err
	}
	engine, err := s.engineLocked(reg)
	if err != nil {
		return nil, err
	}
	return &target{
		reg:    reg,
		inst:   inst,
		engine: engine,
		state:  watermark.Scope(s.store, instanceKey(inst)),
		life:   s.lifecycleLocked(inst.ID(), StateDisabled),
	}, nil
}

func (s *Service) engineLocked(reg *registry.Registration) (*polling.Engine, error) {
	if e, ok := s.engines[reg.Name]; ok {
		return e, nil
	}
	b := &registry.Builder{
		Registry:       s.registry,
		Deps:           s.opts.Deps,
		Limiter:        s.limiter,
		Logger:         s.opts.Logger,
		TracerProvider: s.opts.TracerProvider,
	}
	if s.opts.Collector != nil {
		b.Observer = s.opts.Collector
	}
	e, err := b.BuildRegistration(reg)
	if err != nil {
		return nil, err
	}
	s.engines[reg.Name] = e
	return e, nil
}

func (s *Service) lifecycleLocked(id, initial string) *lifecycle {
	if l, ok := s.lifecycles[id]; ok {
		return l
	}
	l := newLifecycle(id, initial, pwlog.WithTrigger(s.logger, id))
	s.lifecycles[id] = l
	return l
}

// bound applies the registration timeout, falling back to the scheduler's
// poll timeout.
func (s *Service) bound(ctx context.Context, reg *registry.Registration) (context.Context, context.CancelFunc) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = s.opts.Scheduler.PollTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Enable seeds the instance's watermark and, when serving, schedules it.
// Enabling an enabled instance reseeds it.
func (s *Service) Enable(ctx context.Context, id string) error {
	t, err := s.resolve(id)
	if err != nil {
		return err
	}
	t.life.mu.Lock()
	defer t.life.mu.Unlock()

	ctx, cancel := s.bound(ctx, t.reg)
	defer cancel()

	ac, err := s.auth.Resolve(ctx, t.reg.Name, t.reg.Auth)
	if err != nil {
		return err
	}
	if err := t.engine.OnEnable(ctx, ac, t.inst.Params, t.state); err != nil {
		return err
	}
	if err := t.life.fire(ctx, eventEnable); err != nil {
		return err
	}
	s.schedule(t.reg, t.inst)
	s.updateActive()
	return nil
}

// Disable removes the instance's watermark and unschedules it. Disabling
// an instance that was never enabled succeeds. An id that is no longer
// registered still has its orphaned watermark removed.
func (s *Service) Disable(ctx context.Context, id string) error {
	t, err := s.resolve(id)
	var nf *pwerrors.NotFoundError
	if errors.As(err, &nf) {
		return s.dropOrphan(ctx, id, err)
	}
	if err != nil {
		return err
	}
	t.life.mu.Lock()
	defer t.life.mu.Unlock()

	s.unschedule(t.inst.ID())

	ctx, cancel := s.bound(ctx, t.reg)
	defer cancel()
	if err := t.engine.OnDisable(ctx, t.state); err != nil {
		return err
	}
	if err := t.life.fire(ctx, eventDisable); err != nil {
		return err
	}
	s.updateActive()
	return nil
}

// Run executes one cycle and dispatches the new items. The cycle ID on ctx
// is kept, or a new one is attached. Delivery failures are logged and
// counted but do not fail the cycle: the watermark has already advanced.
func (s *Service) Run(ctx context.Context, id string) ([]polling.Item, error) {
	t, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	t.life.mu.Lock()
	defer t.life.mu.Unlock()
	return s.run(ctx, t)
}

func (s *Service) run(ctx context.Context, t *target) ([]polling.Item, error) {
	cycleID := pwlog.CycleIDFromContext(ctx)
	if cycleID == "" {
		cycleID = uuid.NewString()
		ctx = pwlog.ContextWithCycleID(ctx, cycleID)
	}

	runCtx, cancel := s.bound(ctx, t.reg)
	defer cancel()

	ac, err := s.auth.Resolve(runCtx, t.reg.Name, t.reg.Auth)
	if err != nil {
		return nil, err
	}
	items, err := t.engine.Run(runCtx, ac, t.inst.Params, t.state)
	if err != nil {
		return nil, err
	}
	// Run seeds a missing watermark, so the instance is enabled from here on.
	if err := t.life.fire(ctx, eventEnable); err != nil {
		return items, err
	}
	s.deliver(ctx, t, cycleID, items)
	return items, nil
}

func (s *Service) deliver(ctx context.Context, t *target, cycleID string, items []polling.Item) {
	d := s.opts.Dispatcher
	if d == nil || len(items) == 0 {
		return
	}
	batch := dispatch.Batch{
		Trigger:  t.reg.Name,
		Instance: t.inst.Name,
		Source:   t.reg.Kind(),
		CycleID:  cycleID,
		Items:    items,

		KeepSensitive: t.reg.KeepSensitive,
	}
	// Delivery gets its own deadline; the cycle's may be nearly spent.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if err := d.Dispatch(dctx, batch); err != nil {
		s.logger.ErrorContext(ctx, "dispatch failed",
			slog.String(pwlog.TriggerKey, t.inst.ID()),
			slog.String(pwlog.CycleIDKey, cycleID),
			slog.String("dispatcher", d.Name()),
			slog.Int("items", len(items)),
			slog.Any("error", err))
		if s.opts.Collector != nil {
			s.opts.Collector.RecordDispatchFailure(ctx, t.inst.ID(), d.Name(), len(items))
		}
	}
}

const dispatchTimeout = 30 * time.Second

// Test runs a dry cycle: it fetches and dedups against the strategy's
// baseline without touching the store. A positive limit caps the result.
func (s *Service) Test(ctx context.Context, id string, limit int) ([]polling.Item, error) {
	t, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx, t.reg)
	defer cancel()

	ac, err := s.auth.Resolve(ctx, t.reg.Name, t.reg.Auth)
	if err != nil {
		return nil, err
	}
	var opts []polling.TestOption
	if limit > 0 {
		opts = append(opts, polling.WithLimit(limit))
	}
	return t.engine.Test(ctx, ac, t.inst.Params, opts...)
}

// Show returns the stored watermark, or nil when the instance is not
// enabled.
func (s *Service) Show(ctx context.Context, id string) (*watermark.Watermark, error) {
	t, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	wm, err := t.state.Get(ctx)
	if err != nil {
		return nil, &pwerrors.StoreError{Op: pwerrors.StoreOpGet, Key: t.state.Key(), Cause: err}
	}
	return wm, nil
}

// List returns the status of every instance, sorted by id. Lifecycle
// states are realigned with the store on the way.
func (s *Service) List(ctx context.Context) ([]Status, error) {
	s.mu.Lock()
	regs := s.registry.List()
	s.mu.Unlock()

	var out []Status
	for _, reg := range regs {
		for _, inst := range reg.InstanceList() {
			key := instanceKey(inst)
			wm, err := s.store.Get(ctx, key)
			if err != nil {
				return nil, &pwerrors.StoreError{Op: pwerrors.StoreOpGet, Key: key, Cause: err}
			}
			state := StateDisabled
			if wm != nil {
				state = StateEnabled
			}
			s.mu.Lock()
			s.lifecycleLocked(inst.ID(), state).set(state)
			s.mu.Unlock()

			out = append(out, Status{
				ID:        inst.ID(),
				Trigger:   reg.Name,
				Instance:  inst.Name,
				Source:    reg.Kind(),
				Strategy:  reg.Strategy,
				State:     state,
				Schedule:  s.describeSchedule(reg),
				Watermark: wm,
				File:      reg.File,
			})
		}
	}
	orphans, err := s.orphans(ctx, out)
	if err != nil {
		return nil, err
	}
	out = append(out, orphans...)
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// orphans reports watermarks left behind by triggers that are no longer
// registered. Stores that cannot enumerate keys report none.
func (s *Service) orphans(ctx context.Context, known []Status) ([]Status, error) {
	lister, ok := s.store.(watermark.Lister)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, watermark.KeyPrefix)
	if err != nil {
		return nil, &pwerrors.StoreError{Op: pwerrors.StoreOpGet, Key: watermark.KeyPrefix, Cause: err}
	}
	seen := make(map[string]bool, len(known))
	for _, st := range known {
		seen[watermark.Key(st.Trigger, nonEmpty(st.Instance)...)] = true
	}

	var out []Status
	for _, key := range keys {
		trigger, instance, ok := watermark.ParseKey(key)
		if !ok || seen[key] {
			continue
		}
		wm, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, &pwerrors.StoreError{Op: pwerrors.StoreOpGet, Key: key, Cause: err}
		}
		if wm == nil {
			continue
		}
		id := trigger
		if instance != "" {
			id += "/" + instance
		}
		out = append(out, Status{
			ID:        id,
			Trigger:   trigger,
			Instance:  instance,
			Strategy:  string(wm.Kind),
			State:     StateOrphaned,
			Watermark: wm,
		})
	}
	return out, nil
}

// dropOrphan deletes the watermark stored for an unregistered id, or
// returns notFound when there is none.
func (s *Service) dropOrphan(ctx context.Context, id string, notFound error) error {
	trigger, instance, _ := strings.Cut(id, "/")
	key := watermark.Key(trigger, nonEmpty(instance)...)
	wm, err := s.store.Get(ctx, key)
	if err != nil {
		return &pwerrors.StoreError{Op: pwerrors.StoreOpGet, Key: key, Cause: err}
	}
	if wm == nil {
		return notFound
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return &pwerrors.StoreError{Op: pwerrors.StoreOpDelete, Key: key, Cause: err}
	}
	s.logger.Info("orphaned watermark removed", slog.String(pwlog.TriggerKey, id))
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Sync realigns every lifecycle with the store and returns the ids of the
// enabled instances.
func (s *Service) Sync(ctx context.Context) ([]string, error) {
	statuses, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []string
	for _, st := range statuses {
		if st.State == StateEnabled {
			enabled = append(enabled, st.ID)
		}
	}
	s.updateActive()
	return enabled, nil
}

// Enabled reports the lifecycle state of id as last seen by this service.
func (s *Service) Enabled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lifecycles[id]
	return ok && l.current() == StateEnabled
}

func (s *Service) interval(reg *registry.Registration) time.Duration {
	if reg.Interval > 0 {
		return reg.Interval
	}
	return s.opts.Scheduler.DefaultInterval
}

func (s *Service) describeSchedule(reg *registry.Registration) string {
	if reg.Schedule != "" {
		return reg.Schedule
	}
	if iv := s.interval(reg); iv > 0 {
		return "every " + iv.String()
	}
	return "manual"
}

func (s *Service) updateActive() {
	if s.opts.Collector == nil {
		return
	}
	s.mu.Lock()
	n := 0
	for _, l := range s.lifecycles {
		if l.current() == StateEnabled {
			n++
		}
	}
	s.mu.Unlock()
	s.opts.Collector.SetActiveTriggers(n)
}

// Close closes the dispatcher and the store.
func (s *Service) Close() error {
	var errs []error
	if s.opts.Dispatcher != nil {
		errs = append(errs, s.opts.Dispatcher.Close())
	}
	errs = append(errs, s.store.Close())
	return pwerrors.Join(errs...)
}
