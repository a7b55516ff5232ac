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

package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/watermark"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Op names a lifecycle call.
type Op string

const (
	OpEnable  Op = "enable"
	OpDisable Op = "disable"
	OpRun     Op = "run"
	OpTest    Op = "test"
)

// State is the store handle of one trigger instance. *watermark.Scoped
// implements it.
type State interface {
	Key() string
	Get(ctx context.Context) (*watermark.Watermark, error)
	Put(ctx context.Context, wm *watermark.Watermark) error
	Delete(ctx context.Context) error
}

// CycleReport describes a finished lifecycle call.
type CycleReport struct {
	Trigger  string
	Source   string
	Strategy watermark.Kind
	Op       Op
	CycleID  string
	Fetched  int
	NewItems int
	Duration time.Duration
	Err      error
}

// Observer receives a report after every lifecycle call.
type Observer interface {
	ObserveCycle(ctx context.Context, report CycleReport)
}

// Config configures an Engine.
type Config struct {
	// Name identifies the trigger in logs, spans and metrics.
	Name string

	Source   Source
	Strategy Strategy

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider

	// Observer is optional.
	Observer Observer
}

// Engine runs poll cycles for one trigger definition. It holds no
// per-instance state; the watermark lives behind the State passed to each
// call, so one Engine can serve many instances.
type Engine struct {
	name       string
	sourceName string
	source     Source
	strategy   Strategy
	logger     *slog.Logger
	tracer     trace.Tracer
	observer   Observer
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, &pwerrors.ValidationError{Field: "name", Message: "trigger name is required"}
	}
	if cfg.Source == nil {
		return nil, &pwerrors.ValidationError{Field: "source", Message: "source is required"}
	}
	if cfg.Strategy == nil {
		return nil, &pwerrors.ValidationError{Field: "strategy", Message: "strategy is required"}
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	sourceName := cfg.Name
	if n, ok := cfg.Source.(Named); ok {
		sourceName = n.Name()
	}

	return &Engine{
		name:       cfg.Name,
		sourceName: sourceName,
		source:     cfg.Source,
		strategy:   cfg.Strategy,
		logger:     pwlog.WithTrigger(pwlog.OrDefault(cfg.Logger), cfg.Name),
		tracer:     tp.Tracer("github.com/tombee/pollwatch/internal/polling"),
		observer:   cfg.Observer,
	}, nil
}

// Name returns the trigger name.
func (e *Engine) Name() string { return e.name }

// Strategy returns the engine's dedup strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// OnEnable runs the seed cycle: fetch, compute the seed watermark, persist
// it. Items present at enable time are never returned. Any existing
// watermark is overwritten. On fetch failure nothing is written.
func (e *Engine) OnEnable(ctx context.Context, auth AuthContext, params Params, state State) error {
	return e.cycle(ctx, OpEnable, func(ctx context.Context, rep *CycleReport) error {
		items, err := e.fetch(ctx, auth, params)
		if err != nil {
			return err
		}
		rep.Fetched = len(items)

		res, err := e.strategy.SelectNew(items, nil)
		if err != nil {
			return err
		}
		if err := state.Put(ctx, res.Next); err != nil {
			return storeError(pwerrors.StoreOpPut, state.Key(), err)
		}
		e.logger.DebugContext(ctx, "seeded watermark",
			slog.String(pwlog.KeyKey, state.Key()),
			slog.String("watermark", res.Next.String()))
		return nil
	})
}

// OnDisable deletes the trigger instance's watermark. Disabling an
// instance that was never enabled succeeds.
func (e *Engine) OnDisable(ctx context.Context, state State) error {
	return e.cycle(ctx, OpDisable, func(ctx context.Context, rep *CycleReport) error {
		if err := state.Delete(ctx); err != nil {
			return storeError(pwerrors.StoreOpDelete, state.Key(), err)
		}
		return nil
	})
}

// Run executes one poll cycle and returns the new items, oldest first.
//
// A missing watermark is treated as never polled: the cycle seeds and
// returns nothing. A failed read, fetch or dedup returns an error without
// writing. A failed write returns a StoreError and no items; the next
// cycle sees the old watermark and reports the same items again.
func (e *Engine) Run(ctx context.Context, auth AuthContext, params Params, state State) ([]Item, error) {
	var out []Item
	err := e.cycle(ctx, OpRun, func(ctx context.Context, rep *CycleReport) error {
		stored, err := state.Get(ctx)
		if err != nil {
			return storeError(pwerrors.StoreOpGet, state.Key(), err)
		}
		if stored == nil {
			e.logger.InfoContext(ctx, "no watermark found, seeding",
				slog.String(pwlog.KeyKey, state.Key()))
		}

		items, err := e.fetch(ctx, auth, params)
		if err != nil {
			return err
		}
		rep.Fetched = len(items)

		res, err := e.strategy.SelectNew(items, stored)
		if err != nil {
			return err
		}

		if err := state.Put(ctx, res.Next); err != nil {
			e.logger.ErrorContext(ctx, "watermark not advanced; these items will be reported again",
				slog.String(pwlog.KeyKey, state.Key()),
				slog.Int("new_items", len(res.NewItems)),
				slog.String("error", err.Error()))
			return storeError(pwerrors.StoreOpPut, state.Key(), err)
		}

		rep.NewItems = len(res.NewItems)
		out = res.NewItems
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TestOption configures Test.
type TestOption func(*testOptions)

type testOptions struct {
	limit int
}

// WithLimit keeps only the newest n items of a test result. n <= 0 means
// no limit.
func WithLimit(n int) TestOption {
	return func(o *testOptions) { o.limit = n }
}

// Test fetches and dedups against the strategy's baseline, so every item
// in the current snapshot is reported. It never touches the store, and two
// calls against an unchanged source return the same items.
func (e *Engine) Test(ctx context.Context, auth AuthContext, params Params, opts ...TestOption) ([]Item, error) {
	var o testOptions
	for _, opt := range opts {
		opt(&o)
	}

	var out []Item
	err := e.cycle(ctx, OpTest, func(ctx context.Context, rep *CycleReport) error {
		items, err := e.fetch(ctx, auth, params)
		if err != nil {
			return err
		}
		rep.Fetched = len(items)

		res, err := e.strategy.SelectNew(items, e.strategy.Baseline())
		if err != nil {
			return err
		}
		out = res.NewItems
		if o.limit > 0 && len(out) > o.limit {
			out = out[len(out)-o.limit:]
		}
		rep.NewItems = len(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cycle wraps a lifecycle call with a cycle id, a span, logging and the
// observer callback. A cycle id already on ctx is kept.
func (e *Engine) cycle(ctx context.Context, op Op, fn func(context.Context, *CycleReport) error) error {
	cycleID := pwlog.CycleIDFromContext(ctx)
	if cycleID == "" {
		cycleID = uuid.NewString()
		ctx = pwlog.ContextWithCycleID(ctx, cycleID)
	}

	ctx, span := e.tracer.Start(ctx, "poll."+string(op),
		trace.WithAttributes(
			attribute.String("pollwatch.trigger", e.name),
			attribute.String("pollwatch.cycle_id", cycleID),
			attribute.String("pollwatch.strategy", string(e.strategy.Kind())),
			attribute.String("pollwatch.source", e.sourceName),
		))
	defer span.End()

	rep := CycleReport{
		Trigger:  e.name,
		Source:   e.sourceName,
		Strategy: e.strategy.Kind(),
		Op:       op,
		CycleID:  cycleID,
	}
	start := time.Now()
	err := fn(ctx, &rep)
	rep.Duration = time.Since(start)
	rep.Err = err

	span.SetAttributes(
		attribute.Int("pollwatch.fetched", rep.Fetched),
		attribute.Int("pollwatch.new_items", rep.NewItems),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, pwerrors.Classify(err))
	}

	pwlog.LogCycle(ctx, e.logger, pwlog.CycleRecord{
		Trigger:  e.name,
		CycleID:  cycleID,
		Op:       string(op),
		Strategy: string(e.strategy.Kind()),
		Fetched:  rep.Fetched,
		NewItems: rep.NewItems,
		Duration: rep.Duration,
		Err:      err,
	})
	if e.observer != nil {
		e.observer.ObserveCycle(ctx, rep)
	}
	return err
}

// fetch calls the source and makes sure failures surface as FetchError
// (or TimeoutError when the caller's deadline expired).
func (e *Engine) fetch(ctx context.Context, auth AuthContext, params Params) ([]Item, error) {
	start := time.Now()
	items, err := e.source.Fetch(ctx, auth, params)
	if err == nil {
		return items, nil
	}

	var fetchErr *pwerrors.FetchError
	var timeoutErr *pwerrors.TimeoutError
	switch {
	case errors.As(err, &fetchErr), errors.As(err, &timeoutErr):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &pwerrors.TimeoutError{Operation: "fetch from " + e.sourceName, Duration: time.Since(start), Cause: err}
	}
	return nil, &pwerrors.FetchError{Source: e.sourceName, Cause: err}
}

func storeError(op pwerrors.StoreOp, key string, err error) error {
	var se *pwerrors.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &pwerrors.StoreError{Op: op, Key: key, Cause: err}
}

// String implements fmt.Stringer.
func (r CycleReport) String() string {
	status := "ok"
	if r.Err != nil {
		status = "error: " + r.Err.Error()
	}
	return fmt.Sprintf("%s %s: fetched=%d new=%d (%s)", r.Trigger, r.Op, r.Fetched, r.NewItems, status)
}
