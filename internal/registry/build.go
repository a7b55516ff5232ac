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

package registry

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Builder turns registrations into engines.
type Builder struct {
	Registry *Registry
	Deps     source.Deps

	// Limiter is shared by all engines so integrations keep one budget.
	// Nil disables rate limiting.
	Limiter *source.RateLimiter

	// Breaker configures the per-trigger circuit breaker. Disabled when
	// DisableBreaker is set.
	Breaker        source.BreakerConfig
	DisableBreaker bool

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Observer       polling.Observer
}

// Build returns an engine for the named trigger.
func (b *Builder) Build(name string) (*polling.Engine, *Registration, error) {
	reg, err := b.Registry.Get(name)
	if err != nil {
		return nil, nil, err
	}
	engine, err := b.BuildRegistration(reg)
	return engine, reg, err
}

// BuildRegistration returns an engine for reg, which must have been
// validated.
func (b *Builder) BuildRegistration(reg *Registration) (*polling.Engine, error) {
	factory, ok := b.Registry.Factory(reg.Kind())
	if !ok {
		return nil, &pwerrors.NotFoundError{Resource: "source kind", ID: reg.Kind()}
	}

	deps := b.Deps
	deps.Logger = pwlog.WithTrigger(pwlog.OrDefault(b.Logger), reg.Name)
	src, err := factory(source.DecodeNode(&reg.Source), deps)
	if err != nil {
		return nil, pwerrors.Wrapf(err, "trigger %s", reg.Name)
	}

	if !b.DisableBreaker {
		cfg := b.Breaker
		cfg.Logger = deps.Logger
		src = source.WithBreaker(src, reg.Name, cfg)
	}
	if b.Limiter != nil {
		if reg.RateLimit.RequestsPerMinute > 0 {
			b.Limiter.SetRequestBudget(reg.Kind(), reg.RateLimit.RequestsPerMinute, reg.RateLimit.Burst)
		}
		src = source.WithRateLimit(src, b.Limiter, reg.Kind())
	}

	strategy, err := reg.ParseStrategy()
	if err != nil {
		return nil, err
	}

	return polling.New(polling.Config{
		Name:           reg.Name,
		Source:         src,
		Strategy:       strategy,
		Logger:         b.Logger,
		TracerProvider: b.TracerProvider,
		Observer:       b.Observer,
	})
}
