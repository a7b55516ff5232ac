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

package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// BreakerConfig configures WithBreaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed fetches that opens
	// the breaker. Default: 5
	MaxFailures int

	// OpenFor is how long the breaker stays open before a trial fetch.
	// Default: 5m
	OpenFor time.Duration

	Logger *slog.Logger
}

// WithBreaker wraps src in a circuit breaker. While open, fetches fail
// immediately with a FetchError. Requests the remote side rejected as
// invalid (4xx other than 408 and 429) and caller cancellations do not
// count as failures.
func WithBreaker(src polling.Source, name string, cfg BreakerConfig) polling.Source {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 5 * time.Minute
	}
	logger := pwlog.OrDefault(cfg.Logger)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("source circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var fe *pwerrors.FetchError
			if errors.As(err, &fe) && fe.StatusCode >= 400 && fe.StatusCode < 500 &&
				fe.StatusCode != 408 && fe.StatusCode != 429 {
				return true
			}
			return false
		},
	}

	return &breaker{wrapped: wrapped{src}, name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

type breaker struct {
	wrapped
	name string
	cb   *gobreaker.CircuitBreaker
}

func (b *breaker) Fetch(ctx context.Context, auth polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.src.Fetch(ctx, auth, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &pwerrors.FetchError{Source: b.name, Message: "circuit breaker open", Cause: err}
	}
	if err != nil {
		return nil, err
	}
	items, _ := out.([]polling.Item)
	return items, nil
}
