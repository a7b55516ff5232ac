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
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Backoff after a 429: 30s, 60s, 120s, ... capped at maxBackoff, or the
// server's Retry-After when that is longer.
const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 10 * time.Minute
)

// RateLimiter keeps one token bucket and one backoff window per
// integration, shared by every trigger that polls it.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*integrationLimit
	now    func() time.Time
}

type integrationLimit struct {
	bucket       *rate.Limiter
	backoffUntil time.Time
	backoffCount int
}

// NewRateLimiter returns a RateLimiter with no budgets configured.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*integrationLimit),
		now:    time.Now,
	}
}

// SetRequestBudget limits integration to requestsPerMinute fetches with
// the given burst. A budget of 0 removes the limit.
func (r *RateLimiter) SetRequestBudget(integration string, requestsPerMinute, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.limit(integration)
	if requestsPerMinute <= 0 {
		l.bucket = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	l.bucket = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), burst)
}

// Wait blocks until integration may be called. It fails immediately while
// the integration is backing off from a 429, so a poll cycle is skipped
// rather than stalled.
func (r *RateLimiter) Wait(ctx context.Context, integration string) error {
	r.mu.Lock()
	l := r.limit(integration)
	until := l.backoffUntil
	bucket := l.bucket
	now := r.now()
	r.mu.Unlock()

	if now.Before(until) {
		return &pwerrors.FetchError{
			Source:     integration,
			StatusCode: 429,
			Message:    fmt.Sprintf("backing off until %s", until.Format(time.RFC3339)),
			RetryAfter: until.Sub(now),
		}
	}
	if bucket == nil {
		return nil
	}
	return bucket.Wait(ctx)
}

// RecordSuccess clears any backoff.
func (r *RateLimiter) RecordSuccess(integration string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.limit(integration)
	l.backoffCount = 0
	l.backoffUntil = time.Time{}
}

// RecordRateLimit starts or extends the backoff window and returns its
// length.
func (r *RateLimiter) RecordRateLimit(integration string, retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.limit(integration)
	l.backoffCount++

	d := maxBackoff
	if l.backoffCount <= 5 {
		d = min(baseBackoff<<(l.backoffCount-1), maxBackoff)
	}
	if retryAfter > d {
		d = retryAfter
	}
	l.backoffUntil = r.now().Add(d)
	return d
}

// BackoffStatus returns when the backoff window ends and whether it is
// active.
func (r *RateLimiter) BackoffStatus(integration string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limits[integration]
	if !ok || !r.now().Before(l.backoffUntil) {
		return time.Time{}, false
	}
	return l.backoffUntil, true
}

func (r *RateLimiter) limit(integration string) *integrationLimit {
	l, ok := r.limits[integration]
	if !ok {
		l = &integrationLimit{}
		r.limits[integration] = l
	}
	return l
}

// WithRateLimit wraps src so that every fetch goes through limiter under
// the integration's name.
func WithRateLimit(src polling.Source, limiter *RateLimiter, integration string) polling.Source {
	return &rateLimited{wrapped: wrapped{src}, limiter: limiter, integration: integration}
}

type rateLimited struct {
	wrapped
	limiter     *RateLimiter
	integration string
}

func (s *rateLimited) Fetch(ctx context.Context, auth polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	if err := s.limiter.Wait(ctx, s.integration); err != nil {
		var fe *pwerrors.FetchError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &pwerrors.FetchError{Source: s.integration, Message: "rate limiter", Cause: err}
	}

	items, err := s.src.Fetch(ctx, auth, params)
	var fe *pwerrors.FetchError
	switch {
	case err == nil:
		s.limiter.RecordSuccess(s.integration)
	case errors.As(err, &fe) && fe.IsRateLimited():
		s.limiter.RecordRateLimit(s.integration, fe.RetryAfter)
	}
	return items, err
}

// wrapped forwards Name to the inner source.
type wrapped struct {
	src polling.Source
}

func (w wrapped) Name() string {
	if n, ok := w.src.(polling.Named); ok {
		return n.Name()
	}
	return "source"
}
