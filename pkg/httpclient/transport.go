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

package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	pwlog "github.com/tombee/pollwatch/internal/log"
)

// CorrelationHeader carries the poll cycle ID on outbound requests.
const CorrelationHeader = "X-Correlation-ID"

// loggingTransport sets User-Agent and the correlation header and logs
// each request with a redacted URL. Headers are never logged.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	if req.Header.Get("User-Agent") == "" || req.Header.Get(CorrelationHeader) == "" {
		req = req.Clone(ctx)
		if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
			req.Header.Set("User-Agent", t.userAgent)
		}
		if id := pwlog.CycleIDFromContext(ctx); id != "" && req.Header.Get(CorrelationHeader) == "" {
			req.Header.Set(CorrelationHeader, id)
		}
	}

	resp, err := t.base.RoundTrip(req)
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("url", RedactURL(req.URL)),
		slog.Int64(pwlog.DurationKey, time.Since(start).Milliseconds()),
	}
	if id := pwlog.CycleIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String(pwlog.CycleIDKey, id))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		t.logger.LogAttrs(ctx, slog.LevelWarn, "http request failed", attrs...)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	attrs = append(attrs, slog.Int("status", resp.StatusCode))
	t.logger.LogAttrs(ctx, level, "http request", attrs...)
	return resp, nil
}
