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

package log

import (
	"context"
	"log/slog"
	"time"
)

// CycleRecord describes one finished lifecycle call for logging.
type CycleRecord struct {
	Trigger  string
	CycleID  string
	Op       string
	Strategy string

	// Fetched is the snapshot size; NewItems the number emitted.
	Fetched  int
	NewItems int

	Duration time.Duration
	Err      error
}

// LogCycle logs a finished lifecycle call. Failures are logged at error
// level, successful cycles that emitted nothing at debug.
func LogCycle(ctx context.Context, logger *slog.Logger, rec CycleRecord) {
	attrs := []slog.Attr{
		slog.String(TriggerKey, rec.Trigger),
		slog.String(CycleIDKey, rec.CycleID),
		slog.String(OpKey, rec.Op),
		slog.String(StrategyKey, rec.Strategy),
		slog.Int("fetched", rec.Fetched),
		slog.Int("new_items", rec.NewItems),
		slog.Int64(DurationKey, rec.Duration.Milliseconds()),
	}

	level := slog.LevelInfo
	msg := "poll cycle completed"
	switch {
	case rec.Err != nil:
		level = slog.LevelError
		msg = "poll cycle failed"
		attrs = append(attrs, slog.String("error", rec.Err.Error()))
	case rec.NewItems == 0 && rec.Op == "run":
		level = slog.LevelDebug
	}

	logger.LogAttrs(ctx, level, msg, attrs...)
}
