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

// Package dispatch delivers the items emitted by run cycles. Delivery
// happens after the watermark has advanced; a failed delivery is logged and
// counted, never retried by the engine.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/pollwatch/internal/config"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/redisconn"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Batch is the ordered output of one run cycle.
type Batch struct {
	Trigger  string         `json:"trigger"`
	Instance string         `json:"instance,omitempty"`
	Source   string         `json:"source"`
	CycleID  string         `json:"cycle_id"`
	Items    []polling.Item `json:"items"`

	// KeepSensitive skips field stripping for this batch.
	KeepSensitive bool `json:"-"`
}

// Record is the wire form of one delivered item.
type Record struct {
	Trigger   string         `json:"trigger"`
	Instance  string         `json:"instance,omitempty"`
	CycleID   string         `json:"cycle_id"`
	ID        string         `json:"id"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Records flattens b in item order.
func (b Batch) Records() []Record {
	out := make([]Record, len(b.Items))
	for i, it := range b.Items {
		r := Record{Trigger: b.Trigger, Instance: b.Instance, CycleID: b.CycleID, ID: it.ID, Data: it.Data}
		if !it.Timestamp.IsZero() {
			ts := it.Timestamp
			r.Timestamp = &ts
		}
		out[i] = r
	}
	return out
}

// Dispatcher delivers batches. Implementations deliver items in order.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, b Batch) error
	Close() error
}

// Options are the shared resources New may need.
type Options struct {
	// Stdout receives stdout records. Default: os.Stdout
	Stdout io.Writer

	HTTPConfig httpclient.Config
	Logger     *slog.Logger
}

// New builds the dispatcher described by cfg. Unless cfg.KeepSensitive is
// set, credential-like fields are stripped from item data first.
func New(ctx context.Context, cfg config.DispatchConfig, opts Options) (Dispatcher, error) {
	var d Dispatcher
	switch cfg.Kind {
	case "", config.DispatchStdout:
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		d = NewStdout(out)
	case config.DispatchWebhook:
		w, err := NewWebhook(WebhookConfig{URL: cfg.URL, Headers: cfg.Headers, HTTP: opts.HTTPConfig})
		if err != nil {
			return nil, err
		}
		d = w
	case config.DispatchRedis:
		rdb, err := redisconn.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		d = NewRedisStream(rdb, cfg.Stream, cfg.MaxLen, true)
	default:
		return nil, &pwerrors.ConfigError{Key: "dispatch.kind", Reason: "unknown dispatcher " + cfg.Kind}
	}
	if cfg.KeepSensitive {
		return d, nil
	}
	return Sanitized(d), nil
}

// Sanitized strips sensitive fields from item data before delivery.
func Sanitized(d Dispatcher) Dispatcher { return sanitized{d} }

type sanitized struct{ Dispatcher }

func (s sanitized) Dispatch(ctx context.Context, b Batch) error {
	if b.KeepSensitive {
		return s.Dispatcher.Dispatch(ctx, b)
	}
	b.Items = source.StripItems(b.Items, b.Source)
	return s.Dispatcher.Dispatch(ctx, b)
}
