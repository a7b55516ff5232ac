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

package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Collector records poll cycle metrics. It implements polling.Observer.
type Collector struct {
	cyclesTotal      metric.Int64Counter
	itemsTotal       metric.Int64Counter
	errorsTotal      metric.Int64Counter
	storeFailures    metric.Int64Counter
	skippedTotal     metric.Int64Counter
	dispatchFailures metric.Int64Counter
	cycleLatency     metric.Float64Histogram

	activeTriggers atomic.Int64
}

var _ polling.Observer = (*Collector)(nil)

// NewCollector registers pollwatch instruments on mp.
func NewCollector(mp metric.MeterProvider) (*Collector, error) {
	meter := mp.Meter("github.com/tombee/pollwatch")
	c := &Collector{}

	var err error
	if c.cyclesTotal, err = meter.Int64Counter("pollwatch_cycles",
		metric.WithDescription("Lifecycle calls by trigger, op and status"),
		metric.WithUnit("{cycle}")); err != nil {
		return nil, err
	}
	if c.itemsTotal, err = meter.Int64Counter("pollwatch_new_items",
		metric.WithDescription("New items emitted by run cycles"),
		metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if c.errorsTotal, err = meter.Int64Counter("pollwatch_errors",
		metric.WithDescription("Failed lifecycle calls by error type"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if c.storeFailures, err = meter.Int64Counter("pollwatch_store_failures",
		metric.WithDescription("Watermark store failures by operation"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if c.skippedTotal, err = meter.Int64Counter("pollwatch_ticks_skipped",
		metric.WithDescription("Scheduler ticks skipped by reason"),
		metric.WithUnit("{tick}")); err != nil {
		return nil, err
	}
	if c.dispatchFailures, err = meter.Int64Counter("pollwatch_dispatch_failures",
		metric.WithDescription("Items that could not be delivered"),
		metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if c.cycleLatency, err = meter.Float64Histogram("pollwatch_cycle_duration",
		metric.WithDescription("Lifecycle call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("pollwatch_active_triggers",
		metric.WithDescription("Enabled trigger instances"),
		metric.WithUnit("{trigger}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.activeTriggers.Load())
			return nil
		})); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveCycle implements polling.Observer.
func (c *Collector) ObserveCycle(ctx context.Context, r polling.CycleReport) {
	status := "success"
	if r.Err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", r.Trigger),
		attribute.String("op", string(r.Op)),
		attribute.String("status", status),
	)
	c.cyclesTotal.Add(ctx, 1, attrs)
	c.cycleLatency.Record(ctx, r.Duration.Seconds(), attrs)

	if r.NewItems > 0 {
		c.itemsTotal.Add(ctx, int64(r.NewItems), metric.WithAttributes(
			attribute.String("trigger", r.Trigger),
			attribute.String("source", r.Source),
		))
	}

	if r.Err == nil {
		return
	}
	c.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", r.Trigger),
		attribute.String("error_type", pwerrors.Classify(r.Err)),
	))
	var serr *pwerrors.StoreError
	if pwerrors.As(r.Err, &serr) {
		c.storeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(serr.Op))))
	}
}

// RecordSkip counts a skipped scheduler tick.
func (c *Collector) RecordSkip(ctx context.Context, trigger, reason string) {
	c.skippedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("reason", reason),
	))
}

// RecordDispatchFailure counts items a dispatcher failed to deliver.
func (c *Collector) RecordDispatchFailure(ctx context.Context, trigger, dispatcher string, n int) {
	c.dispatchFailures.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("dispatcher", dispatcher),
	))
}

// SetActiveTriggers sets the enabled instance count.
func (c *Collector) SetActiveTriggers(n int) {
	c.activeTriggers.Store(int64(n))
}
