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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStream appends each item to a Redis stream with XADD.
type RedisStream struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	owned  bool
}

// NewRedisStream returns a RedisStream. When owned, Close closes rdb.
func NewRedisStream(rdb *redis.Client, stream string, maxLen int64, owned bool) *RedisStream {
	if stream == "" {
		stream = "pollwatch:items"
	}
	return &RedisStream{rdb: rdb, stream: stream, maxLen: maxLen, owned: owned}
}

// Name implements Dispatcher.
func (r *RedisStream) Name() string { return "redis" }

// Dispatch implements Dispatcher. Items are added in one pipeline, in
// order.
func (r *RedisStream) Dispatch(ctx context.Context, b Batch) error {
	if len(b.Items) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, rec := range b.Records() {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", rec.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.maxLen,
			Approx: r.maxLen > 0,
			Values: map[string]any{
				"trigger":  rec.Trigger,
				"instance": rec.Instance,
				"id":       rec.ID,
				"payload":  string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close implements Dispatcher.
func (r *RedisStream) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
