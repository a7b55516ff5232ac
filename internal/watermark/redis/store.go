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

// Package redis keeps watermarks in Redis hashes, one hash per key.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tombee/pollwatch/internal/watermark"
)

var (
	_ watermark.Store  = (*Store)(nil)
	_ watermark.Lister = (*Store)(nil)
)

// DefaultPrefix namespaces pollwatch keys in a shared Redis.
const DefaultPrefix = "pollwatch:wm:"

// Store is a Redis-backed watermark store.
type Store struct {
	rdb    *redis.Client
	prefix string
	owned  bool
}

// New wraps an existing client. Close does not close a client passed here.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// NewOwned is like New but Close also closes rdb.
func NewOwned(rdb *redis.Client, prefix string) *Store {
	s := New(rdb, prefix)
	s.owned = true
	return s
}

// Get implements watermark.Store.
func (s *Store) Get(ctx context.Context, key string) (*watermark.Watermark, error) {
	fields, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	wm, err := watermark.Decode([]byte(fields["payload"]))
	if err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		wm.UpdatedAt = ts
	}
	return wm, nil
}

// Put implements watermark.Store.
func (s *Store) Put(ctx context.Context, key string, wm *watermark.Watermark) error {
	payload, err := watermark.Encode(wm)
	if err != nil {
		return err
	}

	err = s.rdb.HSet(ctx, s.prefix+key,
		"kind", string(wm.Kind),
		"payload", string(payload),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// Delete implements watermark.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete watermark: %w", err)
	}
	return nil
}

// Keys implements watermark.Lister using SCAN.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, globEscaper.Replace(s.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	return keys, nil
}

// globEscaper quotes the SCAN MATCH metacharacters.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Close implements watermark.Store.
func (s *Store) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}
