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

package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// DefaultLockPrefix namespaces cycle locks in Redis.
const DefaultLockPrefix = "pollwatch:lock:"

// RedisLocker implements Locker with redsync, so several hosts sharing a
// watermark store never run the same trigger concurrently.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewRedisLocker returns a RedisLocker on rdb.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(rdb)), prefix: prefix}
}

// TryLock implements Locker. It makes a single attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m := l.rs.NewMutex(l.prefix+key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		if lockTaken(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func(ctx context.Context) error {
		_, err := m.UnlockContext(ctx)
		return err
	}, true, nil
}

func lockTaken(err error) bool {
	return errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken")
}
