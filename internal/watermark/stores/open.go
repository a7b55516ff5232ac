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

// Package stores opens the watermark store selected by configuration.
package stores

import (
	"context"
	"fmt"

	"github.com/tombee/pollwatch/internal/config"
	"github.com/tombee/pollwatch/internal/redisconn"
	"github.com/tombee/pollwatch/internal/watermark"
	"github.com/tombee/pollwatch/internal/watermark/memory"
	"github.com/tombee/pollwatch/internal/watermark/postgres"
	wmredis "github.com/tombee/pollwatch/internal/watermark/redis"
	"github.com/tombee/pollwatch/internal/watermark/sqlite"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Open returns the store for cfg.Backend. The caller owns the returned
// store and must Close it.
func Open(ctx context.Context, cfg config.StoreConfig) (watermark.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendSQLite, "":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		s, err := postgres.Open(ctx, postgres.Config{ConnectionString: cfg.PostgresURL})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil

	case config.BackendRedis:
		rdb, err := redisconn.Open(ctx, cfg.Redis.Config)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return wmredis.NewOwned(rdb, cfg.Redis.Prefix), nil
	}

	return nil, &pwerrors.ConfigError{
		Key:    "store.backend",
		Reason: fmt.Sprintf("unknown backend %q", cfg.Backend),
	}
}
