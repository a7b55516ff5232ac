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

// Package sqlstore implements watermark.Store on database/sql. The sqlite
// and postgres packages open connections and hand them to New with their
// dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pollwatch/internal/watermark"
)

var (
	_ watermark.Store  = (*Store)(nil)
	_ watermark.Lister = (*Store)(nil)
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string

	// Schema statements are executed in order by Migrate.
	Schema []string

	// Numbered placeholders ($1, $2) instead of "?".
	Numbered bool
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS watermarks (
			trigger_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watermarks_kind ON watermarks(kind)`,
	},
}

// Postgres is the dialect for the pgx database/sql driver.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS watermarks (
			trigger_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watermarks_kind ON watermarks(kind)`,
	},
}

// rebind rewrites "?" placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	getQuery = `SELECT payload, updated_at FROM watermarks WHERE trigger_key = ?`

	putQuery = `INSERT INTO watermarks (trigger_key, kind, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(trigger_key) DO UPDATE SET
	kind = excluded.kind,
	payload = excluded.payload,
	updated_at = excluded.updated_at`

	deleteQuery = `DELETE FROM watermarks WHERE trigger_key = ?`

	keysQuery = `SELECT trigger_key FROM watermarks WHERE substr(trigger_key, 1, length(CAST(? AS TEXT))) = ? ORDER BY trigger_key`
)

// Store is a SQL-backed watermark store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps db. It does not create the schema; call Migrate for that.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the watermarks table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Get implements watermark.Store.
func (s *Store) Get(ctx context.Context, key string) (*watermark.Watermark, error) {
	var payload string
	var updatedAt time.Time

	err := s.db.QueryRowContext(ctx, s.dialect.rebind(getQuery), key).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}

	wm, err := watermark.Decode([]byte(payload))
	if err != nil {
		return nil, err
	}
	wm.UpdatedAt = updatedAt
	return wm, nil
}

// Put implements watermark.Store.
func (s *Store) Put(ctx context.Context, key string, wm *watermark.Watermark) error {
	payload, err := watermark.Encode(wm)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(putQuery), key, string(wm.Kind), string(payload), s.now())
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// Delete implements watermark.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(deleteQuery), key); err != nil {
		return fmt.Errorf("failed to delete watermark: %w", err)
	}
	return nil
}

// Keys implements watermark.Lister.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(keysQuery), prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan watermark key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
