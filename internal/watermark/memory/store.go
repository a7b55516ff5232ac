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

// Package memory provides an in-memory watermark store for tests and
// single-shot CLI use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/pollwatch/internal/watermark"
)

// Store keeps encoded watermarks in a map. Values are stored encoded so
// callers can never alias stored state.
type Store struct {
	mu      sync.RWMutex
	records map[string]entry

	// failure injection, keyed by operation
	failures map[string]error

	gets, puts, deletes int
}

type entry struct {
	data      []byte
	updatedAt time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]entry),
		failures: make(map[string]error),
	}
}

// Get implements watermark.Store.
func (s *Store) Get(ctx context.Context, key string) (*watermark.Watermark, error) {
	s.mu.Lock()
	s.gets++
	failure := s.failures["get"]
	e, ok := s.records[key]
	s.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, nil
	}
	wm, err := watermark.Decode(e.data)
	if err != nil {
		return nil, err
	}
	wm.UpdatedAt = e.updatedAt
	return wm, nil
}

// Put implements watermark.Store.
func (s *Store) Put(ctx context.Context, key string, wm *watermark.Watermark) error {
	data, err := watermark.Encode(wm)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if failure := s.failures["put"]; failure != nil {
		return failure
	}
	s.records[key] = entry{data: data, updatedAt: time.Now().UTC()}
	return nil
}

// Delete implements watermark.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if failure := s.failures["delete"]; failure != nil {
		return failure
	}
	delete(s.records, key)
	return nil
}

// Keys implements watermark.Lister.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements watermark.Store.
func (s *Store) Close() error { return nil }

// FailOn makes every subsequent op ("get", "put" or "delete") return err.
// A nil err clears the failure.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times each operation was invoked.
func (s *Store) Calls() (gets, puts, deletes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets, s.puts, s.deletes
}

// Len returns the number of stored watermarks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
