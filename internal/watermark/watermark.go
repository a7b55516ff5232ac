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

// Package watermark defines the persisted "what has already been seen"
// record of a poll trigger instance and the store contract that keeps it.
//
// A store holds at most one watermark per key. A missing key means the
// trigger instance has never been polled (or has been disabled); it is not
// an error. Backend failures are always reported as errors and never as a
// missing key.
package watermark

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind tags a watermark with the dedup strategy that produced it.
type Kind string

const (
	// KindLastItem watermarks hold the greatest identity seen so far.
	KindLastItem Kind = "last_item"
	// KindTimeBased watermarks hold a timestamp plus the identities already
	// emitted at exactly that timestamp.
	KindTimeBased Kind = "time_based"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLastItem || k == KindTimeBased
}

// Watermark is the per-trigger-instance record of prior progress.
type Watermark struct {
	Kind Kind

	// Identity is the greatest identity seen (last_item). The empty string
	// is a baseline meaning "nothing seen yet, everything is new".
	Identity string

	// Time is the greatest timestamp emitted (time_based).
	Time time.Time

	// EmittedIDs are the identities already emitted at exactly Time,
	// sorted (time_based).
	EmittedIDs []string

	// UpdatedAt is set by the store on read; it is informational only.
	UpdatedAt time.Time
}

// NewLastItem returns a last_item watermark.
func NewLastItem(identity string) *Watermark {
	return &Watermark{Kind: KindLastItem, Identity: identity}
}

// NewTimeBased returns a time_based watermark. ids are copied, sorted and
// deduplicated.
func NewTimeBased(t time.Time, ids ...string) *Watermark {
	return &Watermark{Kind: KindTimeBased, Time: t.UTC(), EmittedIDs: normalizeIDs(ids)}
}

// Clone returns a deep copy of w. Clone of nil is nil.
func (w *Watermark) Clone() *Watermark {
	if w == nil {
		return nil
	}
	c := *w
	c.EmittedIDs = slices.Clone(w.EmittedIDs)
	return &c
}

// Emitted reports whether id was already emitted at w.Time.
func (w *Watermark) Emitted(id string) bool {
	_, found := slices.BinarySearch(w.EmittedIDs, id)
	return found
}

// Equal compares the dedup-relevant fields of two watermarks. UpdatedAt is
// ignored.
func (w *Watermark) Equal(o *Watermark) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.Kind == o.Kind &&
		w.Identity == o.Identity &&
		w.Time.Equal(o.Time) &&
		slices.Equal(w.EmittedIDs, o.EmittedIDs)
}

// Validate checks that w is well formed for its kind.
func (w *Watermark) Validate() error {
	switch w.Kind {
	case KindLastItem:
		if !w.Time.IsZero() || len(w.EmittedIDs) > 0 {
			return fmt.Errorf("last_item watermark carries time-based fields")
		}
	case KindTimeBased:
		if w.Identity != "" {
			return fmt.Errorf("time_based watermark carries an identity")
		}
		if !slices.IsSorted(w.EmittedIDs) {
			return fmt.Errorf("time_based watermark ids are not sorted")
		}
	default:
		return fmt.Errorf("unknown watermark kind %q", w.Kind)
	}
	return nil
}

func (w *Watermark) String() string {
	if w == nil {
		return "<absent>"
	}
	switch w.Kind {
	case KindLastItem:
		return fmt.Sprintf("last_item(%q)", w.Identity)
	case KindTimeBased:
		return fmt.Sprintf("time_based(%s, %d ids)", w.Time.Format(time.RFC3339Nano), len(w.EmittedIDs))
	}
	return fmt.Sprintf("%s(?)", w.Kind)
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Store persists watermarks by key.
type Store interface {
	// Get returns the watermark stored under key, or nil, nil when absent.
	Get(ctx context.Context, key string) (*Watermark, error)

	// Put stores wm under key, replacing any previous value.
	Put(ctx context.Context, key string, wm *Watermark) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// KeyPrefix starts every key built by Key.
const KeyPrefix = "trigger:"

// Key builds the namespaced store key for a trigger instance.
func Key(trigger string, instance ...string) string {
	parts := append([]string{"trigger", trigger}, instance...)
	return strings.Join(parts, ":")
}

// ParseKey splits a key built by Key into its trigger and instance names.
func ParseKey(key string) (trigger, instance string, ok bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || rest == "" {
		return "", "", false
	}
	trigger, instance, _ = strings.Cut(rest, ":")
	return trigger, instance, trigger != ""
}

// Scoped is a store handle bound to one trigger instance's key. It is what
// lifecycle calls receive.
type Scoped struct {
	store Store
	key   string
}

// Scope binds store to key.
func Scope(store Store, key string) *Scoped {
	return &Scoped{store: store, key: key}
}

// Key returns the bound key.
func (s *Scoped) Key() string { return s.key }

// Get reads the bound watermark; nil, nil when absent.
func (s *Scoped) Get(ctx context.Context) (*Watermark, error) {
	return s.store.Get(ctx, s.key)
}

// Put replaces the bound watermark.
func (s *Scoped) Put(ctx context.Context, wm *Watermark) error {
	return s.store.Put(ctx, s.key, wm)
}

// Delete removes the bound watermark.
func (s *Scoped) Delete(ctx context.Context) error {
	return s.store.Delete(ctx, s.key)
}
