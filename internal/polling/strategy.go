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

package polling

import (
	"fmt"
	"slices"
	"time"

	"github.com/tombee/pollwatch/internal/watermark"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// CycleResult is the outcome of deduplicating one snapshot.
type CycleResult struct {
	// NewItems are the items not covered by the prior watermark, oldest
	// first.
	NewItems []Item

	// Next is the watermark to persist.
	Next *watermark.Watermark
}

// Strategy decides which items of a snapshot are new and what the next
// watermark is.
type Strategy interface {
	// Kind is the watermark kind this strategy reads and writes.
	Kind() watermark.Kind

	// SelectNew compares items against stored. A nil stored watermark
	// means "never polled": the result seeds a watermark and has no
	// NewItems. SelectNew must not modify items or stored.
	SelectNew(items []Item, stored *watermark.Watermark) (CycleResult, error)

	// Baseline is a watermark under which every well-formed item is new.
	// Test cycles dedup against it.
	Baseline() *watermark.Watermark
}

// LastItem tracks the greatest identity seen. Use it for sources whose
// identities grow over time, such as auto-increment ids or IMAP UIDs.
type LastItem struct {
	// Compare orders identities. Defaults to CompareIdentities.
	Compare func(a, b string) int
}

var _ Strategy = LastItem{}

// Kind implements Strategy.
func (LastItem) Kind() watermark.Kind { return watermark.KindLastItem }

// Baseline implements Strategy.
func (LastItem) Baseline() *watermark.Watermark { return watermark.NewLastItem("") }

func (s LastItem) compare() func(a, b string) int {
	if s.Compare != nil {
		return s.Compare
	}
	return CompareIdentities
}

// SelectNew implements Strategy.
func (s LastItem) SelectNew(items []Item, stored *watermark.Watermark) (CycleResult, error) {
	if err := checkKind(watermark.KindLastItem, stored); err != nil {
		return CycleResult{}, err
	}
	snapshot, err := prepare(watermark.KindLastItem, items, false)
	if err != nil {
		return CycleResult{}, err
	}

	cmp := s.compare()
	slices.SortStableFunc(snapshot, func(a, b Item) int { return cmp(a.ID, b.ID) })

	var top string
	if n := len(snapshot); n > 0 {
		top = snapshot[n-1].ID
	}

	if stored == nil {
		// Seed. An empty snapshot seeds the "" baseline so the first item
		// that ever appears is emitted.
		return CycleResult{Next: watermark.NewLastItem(top)}, nil
	}

	var newItems []Item
	for _, it := range snapshot {
		if stored.Identity == "" || cmp(it.ID, stored.Identity) > 0 {
			newItems = append(newItems, it)
		}
	}

	next := stored.Identity
	if len(snapshot) > 0 && (next == "" || cmp(top, next) > 0) {
		next = top
	}
	return CycleResult{NewItems: newItems, Next: watermark.NewLastItem(next)}, nil
}

// StartupMode controls how a time-based trigger is seeded.
type StartupMode string

const (
	// StartupIgnoreHistorical seeds at the current time, or at the newest
	// item in the seed snapshot if that is later. Nothing that exists at
	// enable time is ever emitted.
	StartupIgnoreHistorical StartupMode = "ignore_historical"

	// StartupBackfill seeds at now minus the backfill window, so the first
	// Run emits items from that window.
	StartupBackfill StartupMode = "backfill"
)

// TimeBased tracks the newest timestamp emitted plus the identities already
// emitted at exactly that timestamp. Use it for sources that expose
// creation or modification times but no ordered identity.
type TimeBased struct {
	Startup  StartupMode
	Backfill time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

var _ Strategy = TimeBased{}

// Kind implements Strategy.
func (TimeBased) Kind() watermark.Kind { return watermark.KindTimeBased }

// Baseline implements Strategy.
func (TimeBased) Baseline() *watermark.Watermark { return watermark.NewTimeBased(time.Time{}) }

func (s TimeBased) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s TimeBased) seed(snapshot []Item) *watermark.Watermark {
	now := s.now().UTC()
	if s.Startup == StartupBackfill {
		return watermark.NewTimeBased(now.Add(-s.Backfill))
	}

	start, ids := now, []string(nil)
	for _, it := range snapshot {
		switch {
		case it.Timestamp.After(start):
			start, ids = it.Timestamp, []string{it.ID}
		case it.Timestamp.Equal(start):
			ids = append(ids, it.ID)
		}
	}
	return watermark.NewTimeBased(start, ids...)
}

// SelectNew implements Strategy.
func (s TimeBased) SelectNew(items []Item, stored *watermark.Watermark) (CycleResult, error) {
	if err := checkKind(watermark.KindTimeBased, stored); err != nil {
		return CycleResult{}, err
	}
	snapshot, err := prepare(watermark.KindTimeBased, items, true)
	if err != nil {
		return CycleResult{}, err
	}
	slices.SortStableFunc(snapshot, compareTimeThenID)

	if stored == nil {
		return CycleResult{Next: s.seed(snapshot)}, nil
	}

	var newItems []Item
	for _, it := range snapshot {
		if it.Timestamp.After(stored.Time) || (it.Timestamp.Equal(stored.Time) && !stored.Emitted(it.ID)) {
			newItems = append(newItems, it)
		}
	}
	if len(newItems) == 0 {
		next := stored.Clone()
		next.UpdatedAt = time.Time{}
		return CycleResult{Next: next}, nil
	}

	maxT := newItems[len(newItems)-1].Timestamp
	var ids []string
	for _, it := range newItems {
		if it.Timestamp.Equal(maxT) {
			ids = append(ids, it.ID)
		}
	}
	// Items emitted at the same timestamp in earlier cycles stay recorded,
	// otherwise they would be emitted again next cycle.
	if maxT.Equal(stored.Time) {
		ids = append(ids, stored.EmittedIDs...)
	}
	return CycleResult{NewItems: newItems, Next: watermark.NewTimeBased(maxT, ids...)}, nil
}

func compareTimeThenID(a, b Item) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return CompareIdentities(a.ID, b.ID)
}

func checkKind(want watermark.Kind, stored *watermark.Watermark) error {
	if stored != nil && stored.Kind != want {
		return &pwerrors.StrategyError{
			Strategy: string(want),
			Index:    -1,
			Reason:   fmt.Sprintf("stored watermark is %s; disable and re-enable the trigger to reseed", stored.Kind),
		}
	}
	return nil
}

// prepare validates the projection the strategy needs and drops duplicate
// entries (same identity, and same timestamp when timed) that paginated
// sources sometimes return. The input slice is not modified.
func prepare(kind watermark.Kind, items []Item, timed bool) ([]Item, error) {
	type key struct {
		id string
		ts int64
	}
	seen := make(map[key]struct{}, len(items))
	out := make([]Item, 0, len(items))

	for i, it := range items {
		if it.ID == "" {
			return nil, &pwerrors.StrategyError{Strategy: string(kind), Index: i, Reason: "item has no identity"}
		}
		k := key{id: it.ID}
		if timed {
			if it.Timestamp.IsZero() {
				return nil, &pwerrors.StrategyError{Strategy: string(kind), Index: i, Reason: fmt.Sprintf("item %q has no timestamp", it.ID)}
			}
			k.ts = it.Timestamp.UnixNano()
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

// ParseStrategy builds a strategy from its registration name.
func ParseStrategy(name string, startup StartupMode, backfill time.Duration) (Strategy, error) {
	switch watermark.Kind(name) {
	case watermark.KindLastItem:
		return LastItem{}, nil
	case watermark.KindTimeBased:
		switch startup {
		case "", StartupIgnoreHistorical:
			return TimeBased{Startup: StartupIgnoreHistorical}, nil
		case StartupBackfill:
			if backfill <= 0 {
				return nil, &pwerrors.ValidationError{
					Field:      "backfill",
					Message:    "backfill startup requires a positive backfill window",
					Suggestion: "set backfill to a duration such as 24h",
				}
			}
			return TimeBased{Startup: StartupBackfill, Backfill: backfill}, nil
		}
		return nil, &pwerrors.ValidationError{Field: "startup", Message: fmt.Sprintf("unknown startup mode %q", startup)}
	}
	return nil, &pwerrors.ValidationError{
		Field:      "strategy",
		Message:    fmt.Sprintf("unknown strategy %q", name),
		Suggestion: "use last_item or time_based",
	}
}
