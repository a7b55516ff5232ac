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
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/watermark"
	"github.com/tombee/pollwatch/internal/watermark/memory"
)

func newPropertyEngine(strategy Strategy, src Source) (*Engine, *memory.Store, *watermark.Scoped) {
	e, err := New(Config{Name: "prop", Source: src, Strategy: strategy, Logger: pwlog.Discard()})
	if err != nil {
		panic(err)
	}
	store := memory.New()
	return e, store, watermark.Scope(store, watermark.Key("prop"))
}

// windowSnapshot returns the newest window items of the sequence 1..n,
// newest first, the way most list endpoints page.
func windowSnapshot(n, window int) []Item {
	var out []Item
	for id := n; id >= 1 && len(out) < window; id-- {
		out = append(out, Item{ID: strconv.Itoa(id)})
	}
	return out
}

func TestProperty_LastItemNoLossNoReplay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every item seen after enable is emitted exactly once", prop.ForAll(
		func(initial, window int, growth []int) bool {
			ctx := context.Background()
			src := &fakeSource{}
			e, _, state := newPropertyEngine(LastItem{}, src)

			n := initial
			src.set(windowSnapshot(n, window), nil)
			if err := e.OnEnable(ctx, AuthContext{}, nil, state); err != nil {
				return false
			}
			seed := n

			emitted := map[string]int{}
			seen := map[string]bool{}
			for _, inc := range growth {
				n += inc
				snap := windowSnapshot(n, window)
				for _, it := range snap {
					seen[it.ID] = true
				}
				src.set(snap, nil)
				items, err := e.Run(ctx, AuthContext{}, nil, state)
				if err != nil {
					return false
				}
				for _, it := range items {
					emitted[it.ID]++
				}
			}

			for id := range seen {
				v, _ := strconv.Atoi(id)
				want := 0
				if v > seed {
					want = 1
				}
				if emitted[id] != want {
					return false
				}
			}
			return len(emitted) <= len(seen)
		},
		gen.IntRange(0, 20),
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

func TestProperty_TimeBasedNoLossNoReplay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Unix(1_700_000_000, 0).UTC()
	strategy := TimeBased{Now: func() time.Time { return base }}

	// Each batch appends events whose timestamps never go backwards, with
	// a small step so that several events share a timestamp.
	properties.Property("events added after enable are emitted exactly once", prop.ForAll(
		func(initial int, batches [][]int) bool {
			ctx := context.Background()
			src := &fakeSource{}
			e, _, state := newPropertyEngine(strategy, src)

			var all []Item
			ts := base
			next := 0
			add := func(step int) {
				ts = ts.Add(time.Duration(step) * time.Second)
				next++
				all = append(all, Item{ID: "e" + strconv.Itoa(next), Timestamp: ts})
			}

			for i := 0; i < initial; i++ {
				add(i % 2)
			}
			src.set(append([]Item(nil), all...), nil)
			if err := e.OnEnable(ctx, AuthContext{}, nil, state); err != nil {
				return false
			}
			before := len(all)

			emitted := map[string]int{}
			for _, batch := range batches {
				for _, step := range batch {
					add(step)
				}
				src.set(append([]Item(nil), all...), nil)
				items, err := e.Run(ctx, AuthContext{}, nil, state)
				if err != nil {
					return false
				}
				for _, it := range items {
					emitted[it.ID]++
				}
			}

			for i, it := range all {
				want := 0
				if i >= before {
					want = 1
				}
				if emitted[it.ID] != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.SliceOf(gen.SliceOf(gen.IntRange(0, 2))),
	))

	properties.TestingRun(t)
}

func TestProperty_LastItemMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("the stored identity never decreases", prop.ForAll(
		func(stored int, snapshot []int) bool {
			items := make([]Item, len(snapshot))
			for i, v := range snapshot {
				items[i] = Item{ID: strconv.Itoa(v)}
			}
			res, err := LastItem{}.SelectNew(items, watermark.NewLastItem(strconv.Itoa(stored)))
			if err != nil {
				return false
			}
			return CompareIdentities(res.Next.Identity, strconv.Itoa(stored)) >= 0
		},
		gen.IntRange(0, 100),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestProperty_CompareIdentitiesTotalOrder(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	identity := gen.RegexMatch(`0?[0-9]{1,2}[ab]?`)

	properties.Property("antisymmetric", prop.ForAll(
		func(a, b string) bool {
			return CompareIdentities(a, b) == -CompareIdentities(b, a)
		},
		identity, identity,
	))

	properties.Property("transitive", prop.ForAll(
		func(a, b, c string) bool {
			if CompareIdentities(a, b) <= 0 && CompareIdentities(b, c) <= 0 {
				return CompareIdentities(a, c) <= 0
			}
			return true
		},
		identity, identity, identity,
	))

	properties.Property("equal only when identical", prop.ForAll(
		func(a, b string) bool {
			return (CompareIdentities(a, b) == 0) == (a == b)
		},
		identity, identity,
	))

	properties.TestingRun(t)
}

func TestProperty_TimeBasedMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	base := time.Unix(0, 0).UTC()

	properties.Property("the stored time never decreases", prop.ForAll(
		func(stored int, snapshot []int) bool {
			items := make([]Item, len(snapshot))
			for i, v := range snapshot {
				items[i] = Item{ID: strconv.Itoa(i), Timestamp: base.Add(time.Duration(v) * time.Second)}
			}
			prev := watermark.NewTimeBased(base.Add(time.Duration(stored)*time.Second), "x")
			res, err := TimeBased{}.SelectNew(items, prev)
			if err != nil {
				return false
			}
			return !res.Next.Time.Before(prev.Time)
		},
		gen.IntRange(0, 50),
		gen.SliceOf(gen.IntRange(0, 50)),
	))

	properties.TestingRun(t)
}

func TestProperty_TestIsReadOnly(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("test is repeatable and never writes", prop.ForAll(
		func(snapshot []int) bool {
			items := make([]Item, len(snapshot))
			for i, v := range snapshot {
				items[i] = Item{ID: strconv.Itoa(v)}
			}
			src := &fakeSource{}
			src.set(items, nil)
			e, store, _ := newPropertyEngine(LastItem{}, src)

			first, err1 := e.Test(context.Background(), AuthContext{}, nil)
			second, err2 := e.Test(context.Background(), AuthContext{}, nil)
			if err1 != nil || err2 != nil || len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].ID != second[i].ID {
					return false
				}
			}
			gets, puts, deletes := store.Calls()
			return gets+puts+deletes == 0
		},
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}
