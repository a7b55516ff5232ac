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

package watermark

import (
	"encoding/json"
	"fmt"
	"time"
)

const recordVersion = 1

// record is the persisted JSON shape. It is self-describing so a stored
// value can be decoded without knowing which trigger wrote it.
type record struct {
	Version    int        `json:"v"`
	Kind       Kind       `json:"kind"`
	Identity   *string    `json:"identity,omitempty"`
	Time       *time.Time `json:"time,omitempty"`
	EmittedIDs []string   `json:"emitted_ids_at_time,omitempty"`
}

// Encode serializes wm for storage.
func Encode(wm *Watermark) ([]byte, error) {
	if wm == nil {
		return nil, fmt.Errorf("cannot encode nil watermark")
	}
	if err := wm.Validate(); err != nil {
		return nil, err
	}

	rec := record{Version: recordVersion, Kind: wm.Kind}
	switch wm.Kind {
	case KindLastItem:
		id := wm.Identity
		rec.Identity = &id
	case KindTimeBased:
		t := wm.Time.UTC()
		rec.Time = &t
		rec.EmittedIDs = wm.EmittedIDs
	}
	return json.Marshal(rec)
}

// Decode parses a stored watermark.
func Decode(data []byte) (*Watermark, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode watermark: %w", err)
	}
	if rec.Version > recordVersion {
		return nil, fmt.Errorf("watermark record version %d is newer than supported version %d", rec.Version, recordVersion)
	}

	wm := &Watermark{Kind: rec.Kind}
	switch rec.Kind {
	case KindLastItem:
		if rec.Identity == nil {
			return nil, fmt.Errorf("last_item watermark has no identity")
		}
		wm.Identity = *rec.Identity
	case KindTimeBased:
		if rec.Time == nil {
			return nil, fmt.Errorf("time_based watermark has no time")
		}
		wm.Time = rec.Time.UTC()
		wm.EmittedIDs = normalizeIDs(rec.EmittedIDs)
	default:
		return nil, fmt.Errorf("unknown watermark kind %q", rec.Kind)
	}
	return wm, nil
}

// MarshalJSON renders w in its stored form, plus updated_at when the store
// reported it. It is used for display; stores call Encode.
func (w Watermark) MarshalJSON() ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	out := struct {
		record
		UpdatedAt *time.Time `json:"updated_at,omitempty"`
	}{record: record{Version: recordVersion, Kind: w.Kind}}
	switch w.Kind {
	case KindLastItem:
		id := w.Identity
		out.Identity = &id
	case KindTimeBased:
		t := w.Time.UTC()
		out.Time = &t
		out.EmittedIDs = w.EmittedIDs
	}
	if !w.UpdatedAt.IsZero() {
		u := w.UpdatedAt.UTC()
		out.UpdatedAt = &u
	}
	return json.Marshal(out)
}
