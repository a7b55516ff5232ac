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

// Package ical polls an iCalendar feed. Events carry LAST-MODIFIED or
// DTSTAMP, so triggers pair this source with the time_based strategy.
package ical

import (
	"context"
	"net/http"
	"strings"
	"time"

	ics "github.com/emersion/go-ical"

	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Kind is the registration name of this source.
const Kind = "ical"

// Timestamp fields an item can be ordered by.
const (
	TimestampModified = "last_modified"
	TimestampCreated  = "created"
	TimestampStart    = "start"
)

// Settings is the `source:` block of an ical trigger.
type Settings struct {
	URL string `yaml:"url"`

	// Timestamp picks the property used as the item time. last_modified
	// falls back to DTSTAMP. Default: last_modified
	Timestamp string `yaml:"timestamp,omitempty"`

	// IncludeCancelled keeps events with STATUS:CANCELLED.
	IncludeCancelled bool `yaml:"include_cancelled,omitempty"`
}

// Source fetches VEVENTs from a feed.
type Source struct {
	settings Settings
	client   *http.Client
}

// Factory builds a Source from a registration.
func Factory(decode func(any) error, deps source.Deps) (polling.Source, error) {
	var s Settings
	if err := decode(&s); err != nil {
		return nil, &pwerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	return New(s, deps.HTTPClient)
}

// New validates s and returns a Source.
func New(s Settings, client *http.Client) (*Source, error) {
	if s.URL == "" {
		return nil, &pwerrors.ValidationError{Field: "source.url", Message: "url is required"}
	}
	switch s.Timestamp {
	case "":
		s.Timestamp = TimestampModified
	case TimestampModified, TimestampCreated, TimestampStart:
	default:
		return nil, &pwerrors.ValidationError{
			Field:      "source.timestamp",
			Message:    "unknown timestamp field " + s.Timestamp,
			Suggestion: "use last_modified, created or start",
		}
	}
	if client == nil {
		client, _ = httpclient.New(httpclient.DefaultConfig())
	}
	return &Source{settings: s, client: client}, nil
}

// Name implements polling.Named.
func (s *Source) Name() string { return Kind }

// Fetch implements polling.Source.
func (s *Source) Fetch(ctx context.Context, auth polling.AuthContext, _ polling.Params) ([]polling.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.settings.URL, nil)
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Cause: err}
	}
	req.Header.Set("Accept", "text/calendar")

	client := s.client
	switch {
	case auth.HTTPClient != nil:
		client = auth.HTTPClient
	case auth.Token != "":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case auth.Username != "":
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: source.SanitizeErrorMessage(err)}
	}
	defer resp.Body.Close()

	if err := httpclient.CheckResponse(Kind, resp); err != nil {
		return nil, err
	}

	cal, err := ics.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: "failed to parse calendar", Cause: err}
	}

	var items []polling.Item
	for _, comp := range cal.Children {
		if comp.Name != ics.CompEvent {
			continue
		}
		item, ok := s.eventToItem(comp)
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// eventToItem skips events without a UID, and cancelled events unless
// configured otherwise. An event without the configured timestamp keeps a
// zero Timestamp and is rejected by the time-based strategy.
func (s *Source) eventToItem(event *ics.Component) (polling.Item, bool) {
	uid := propText(event, ics.PropUID)
	if uid == "" {
		return polling.Item{}, false
	}
	status := strings.ToUpper(propText(event, ics.PropStatus))
	if status == "CANCELLED" && !s.settings.IncludeCancelled {
		return polling.Item{}, false
	}

	id := uid
	if rid := propText(event, ics.PropRecurrenceID); rid != "" {
		id = uid + "/" + rid
	}

	data := map[string]any{
		"uid":         uid,
		"summary":     propText(event, ics.PropSummary),
		"description": propText(event, ics.PropDescription),
		"location":    propText(event, ics.PropLocation),
		"status":      strings.ToLower(status),
	}
	if start := propTime(event, ics.PropDateTimeStart); !start.IsZero() {
		data["start"] = start.Format(time.RFC3339)
	}
	if end := propTime(event, ics.PropDateTimeEnd); !end.IsZero() {
		data["end"] = end.Format(time.RFC3339)
	}
	if org := event.Props.Get(ics.PropOrganizer); org != nil {
		data["organizer"] = strings.TrimPrefix(strings.TrimPrefix(org.Value, "mailto:"), "MAILTO:")
	}

	return polling.Item{ID: id, Timestamp: s.timestamp(event), Data: data}, true
}

func (s *Source) timestamp(event *ics.Component) time.Time {
	switch s.settings.Timestamp {
	case TimestampCreated:
		return propTime(event, ics.PropCreated)
	case TimestampStart:
		return propTime(event, ics.PropDateTimeStart)
	}
	if t := propTime(event, ics.PropLastModified); !t.IsZero() {
		return t
	}
	return propTime(event, ics.PropDateTimeStamp)
}

func propText(event *ics.Component, name string) string {
	if p := event.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func propTime(event *ics.Component, name string) time.Time {
	p := event.Props.Get(name)
	if p == nil {
		return time.Time{}
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
