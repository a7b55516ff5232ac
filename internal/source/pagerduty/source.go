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

// Package pagerduty polls PagerDuty incidents. Incidents carry a creation
// time, so triggers usually pair this source with the time_based strategy.
package pagerduty

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Kind is the registration name of this source.
const Kind = "pagerduty"

const defaultBaseURL = "https://api.pagerduty.com"

// Settings is the `source:` block of a pagerduty trigger. Filters
// (user_id, services, teams, statuses, urgencies) come from the trigger
// params.
type Settings struct {
	BaseURL string `yaml:"base_url,omitempty"`

	// Window is how far back each fetch looks. Default: 24h
	Window time.Duration `yaml:"window,omitempty"`

	// PageSize is the PagerDuty limit parameter. Default: 100
	PageSize int `yaml:"page_size,omitempty"`

	// MaxPages bounds offset pagination within one fetch. Default: 5
	MaxPages int `yaml:"max_pages,omitempty"`
}

// Source fetches incidents.
type Source struct {
	settings Settings
	client   *http.Client
	now      func() time.Time
}

// Factory builds a Source from a registration.
func Factory(decode func(any) error, deps source.Deps) (polling.Source, error) {
	var s Settings
	if err := decode(&s); err != nil {
		return nil, &pwerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	return New(s, deps.HTTPClient), nil
}

// New returns a Source. A nil client uses a default pollwatch client.
func New(s Settings, client *http.Client) *Source {
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.Window <= 0 {
		s.Window = 24 * time.Hour
	}
	if s.PageSize <= 0 || s.PageSize > 100 {
		s.PageSize = 100
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 5
	}
	if client == nil {
		client, _ = httpclient.New(httpclient.DefaultConfig())
	}
	return &Source{settings: s, client: client, now: time.Now}
}

// Name implements polling.Named.
func (s *Source) Name() string { return Kind }

// Fetch implements polling.Source.
func (s *Source) Fetch(ctx context.Context, auth polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	if auth.Token == "" {
		return nil, &pwerrors.FetchError{Source: Kind, StatusCode: http.StatusUnauthorized, Message: "no API token configured"}
	}
	if err := source.ValidateParams(params, "user_id", "services", "teams", "statuses", "urgencies"); err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	query := s.query(params)
	var items []polling.Item
	for page, offset := 0, 0; page < s.settings.MaxPages; page++ {
		query.Set("offset", strconv.Itoa(offset))
		resp, err := s.page(ctx, auth.Token, query)
		if err != nil {
			return nil, err
		}
		for _, inc := range resp.Incidents {
			item, err := incidentToItem(inc)
			if err != nil {
				return nil, &pwerrors.FetchError{Source: Kind, Message: "decode incident", Cause: err}
			}
			items = append(items, item)
		}
		if !resp.More || len(resp.Incidents) == 0 {
			break
		}
		offset += len(resp.Incidents)
	}
	return items, nil
}

func (s *Source) query(params polling.Params) url.Values {
	q := url.Values{}
	q.Set("since", s.now().Add(-s.settings.Window).UTC().Format(time.RFC3339))
	q.Set("sort_by", "created_at:desc")
	q.Set("limit", strconv.Itoa(s.settings.PageSize))

	if id := params.String("user_id"); id != "" {
		q.Add("user_ids[]", id)
	}
	for _, v := range params.Strings("services") {
		q.Add("service_ids[]", v)
	}
	for _, v := range params.Strings("teams") {
		q.Add("team_ids[]", v)
	}
	statuses := params.Strings("statuses")
	if len(statuses) == 0 {
		statuses = []string{"triggered", "acknowledged"}
	}
	for _, v := range statuses {
		q.Add("statuses[]", v)
	}
	for _, v := range params.Strings("urgencies") {
		q.Add("urgencies[]", v)
	}
	return q
}

func (s *Source) page(ctx context.Context, token string, q url.Values) (*incidentsResponse, error) {
	apiURL := fmt.Sprintf("%s/incidents?%s", s.settings.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Cause: err}
	}
	req.Header.Set("Accept", "application/vnd.pagerduty+json;version=2")
	req.Header.Set("Authorization", "Token token="+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: source.SanitizeErrorMessage(err)}
	}
	defer resp.Body.Close()

	if err := httpclient.CheckResponse(Kind, resp); err != nil {
		return nil, err
	}

	var out incidentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: "failed to parse response", Cause: err}
	}
	return &out, nil
}

func incidentToItem(inc incident) (polling.Item, error) {
	created, err := time.Parse(time.RFC3339, inc.CreatedAt)
	if err != nil {
		return polling.Item{}, fmt.Errorf("incident %s: bad created_at %q", inc.ID, inc.CreatedAt)
	}

	data := map[string]any{
		"id":         inc.ID,
		"number":     inc.IncidentNumber,
		"title":      inc.Title,
		"status":     inc.Status,
		"urgency":    inc.Urgency,
		"created_at": inc.CreatedAt,
		"html_url":   inc.HTMLURL,
	}
	if inc.Service.ID != "" {
		data["service"] = map[string]any{"id": inc.Service.ID, "name": inc.Service.Summary}
	}
	if len(inc.Assignments) > 0 {
		assignments := make([]any, 0, len(inc.Assignments))
		for _, a := range inc.Assignments {
			assignments = append(assignments, map[string]any{
				"assignee": map[string]any{"id": a.Assignee.ID, "name": a.Assignee.Summary},
			})
		}
		data["assignments"] = assignments
	}

	return polling.Item{ID: inc.ID, Timestamp: created.UTC(), Data: data}, nil
}

type incidentsResponse struct {
	Incidents []incident `json:"incidents"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	More      bool       `json:"more"`
}

type incident struct {
	ID             string       `json:"id"`
	IncidentNumber int          `json:"incident_number"`
	Title          string       `json:"title"`
	Status         string       `json:"status"`
	Urgency        string       `json:"urgency"`
	CreatedAt      string       `json:"created_at"`
	HTMLURL        string       `json:"html_url"`
	Service        reference    `json:"service"`
	Assignments    []assignment `json:"assignments"`
}

type reference struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

type assignment struct {
	Assignee reference `json:"assignee"`
}
