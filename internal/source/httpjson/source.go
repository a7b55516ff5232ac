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

// Package httpjson polls any JSON HTTP API. Items, identities and
// timestamps are picked out of the response with jq expressions.
package httpjson

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pollwatch/internal/jq"
	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Kind is the registration name of this source.
const Kind = "httpjson"

// Settings is the `source:` block of an httpjson trigger.
//
//	source:
//	  kind: httpjson
//	  url: https://api.github.com/repos/o/r/issues
//	  query: {state: all, sort: created, direction: desc}
//	  items: .[]
//	  id: .number
//	  timestamp: .created_at
//	  filter: item.pull_request == nil
//	  follow_link: true
type Settings struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Query   map[string]string `yaml:"query,omitempty"`

	// Items selects the item objects. Default: .[]
	Items string `yaml:"items,omitempty"`

	// ID selects each item's identity. Default: .id
	ID string `yaml:"id,omitempty"`

	// Timestamp selects each item's timestamp. Optional for last_item.
	Timestamp string `yaml:"timestamp,omitempty"`

	// TimeFormat is rfc3339 (default), unix, unix_ms or a Go layout.
	TimeFormat string `yaml:"time_format,omitempty"`

	// Filter is a boolean expression; items where it is false are dropped.
	Filter string `yaml:"filter,omitempty"`

	// Next selects the next page from the response body: a URL (absolute
	// or relative) or, with CursorParam set, a cursor value.
	Next        string `yaml:"next,omitempty"`
	CursorParam string `yaml:"cursor_param,omitempty"`

	// FollowLink follows RFC 8288 Link rel="next" headers.
	FollowLink bool `yaml:"follow_link,omitempty"`

	// MaxPages bounds pagination within one fetch. Default: 5
	MaxPages int `yaml:"max_pages,omitempty"`

	// AuthHeader and AuthScheme control how a token is sent.
	// Default: "Authorization: Bearer <token>"
	AuthHeader string `yaml:"auth_header,omitempty"`
	AuthScheme string `yaml:"auth_scheme,omitempty"`
}

// Source is a configured httpjson source.
type Source struct {
	name     string
	settings Settings
	client   *http.Client
	logger   *slog.Logger

	items     *jq.Query
	id        *jq.Query
	timestamp *jq.Query
	next      *jq.Query
	filter    *filter
}

var _ polling.Source = (*Source)(nil)

// Factory builds a Source from a registration.
func Factory(decode func(any) error, deps source.Deps) (polling.Source, error) {
	var s Settings
	if err := decode(&s); err != nil {
		return nil, &pwerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	return New(s, deps)
}

// New validates settings and compiles its expressions.
func New(s Settings, deps source.Deps) (*Source, error) {
	if s.URL == "" {
		return nil, &pwerrors.ValidationError{Field: "source.url", Message: "url is required"}
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &pwerrors.ValidationError{Field: "source.url", Message: fmt.Sprintf("invalid http(s) url %q", s.URL)}
	}
	if s.Method == "" {
		s.Method = http.MethodGet
	}
	if s.Items == "" {
		s.Items = ".[]"
	}
	if s.ID == "" {
		s.ID = ".id"
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 5
	}
	if s.AuthHeader == "" {
		s.AuthHeader = "Authorization"
	}
	if s.AuthScheme == "" && strings.EqualFold(s.AuthHeader, "Authorization") {
		s.AuthScheme = "Bearer"
	}

	src := &Source{
		name:     Kind,
		settings: s,
		client:   deps.HTTPClient,
		logger:   pwlog.WithComponent(pwlog.OrDefault(deps.Logger), "source."+Kind),
	}
	if src.client == nil {
		src.client, err = httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	compile := func(field, expr string) (*jq.Query, error) {
		if expr == "" {
			return nil, nil
		}
		q, err := jq.Compile(expr)
		if err != nil {
			return nil, &pwerrors.ValidationError{Field: "source." + field, Message: err.Error()}
		}
		return q, nil
	}
	if src.items, err = compile("items", s.Items); err != nil {
		return nil, err
	}
	if src.id, err = compile("id", s.ID); err != nil {
		return nil, err
	}
	if src.timestamp, err = compile("timestamp", s.Timestamp); err != nil {
		return nil, err
	}
	if src.next, err = compile("next", s.Next); err != nil {
		return nil, err
	}
	if src.filter, err = compileFilter(s.Filter); err != nil {
		return nil, err
	}
	return src, nil
}

// Name implements polling.Named.
func (s *Source) Name() string { return s.name }

// Fetch implements polling.Source. All pages are fetched before anything
// is returned, so a failure on a later page fails the whole snapshot.
func (s *Source) Fetch(ctx context.Context, auth polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	client := s.client
	if auth.HTTPClient != nil {
		client = auth.HTTPClient
	}

	pageURL, err := s.firstURL(params)
	if err != nil {
		return nil, err
	}

	var items []polling.Item
	for page := 1; pageURL != "" && page <= s.settings.MaxPages; page++ {
		body, header, err := s.get(ctx, client, auth, pageURL)
		if err != nil {
			return nil, err
		}

		got, err := s.extract(ctx, body, params)
		if err != nil {
			return nil, s.fetchError("", err)
		}
		items = append(items, got...)

		next, err := s.nextURL(ctx, pageURL, body, header)
		if err != nil {
			return nil, s.fetchError("pagination", err)
		}
		if next != "" && page == s.settings.MaxPages {
			s.logger.WarnContext(ctx, "pagination stopped at max_pages",
				slog.Int("max_pages", s.settings.MaxPages))
		}
		pageURL = next
	}
	return items, nil
}

func (s *Source) firstURL(params polling.Params) (string, error) {
	u, err := url.Parse(s.settings.URL)
	if err != nil {
		return "", s.fetchError("", err)
	}
	q := u.Query()
	for k, v := range s.settings.Query {
		q.Set(k, v)
	}
	for k := range params {
		for _, v := range params.Strings(k) {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Source) get(ctx context.Context, client *http.Client, auth polling.AuthContext, pageURL string) (any, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, s.settings.Method, pageURL, nil)
	if err != nil {
		return nil, nil, s.fetchError("", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.settings.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case auth.HTTPClient != nil:
	case auth.Token != "":
		value := auth.Token
		if s.settings.AuthScheme != "" {
			value = s.settings.AuthScheme + " " + auth.Token
		}
		req.Header.Set(s.settings.AuthHeader, value)
		s.logger.DebugContext(ctx, "sending token",
			slog.String("header", s.settings.AuthHeader),
			slog.String("token", pwlog.SanitizeToken(auth.Token)))
	case auth.Username != "":
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, s.fetchError("", err)
	}
	defer resp.Body.Close()

	if err := httpclient.CheckResponse(s.name, resp); err != nil {
		return nil, nil, err
	}
	body, err := jq.Decode(resp.Body)
	if err != nil {
		return nil, nil, s.fetchError("decode response", err)
	}
	return body, resp.Header, nil
}

func (s *Source) extract(ctx context.Context, body any, params polling.Params) ([]polling.Item, error) {
	values, err := s.items.All(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make([]polling.Item, 0, len(values))
	for i, v := range values {
		data, ok := v.(map[string]any)
		if !ok {
			data = map[string]any{"value": v}
		}

		keep, err := s.filter.match(data, params)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}

		idVal, err := s.id.First(ctx, v)
		if err != nil {
			return nil, err
		}
		item := polling.Item{ID: identity(idVal), Data: data}

		if s.timestamp != nil {
			tsVal, err := s.timestamp.First(ctx, v)
			if err != nil {
				return nil, err
			}
			if item.Timestamp, err = parseTime(tsVal, s.settings.TimeFormat); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Source) nextURL(ctx context.Context, current string, body any, header http.Header) (string, error) {
	if s.next != nil {
		v, err := s.next.First(ctx, body)
		if err != nil {
			return "", err
		}
		next := identity(v)
		if next == "" {
			return "", nil
		}
		base, err := url.Parse(current)
		if err != nil {
			return "", err
		}
		if s.settings.CursorParam != "" {
			q := base.Query()
			q.Set(s.settings.CursorParam, next)
			base.RawQuery = q.Encode()
			return base.String(), nil
		}
		ref, err := url.Parse(next)
		if err != nil {
			return "", err
		}
		return base.ResolveReference(ref).String(), nil
	}
	if s.settings.FollowLink {
		return nextLink(header.Values("Link")), nil
	}
	return "", nil
}

func (s *Source) fetchError(msg string, err error) error {
	return &pwerrors.FetchError{Source: s.name, Message: msg, Cause: err}
}

// identity renders a jq value as an item identity. Missing values give "".
func identity(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func parseTime(v any, format string) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case int:
		return fromEpoch(float64(t), format), nil
	case float64:
		return fromEpoch(t, format), nil
	case string:
		switch format {
		case "", "rfc3339":
			return time.Parse(time.RFC3339Nano, t)
		case "unix", "unix_ms":
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid %s timestamp %q", format, t)
			}
			return fromEpoch(f, format), nil
		default:
			return time.Parse(format, t)
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp value %v", v)
}

func fromEpoch(f float64, format string) time.Time {
	if format == "unix_ms" {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// nextLink returns the rel="next" target of Link header values.
func nextLink(values []string) string {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.TrimSpace(segs[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, p := range segs[1:] {
				p = strings.TrimSpace(p)
				if p == `rel="next"` || p == "rel=next" {
					return target[1 : len(target)-1]
				}
			}
		}
	}
	return ""
}
