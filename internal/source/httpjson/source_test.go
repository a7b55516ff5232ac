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

package httpjson

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

func newSource(t *testing.T, s Settings) *Source {
	t.Helper()
	src, err := New(s, source.Deps{HTTPClient: http.DefaultClient, Logger: pwlog.Discard()})
	require.NoError(t, err)
	return src
}

func TestFetch_ExtractsItems(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"data":[
			{"number": 7, "created_at": "2024-05-01T10:00:00Z", "state": "open"},
			{"number": 6, "created_at": "2024-05-01T09:00:00Z", "state": "closed"}
		]}`)
	}))
	defer srv.Close()

	src := newSource(t, Settings{
		URL:       srv.URL,
		Query:     map[string]string{"sort": "created"},
		Items:     ".data[]",
		ID:        ".number",
		Timestamp: ".created_at",
	})

	items, err := src.Fetch(context.Background(), polling.AuthContext{Token: "tok"}, polling.Params{"label": "bug"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "7", items[0].ID)
	assert.True(t, items[0].Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "open", items[0].Data["state"])
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "label=bug&sort=created", gotQuery)
}

func TestFetch_Filter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"a","state":"open"},{"id":"b","state":"closed"},{"id":"c","state":"open"}]`)
	}))
	defer srv.Close()

	src := newSource(t, Settings{URL: srv.URL, Filter: `item.state == "open"`})
	items, err := src.Fetch(context.Background(), polling.AuthContext{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, []string{items[0].ID, items[1].ID})
}

func TestFetch_FollowsNextCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"items":[{"id":1}],"next":"p2"}`)
		case "p2":
			fmt.Fprint(w, `{"items":[{"id":2}],"next":null}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	src := newSource(t, Settings{URL: srv.URL, Items: ".items[]", Next: ".next", CursorParam: "cursor"})
	items, err := src.Fetch(context.Background(), polling.AuthContext{}, nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFetch_FollowsLinkHeader(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/?page=2>; rel="next", <%s/?page=9>; rel="last"`, srv.URL, srv.URL))
			fmt.Fprint(w, `[{"id":1}]`)
			return
		}
		fmt.Fprint(w, `[{"id":2}]`)
	}))
	defer srv.Close()

	src := newSource(t, Settings{URL: srv.URL, FollowLink: true})
	items, err := src.Fetch(context.Background(), polling.AuthContext{}, nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFetch_MaxPages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"items":[{"id":%d}],"next":"/more?n=%d"}`, calls, calls)
	}))
	defer srv.Close()

	src := newSource(t, Settings{URL: srv.URL, Items: ".items[]", Next: ".next", MaxPages: 3})
	items, err := src.Fetch(context.Background(), polling.AuthContext{}, nil)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, calls)
}

func TestFetch_HTTPErrorIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))
	defer srv.Close()

	_, err := newSource(t, Settings{URL: srv.URL}).Fetch(context.Background(), polling.AuthContext{}, nil)
	var fe *pwerrors.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 403, fe.StatusCode)
	assert.Equal(t, "Bad credentials", fe.Message)
}

func TestFetch_BadJSONIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	_, err := newSource(t, Settings{URL: srv.URL}).Fetch(context.Background(), polling.AuthContext{}, nil)
	var fe *pwerrors.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		s     Settings
		field string
	}{
		{"missing url", Settings{}, "source.url"},
		{"bad scheme", Settings{URL: "ftp://x"}, "source.url"},
		{"bad jq", Settings{URL: "http://x", Items: ".["}, "source.items"},
		{"bad filter", Settings{URL: "http://x", Filter: "item.a +"}, "source.filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.s, source.Deps{})
			var ve *pwerrors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		v      any
		format string
	}{
		{"2024-01-02T03:04:05Z", ""},
		{int(want.Unix()), "unix"},
		{float64(want.UnixMilli()), "unix_ms"},
		{"1704164645", "unix"},
		{"02/01/2024 03:04:05", "02/01/2006 15:04:05"},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.v, tt.format)
		require.NoError(t, err, "%v", tt.v)
		assert.True(t, got.Equal(want), "%v (%s) = %v", tt.v, tt.format, got)
	}
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, "", identity(nil))
	assert.Equal(t, "12", identity(12))
	assert.Equal(t, "12", identity(12.0))
	assert.Equal(t, "1.5", identity(1.5))
	assert.Equal(t, "abc", identity("abc"))
}

func TestFactory_DecodesSettings(t *testing.T) {
	src, err := Factory(source.DecodeMap(map[string]any{"url": "https://example.com/api", "id": ".uuid"}), source.Deps{})
	require.NoError(t, err)
	assert.Equal(t, ".uuid", src.(*Source).settings.ID)
}
