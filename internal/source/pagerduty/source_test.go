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

package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

func incidentJSON(id string, created string) string {
	return fmt.Sprintf(`{"id":%q,"incident_number":1,"title":"t","status":"triggered","urgency":"high","created_at":%q,
		"service":{"id":"S1","summary":"api"},"assignments":[{"assignee":{"id":"U1","summary":"Jo"}}]}`, id, created)
}

func TestFetch_PaginatesByOffset(t *testing.T) {
	var gotAuth string
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		q := r.URL.Query()
		offsets = append(offsets, q.Get("offset"))
		assert.Equal(t, []string{"PSVC"}, q["service_ids[]"])
		assert.Equal(t, []string{"triggered", "acknowledged"}, q["statuses[]"])
		assert.Equal(t, "2024-05-01T12:00:00Z", q.Get("since"))

		off, _ := strconv.Atoi(q.Get("offset"))
		if off == 0 {
			fmt.Fprintf(w, `{"incidents":[%s,%s],"more":true}`,
				incidentJSON("P2", "2024-05-02T11:00:00Z"), incidentJSON("P1", "2024-05-02T10:00:00Z"))
			return
		}
		fmt.Fprintf(w, `{"incidents":[%s],"more":false}`, incidentJSON("P0", "2024-05-02T09:00:00Z"))
	}))
	defer srv.Close()

	src := New(Settings{BaseURL: srv.URL}, http.DefaultClient)
	src.now = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }

	items, err := src.Fetch(context.Background(),
		polling.AuthContext{Token: "pd-token"},
		polling.Params{"services": []any{"PSVC"}})
	require.NoError(t, err)

	require.Len(t, items, 3)
	assert.Equal(t, []string{"0", "2"}, offsets)
	assert.Equal(t, "Token token=pd-token", gotAuth)
	assert.Equal(t, "P2", items[0].ID)
	assert.True(t, items[0].Timestamp.Equal(time.Date(2024, 5, 2, 11, 0, 0, 0, time.UTC)))
	assert.Equal(t, map[string]any{"id": "S1", "name": "api"}, items[0].Data["service"])
}

func TestFetch_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Invalid Token"}}`)
	}))
	defer srv.Close()

	_, err := New(Settings{BaseURL: srv.URL}, http.DefaultClient).Fetch(context.Background(),
		polling.AuthContext{Token: "bad"}, nil)
	var fe *pwerrors.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.IsAuthFailure())
	assert.Equal(t, "Invalid Token", fe.Message)
}

func TestFetch_RequiresToken(t *testing.T) {
	_, err := New(Settings{}, http.DefaultClient).Fetch(context.Background(), polling.AuthContext{}, nil)
	var fe *pwerrors.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.IsAuthFailure())
}

func TestFetch_RejectsUnsafeParams(t *testing.T) {
	_, err := New(Settings{}, http.DefaultClient).Fetch(context.Background(),
		polling.AuthContext{Token: "x"}, polling.Params{"teams": "T1&limit=1"})
	var fe *pwerrors.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadRequest, fe.StatusCode)
}

func TestFetch_BadTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"incidents":[%s],"more":false}`, incidentJSON("P1", "yesterday"))
	}))
	defer srv.Close()

	_, err := New(Settings{BaseURL: srv.URL}, http.DefaultClient).Fetch(context.Background(),
		polling.AuthContext{Token: "x"}, nil)
	var fe *pwerrors.FetchError
	assert.True(t, errors.As(err, &fe))
}
