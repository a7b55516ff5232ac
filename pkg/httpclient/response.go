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

package httpclient

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// CheckResponse returns nil for 2xx responses. Anything else becomes a
// *errors.FetchError carrying the status, Retry-After and a short message
// taken from the body. The body is consumed but not closed.
func CheckResponse(source string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &pwerrors.FetchError{
		Source:     source,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body, resp.Status),
		RetryAfter: parseRetryAfter(resp),
	}
}

// errorMessage extracts a message from common JSON error shapes, falling
// back to the HTTP status text.
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		switch e := payload.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 && !strings.HasPrefix(s, "<") {
		return s
	}
	return status
}
