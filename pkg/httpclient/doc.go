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

// Package httpclient builds the HTTP client used by pollwatch sources and
// the webhook dispatcher.
//
// The client retries transient failures (5xx, 408, 429 and connection
// errors) with exponential backoff, honours Retry-After, logs every request
// with its query string redacted, and tags requests with the poll cycle ID
// as X-Correlation-ID.
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Do(req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
//	if err := httpclient.CheckResponse("pagerduty", resp); err != nil {
//	    return err // *errors.FetchError
//	}
//
// Only GET, HEAD and OPTIONS are retried unless AllowNonIdempotentRetry is
// set; the webhook dispatcher sets it and sends an Idempotency-Key.
package httpclient
