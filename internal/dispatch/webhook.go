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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// IdempotencyHeader carries a key derived from the batch contents, so a
// receiver can drop a batch it already accepted.
const IdempotencyHeader = "Idempotency-Key"

var batchNamespace = uuid.MustParse("6f1c1f3e-2b53-4f4f-9c55-0c0b8a5e7d10")

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	HTTP    httpclient.Config
}

// Webhook POSTs each batch as one JSON document.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook returns a Webhook. Retries are enabled for POST since every
// request carries an idempotency key.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, &pwerrors.ConfigError{Key: "dispatch.url", Reason: "webhook url is required"}
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP = httpclient.DefaultConfig()
	}
	cfg.HTTP.AllowNonIdempotentRetry = true
	client, err := httpclient.New(cfg.HTTP)
	if err != nil {
		return nil, &pwerrors.ConfigError{Key: "http", Reason: "invalid http settings", Cause: err}
	}
	return &Webhook{url: cfg.URL, headers: cfg.Headers, client: client}, nil
}

// Name implements Dispatcher.
func (w *Webhook) Name() string { return "webhook" }

// Dispatch implements Dispatcher.
func (w *Webhook) Dispatch(ctx context.Context, b Batch) error {
	if len(b.Items) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Trigger  string   `json:"trigger"`
		Instance string   `json:"instance,omitempty"`
		CycleID  string   `json:"cycle_id"`
		Items    []Record `json:"items"`
	}{b.Trigger, b.Instance, b.CycleID, b.Records()})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, BatchKey(b))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &pwerrors.FetchError{Source: "webhook", Message: "deliver batch", Cause: err}
	}
	defer resp.Body.Close()
	return httpclient.CheckResponse("webhook", resp)
}

// Close implements Dispatcher.
func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// BatchKey is a stable key for the batch's trigger instance and item ids.
func BatchKey(b Batch) string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID
	}
	name := b.Trigger + "/" + b.Instance + "\x00" + strings.Join(ids, "\x00")
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}
