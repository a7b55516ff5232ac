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

// Package imap polls a mailbox folder. Message UIDs increase within a
// folder, so triggers usually pair this source with the last_item strategy.
package imap

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Kind is the registration name of this source.
const Kind = "imap"

// Settings is the `source:` block of an imap trigger.
type Settings struct {
	Host string `yaml:"host"`

	// Port defaults to 993, or 143 with Plaintext.
	Port int `yaml:"port,omitempty"`

	// Plaintext disables TLS. Only for local test servers.
	Plaintext bool `yaml:"plaintext,omitempty"`

	// Folder is the mailbox to watch. Default: INBOX
	Folder string `yaml:"folder,omitempty"`

	// UnseenOnly restricts the snapshot to messages without \Seen.
	UnseenOnly bool `yaml:"unseen_only,omitempty"`

	// Since restricts the snapshot to messages received in this window.
	Since time.Duration `yaml:"since,omitempty"`

	// MaxMessages keeps only the newest N matching UIDs. Default: 50
	MaxMessages int `yaml:"max_messages,omitempty"`

	// Timeout bounds each IMAP command. Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Source fetches message envelopes.
type Source struct {
	settings Settings
	now      func() time.Time
}

// Factory builds a Source from a registration.
func Factory(decode func(any) error, _ source.Deps) (polling.Source, error) {
	var s Settings
	if err := decode(&s); err != nil {
		return nil, &pwerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	return New(s)
}

// New validates s and returns a Source.
func New(s Settings) (*Source, error) {
	if s.Host == "" {
		return nil, &pwerrors.ValidationError{Field: "source.host", Message: "host is required"}
	}
	if s.Port == 0 {
		s.Port = 993
		if s.Plaintext {
			s.Port = 143
		}
	}
	if s.Folder == "" {
		s.Folder = "INBOX"
	}
	if s.MaxMessages <= 0 {
		s.MaxMessages = 50
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return &Source{settings: s, now: time.Now}, nil
}

// Name implements polling.Named.
func (s *Source) Name() string { return Kind }

// Fetch implements polling.Source. Params may override the folder and
// narrow the search with from and subject. go-imap quotes them on the
// wire, so they need no identifier validation.
func (s *Source) Fetch(ctx context.Context, auth polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	if auth.Username == "" || auth.Password == "" {
		return nil, &pwerrors.FetchError{Source: Kind, StatusCode: http.StatusUnauthorized, Message: "no IMAP credentials configured"}
	}

	c, err := s.dial()
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: "connect: " + source.SanitizeErrorMessage(err)}
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer func() {
		stop()
		_ = c.Logout()
	}()

	if err := c.Login(auth.Username, auth.Password); err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, StatusCode: http.StatusUnauthorized, Message: "login failed", Cause: err}
	}

	items, err := s.snapshot(c, params)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return items, err
}

func (s *Source) dial() (*client.Client, error) {
	addr := net.JoinHostPort(s.settings.Host, strconv.Itoa(s.settings.Port))
	var (
		c   *client.Client
		err error
	)
	if s.settings.Plaintext {
		c, err = client.Dial(addr)
	} else {
		c, err = client.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, err
	}
	c.Timeout = s.settings.Timeout
	return c, nil
}

func (s *Source) snapshot(c *client.Client, params polling.Params) ([]polling.Item, error) {
	folder := s.settings.Folder
	if f := params.String("folder"); f != "" {
		folder = f
	}

	mbox, err := c.Select(folder, true)
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, StatusCode: http.StatusNotFound, Message: "select " + folder, Cause: err}
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	uids, err := c.UidSearch(s.criteria(params))
	if err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: "search", Cause: err}
	}
	if len(uids) == 0 {
		return nil, nil
	}
	slices.Sort(uids)
	if len(uids) > s.settings.MaxMessages {
		uids = uids[len(uids)-s.settings.MaxMessages:]
	}

	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []goimap.FetchItem{
			goimap.FetchEnvelope,
			goimap.FetchUid,
			goimap.FetchFlags,
			goimap.FetchInternalDate,
			goimap.FetchRFC822Size,
		}, messages)
	}()

	var items []polling.Item
	for msg := range messages {
		items = append(items, messageToItem(msg, folder, mbox.UidValidity))
	}
	if err := <-done; err != nil {
		return nil, &pwerrors.FetchError{Source: Kind, Message: "fetch", Cause: err}
	}
	return items, nil
}

func (s *Source) criteria(params polling.Params) *goimap.SearchCriteria {
	criteria := goimap.NewSearchCriteria()
	if s.settings.UnseenOnly {
		criteria.WithoutFlags = []string{goimap.SeenFlag}
	}
	if s.settings.Since > 0 {
		criteria.Since = s.now().Add(-s.settings.Since)
	}
	if from := params.String("from"); from != "" {
		criteria.Header.Add("From", from)
	}
	if subject := params.String("subject"); subject != "" {
		criteria.Header.Add("Subject", subject)
	}
	return criteria
}

func messageToItem(msg *goimap.Message, folder string, uidValidity uint32) polling.Item {
	data := map[string]any{
		"uid":          msg.Uid,
		"uid_validity": uidValidity,
		"folder":       folder,
		"flags":        msg.Flags,
		"size":         msg.Size,
	}
	if env := msg.Envelope; env != nil {
		data["subject"] = env.Subject
		data["message_id"] = env.MessageId
		data["from"] = addresses(env.From)
		data["to"] = addresses(env.To)
		data["cc"] = addresses(env.Cc)
		data["bcc"] = addresses(env.Bcc)
		if !env.Date.IsZero() {
			data["date"] = env.Date.UTC().Format(time.RFC3339)
		}
	}
	return polling.Item{
		ID:        strconv.FormatUint(uint64(msg.Uid), 10),
		Timestamp: msg.InternalDate.UTC(),
		Data:      data,
	}
}

func addresses(list []*goimap.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a == nil {
			continue
		}
		addr := a.Address()
		if a.PersonalName != "" {
			addr = a.PersonalName + " <" + addr + ">"
		}
		out = append(out, strings.TrimSpace(addr))
	}
	return out
}
