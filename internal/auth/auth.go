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

// Package auth turns the `auth:` block of a trigger registration into the
// polling.AuthContext handed to sources.
//
// Credential fields accept three forms:
//
//	token: secret:pagerduty/token   # env POLLWATCH_SECRET_*, then the OS keychain
//	token: env:PAGERDUTY_TOKEN      # a plain environment variable
//	token: literal-value            # discouraged outside tests
package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Auth types.
const (
	TypeNone   = "none"
	TypeToken  = "token"
	TypeBasic  = "basic"
	TypeOAuth2 = "oauth2"
)

// Spec is the `auth:` block of a registration.
type Spec struct {
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	Token string `yaml:"token,omitempty" json:"-"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`

	// OAuth2 client credentials.
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"-"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// Values are extra source-specific credentials, resolved like Token.
	Values map[string]string `yaml:"values,omitempty" json:"-"`
}

// Validate checks that the fields required by Type are present.
func (s Spec) Validate() error {
	missing := func(field string) error {
		return &pwerrors.ValidationError{Field: "auth." + field, Message: field + " is required for " + s.Type + " auth"}
	}
	switch s.Type {
	case "", TypeNone:
	case TypeToken:
		if s.Token == "" {
			return missing("token")
		}
	case TypeBasic:
		if s.Username == "" {
			return missing("username")
		}
		if s.Password == "" {
			return missing("password")
		}
	case TypeOAuth2:
		if s.ClientID == "" {
			return missing("client_id")
		}
		if s.ClientSecret == "" {
			return missing("client_secret")
		}
		if s.TokenURL == "" {
			return missing("token_url")
		}
	default:
		return &pwerrors.ValidationError{
			Field:      "auth.type",
			Message:    fmt.Sprintf("unknown auth type %q", s.Type),
			Suggestion: "use none, token, basic or oauth2",
		}
	}
	return nil
}

// SecretGetter looks secrets up by key. *secrets.Resolver implements it.
type SecretGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

// Resolver resolves Specs. OAuth2 token sources are cached per trigger so
// tokens are reused until they expire.
type Resolver struct {
	secrets SecretGetter
	http    httpclient.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewResolver returns a Resolver. secrets may be nil when no registration
// uses secret: references.
func NewResolver(secrets SecretGetter, httpCfg httpclient.Config) *Resolver {
	return &Resolver{secrets: secrets, http: httpCfg, sources: make(map[string]oauth2.TokenSource)}
}

// Resolve builds the AuthContext for trigger. Failures to obtain a token
// are reported as 401 FetchErrors so they count as auth failures.
func (r *Resolver) Resolve(ctx context.Context, trigger string, spec Spec) (polling.AuthContext, error) {
	if err := spec.Validate(); err != nil {
		return polling.AuthContext{}, err
	}

	var (
		out polling.AuthContext
		err error
	)
	if out.Token, err = r.value(ctx, spec.Token); err != nil {
		return out, err
	}
	if out.Username, err = r.value(ctx, spec.Username); err != nil {
		return out, err
	}
	if out.Password, err = r.value(ctx, spec.Password); err != nil {
		return out, err
	}
	if len(spec.Values) > 0 {
		out.Values = make(map[string]string, len(spec.Values))
		for k, ref := range spec.Values {
			if out.Values[k], err = r.value(ctx, ref); err != nil {
				return out, err
			}
		}
	}

	if spec.Type == TypeOAuth2 {
		client, err := r.oauth2Client(ctx, trigger, spec)
		if err != nil {
			return polling.AuthContext{}, err
		}
		out.HTTPClient = client
	}
	return out, nil
}

// Forget drops the cached token source for trigger.
func (r *Resolver) Forget(trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.sources {
		if strings.HasPrefix(k, trigger+"|") {
			delete(r.sources, k)
		}
	}
}

func (r *Resolver) value(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", authFailure(fmt.Sprintf("environment variable %s is not set", name), nil)
		}
		return v, nil
	case strings.HasPrefix(ref, "secret:"):
		if r.secrets == nil {
			return "", authFailure("no secret store configured", nil)
		}
		v, err := r.secrets.Get(ctx, strings.TrimPrefix(ref, "secret:"))
		if err != nil {
			return "", authFailure("resolve secret", err)
		}
		return v, nil
	}
	return ref, nil
}

func (r *Resolver) oauth2Client(ctx context.Context, trigger string, spec Spec) (*http.Client, error) {
	secret, err := r.value(ctx, spec.ClientSecret)
	if err != nil {
		return nil, err
	}
	clientID, err := r.value(ctx, spec.ClientID)
	if err != nil {
		return nil, err
	}

	key := trigger + "|" + clientID + "|" + spec.TokenURL
	r.mu.Lock()
	ts, ok := r.sources[key]
	if !ok {
		base, err := httpclient.New(r.http)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: secret,
			TokenURL:     spec.TokenURL,
			Scopes:       spec.Scopes,
		}
		// The token source outlives this call, so it gets its own context.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts = cc.TokenSource(tokenCtx)
		r.sources[key] = ts
	}
	r.mu.Unlock()

	if _, err := ts.Token(); err != nil {
		r.Forget(trigger)
		return nil, tokenError(err)
	}

	return &http.Client{
		Transport: httpclient.Wrap(&oauth2.Transport{Source: ts, Base: http.DefaultTransport}, r.http),
		Timeout:   r.http.Timeout,
	}, nil
}

func tokenError(err error) error {
	ferr := &pwerrors.FetchError{Source: "oauth2", StatusCode: http.StatusUnauthorized, Message: "token request failed", Cause: err}
	var rerr *oauth2.RetrieveError
	if pwerrors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode >= 500 {
		ferr.StatusCode = rerr.Response.StatusCode
	}
	return ferr
}

func authFailure(msg string, cause error) error {
	return &pwerrors.FetchError{Source: "auth", StatusCode: http.StatusUnauthorized, Message: msg, Cause: cause}
}
