package remote

import (
	"context"
	"fmt"
	"net/http"

	"gcsgate/internal/credentials"

	"golang.org/x/oauth2"
)

// JSONConnector authenticates JSONStore calls with a service account.
//
// The key document is parsed again on every Connect: nothing derived from
// the secret outlives a request.
type JSONConnector struct {
	secret    []byte
	endpoints Endpoints
	scopes    []string
	base      *http.Client
}

// JSONOption configures a JSONConnector.
type JSONOption func(*JSONConnector)

// WithEndpoints overrides the JSON API roots.
func WithEndpoints(e Endpoints) JSONOption {
	return func(c *JSONConnector) {
		c.endpoints = e
	}
}

// WithScopes overrides the OAuth2 scopes requested for the token.
func WithScopes(scopes ...string) JSONOption {
	return func(c *JSONConnector) {
		c.scopes = scopes
	}
}

// WithHTTPClient sets the client used for token exchanges and as the base
// transport for API calls.
func WithHTTPClient(client *http.Client) JSONOption {
	return func(c *JSONConnector) {
		c.base = client
	}
}

// NewJSONConnector returns a connector for the raw JSON service-account
// document secret. The slice is copied.
func NewJSONConnector(secret []byte, opts ...JSONOption) *JSONConnector {
	c := &JSONConnector{
		secret: append([]byte(nil), secret...),
		base:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect parses the service account, obtains an access token, and returns
// a store whose requests carry it. Any failure wraps ErrCredentials.
func (c *JSONConnector) Connect(ctx context.Context) (Store, error) {
	key, err := credentials.ParseServiceAccount(c.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.base)
	ts := key.TokenSource(tokenCtx, c.scopes...)

	// Fetch eagerly so an unusable key or unreachable token endpoint is
	// reported as a credential failure rather than as a failed upload.
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("%w: token exchange for %s: %w", ErrCredentials, key.ClientEmail, err)
	}

	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   c.base.Transport,
		},
	}

	return NewJSONStore(client, c.endpoints), nil
}
