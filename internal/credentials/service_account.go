// Package credentials turns configured secrets into authenticators for the
// remote object-storage API.
//
// The canonical service-account encoding is the raw JSON key document as
// issued by the identity provider. Transport encodings (base64 and friends)
// are not accepted here; configuration loading is responsible for handing
// over the plain document.
package credentials

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

const (
	// DefaultTokenURL is used when the key document carries no token_uri.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	// ScopeReadWrite grants object insert and delete.
	ScopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"

	serviceAccountType = "service_account"
)

// ErrInvalidServiceAccount is returned for any secret that cannot be turned
// into a service-account authenticator. Wrapped messages name the offending
// field but never include secret material.
var ErrInvalidServiceAccount = errors.New("invalid service account")

// ServiceAccountKey is the parsed service-account key document.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount parses and validates a raw JSON key document.
func ParseServiceAccount(secret []byte) (*ServiceAccountKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidServiceAccount)
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(secret, &key); err != nil {
		// json errors can quote fragments of the input, so only the type of
		// failure is reported.
		return nil, fmt.Errorf("%w: secret is not a JSON key document (%T)", ErrInvalidServiceAccount, err)
	}

	switch {
	case key.Type != serviceAccountType:
		return nil, fmt.Errorf("%w: unexpected key type %q", ErrInvalidServiceAccount, key.Type)
	case key.ClientEmail == "":
		return nil, fmt.Errorf("%w: missing client_email", ErrInvalidServiceAccount)
	case key.PrivateKey == "":
		return nil, fmt.Errorf("%w: missing private_key", ErrInvalidServiceAccount)
	}

	if err := validatePrivateKey(key.PrivateKey); err != nil {
		return nil, err
	}

	if key.TokenURI == "" {
		key.TokenURI = DefaultTokenURL
	}

	return &key, nil
}

func validatePrivateKey(material string) error {
	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return fmt.Errorf("%w: private_key is not PEM encoded", ErrInvalidServiceAccount)
	}

	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return nil
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return nil
	}

	return fmt.Errorf("%w: private_key is not an RSA key", ErrInvalidServiceAccount)
}

// TokenSource returns a token source that signs JWT assertions with the key
// and exchanges them at the key's token endpoint. ctx carries the HTTP
// client used for the exchange (see oauth2.HTTPClient).
func (k *ServiceAccountKey) TokenSource(ctx context.Context, scopes ...string) oauth2.TokenSource {
	if len(scopes) == 0 {
		scopes = []string{ScopeReadWrite}
	}

	cfg := &jwt.Config{
		Email:        k.ClientEmail,
		PrivateKey:   []byte(k.PrivateKey),
		PrivateKeyID: k.PrivateKeyID,
		Scopes:       scopes,
		TokenURL:     k.TokenURI,
	}

	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
}

// String never includes key material.
func (k *ServiceAccountKey) String() string {
	return fmt.Sprintf("service_account(%s)", k.ClientEmail)
}

// LogValue keeps the private key out of structured logs.
func (k *ServiceAccountKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_email", k.ClientEmail),
		slog.String("private_key_id", k.PrivateKeyID),
	)
}
