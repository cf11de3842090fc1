// Package testutil holds fakes shared by package tests: service-account key
// documents, a token endpoint, and an in-memory object-storage JSON API.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// AccessToken is the bearer token handed out by TokenServer.
const AccessToken = "test-access-token"

// ServiceAccountJSON returns a freshly generated service-account key
// document whose token_uri points at tokenURL.
func ServiceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generating RSA key")

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err, "marshalling RSA key")

	doc := map[string]string{
		"type":           "service_account",
		"project_id":     "test-project",
		"private_key_id": "test-key-id",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "gateway@test-project.iam.gserviceaccount.com",
		"client_id":      "1234567890",
		"token_uri":      tokenURL,
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err, "encoding key document")
	return raw
}

// TokenServer is a fake OAuth2 token endpoint.
type TokenServer struct {
	*httptest.Server

	// Requests counts token exchanges.
	Requests atomic.Int32
	// Status, when non-zero, makes every exchange fail with that status.
	Status atomic.Int32
}

// NewTokenServer starts a token endpoint that is closed with the test.
func NewTokenServer(t *testing.T) *TokenServer {
	t.Helper()

	ts := &TokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.Requests.Add(1)

		if status := ts.Status.Load(); status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(int(status))
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		if err := r.ParseForm(); err != nil || r.PostForm.Get("assertion") == "" {
			http.Error(w, "missing assertion", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": AccessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(ts.Close)

	return ts
}
