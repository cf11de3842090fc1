package remote_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gcsgate/internal/remote"
	"gcsgate/internal/testutil"

	"github.com/stretchr/testify/require"
)

type jsonFixture struct {
	tokens    *testutil.TokenServer
	store     *testutil.FakeObjectStore
	connector *remote.JSONConnector
}

func newJSONFixture(t *testing.T) *jsonFixture {
	t.Helper()

	tokens := testutil.NewTokenServer(t)
	store := testutil.NewFakeObjectStore(t)
	secret := testutil.ServiceAccountJSON(t, tokens.URL)

	return &jsonFixture{
		tokens: tokens,
		store:  store,
		connector: remote.NewJSONConnector(secret, remote.WithEndpoints(remote.Endpoints{
			APIBase:    store.APIBase(),
			UploadBase: store.UploadBase(),
		})),
	}
}

func (f *jsonFixture) connect(t *testing.T) remote.Store {
	t.Helper()
	store, err := f.connector.Connect(t.Context())
	require.NoError(t, err, "Connect")
	return store
}

func TestJSONStoreInsertObject(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)

	payload := []byte("hello object storage")
	desc, err := store.InsertObject(t.Context(), remote.InsertRequest{
		Bucket:    "media",
		Name:      "docs/readme.txt",
		MediaType: "text/plain",
	}, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	require.Equal(t, "docs/readme.txt", desc.Name)
	require.Equal(t, "media", desc.Bucket)
	require.Equal(t, "1", desc.Generation)
	require.NotEmpty(t, desc.Raw)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(desc.Raw, &raw))
	require.Equal(t, "storage#object", raw["kind"])

	obj, ok := f.store.Object("media", "docs/readme.txt")
	require.True(t, ok)
	require.Equal(t, payload, obj.Data)
	require.Equal(t, "text/plain", obj.ContentType)
}

func TestJSONStoreInsertEmptyObject(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)

	_, err := store.InsertObject(t.Context(), remote.InsertRequest{
		Bucket: "media", Name: "empty", MediaType: "application/octet-stream",
	}, bytes.NewReader(nil), 0)
	require.NoError(t, err)

	obj, ok := f.store.Object("media", "empty")
	require.True(t, ok)
	require.Empty(t, obj.Data)
}

func TestJSONStoreInsertSuccessWithoutDescriptor(t *testing.T) {
	t.Parallel()

	for name, respond := range map[string]func(http.ResponseWriter){
		"no content": func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
		"empty ok":   func(w http.ResponseWriter) { w.WriteHeader(http.StatusOK) },
		"plain text": func(w http.ResponseWriter) { _, _ = io.WriteString(w, "OK") },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				respond(w)
			}))
			t.Cleanup(srv.Close)

			store := remote.NewJSONStore(srv.Client(), remote.Endpoints{APIBase: srv.URL, UploadBase: srv.URL})

			payload := []byte("stored behind a proxy")
			desc, err := store.InsertObject(t.Context(), remote.InsertRequest{
				Bucket:    "media",
				Name:      "docs/proxied.txt",
				MediaType: "text/plain",
			}, bytes.NewReader(payload), int64(len(payload)))
			require.NoError(t, err)

			require.Equal(t, "docs/proxied.txt", desc.Name)
			require.Equal(t, "media", desc.Bucket)
			require.Equal(t, "text/plain", desc.ContentType)
			require.Equal(t, "21", desc.Size)
			require.Empty(t, desc.Raw)

			out, err := json.Marshal(desc)
			require.NoError(t, err)
			require.JSONEq(t, `{"kind":"storage#object","name":"docs/proxied.txt","bucket":"media","contentType":"text/plain","size":"21"}`, string(out))
		})
	}
}

func TestJSONStoreInsertRejected(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)
	f.store.FailStatus.Store(http.StatusForbidden)

	_, err := store.InsertObject(t.Context(), remote.InsertRequest{
		Bucket: "media", Name: "a.txt", MediaType: "text/plain",
	}, bytes.NewReader([]byte("x")), 1)

	var rejected *remote.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusForbidden, rejected.StatusCode)
	require.Contains(t, rejected.Body, "injected failure")
}

func TestJSONStoreInsertInvalidMediaTypeMakesNoCall(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)

	_, err := store.InsertObject(t.Context(), remote.InsertRequest{
		Bucket: "media", Name: "a.txt", MediaType: "garbage",
	}, bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, remote.ErrInvalidMediaType)
	require.Zero(t, f.store.Inserts.Load())
}

func TestJSONStoreTransportFailure(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)
	f.store.Close()

	_, err := store.InsertObject(t.Context(), remote.InsertRequest{
		Bucket: "media", Name: "a.txt", MediaType: "text/plain",
	}, bytes.NewReader([]byte("x")), 1)

	var transport *remote.TransportError
	require.ErrorAs(t, err, &transport)

	err = store.DeleteObject(t.Context(), "media", "a.txt")
	require.ErrorAs(t, err, &transport)
}

func TestJSONStoreDeleteObject(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	f.store.Put("media", "nested/path/a.txt", []byte("x"))
	store := f.connect(t)

	require.NoError(t, store.DeleteObject(t.Context(), "media", "nested/path/a.txt"))
	_, ok := f.store.Object("media", "nested/path/a.txt")
	require.False(t, ok)
}

func TestJSONStoreDeleteMissingObject(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	store := f.connect(t)

	err := store.DeleteObject(t.Context(), "nope", "missing.txt")

	var rejected *remote.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusNotFound, rejected.StatusCode)
	require.Contains(t, rejected.Body, "No such object")
}

func TestJSONConnectorRejectsBadSecret(t *testing.T) {
	t.Parallel()

	connector := remote.NewJSONConnector([]byte(`{"type":"service_account"}`))
	_, err := connector.Connect(t.Context())
	require.ErrorIs(t, err, remote.ErrCredentials)
}

func TestJSONConnectorTokenEndpointFailure(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	f.tokens.Status.Store(http.StatusUnauthorized)

	_, err := f.connector.Connect(t.Context())
	require.ErrorIs(t, err, remote.ErrCredentials)
	require.NotContains(t, err.Error(), "PRIVATE KEY")
}

func TestJSONConnectorCanceledContext(t *testing.T) {
	t.Parallel()

	f := newJSONFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.connector.Connect(ctx)
	require.ErrorIs(t, err, remote.ErrCredentials)
}
