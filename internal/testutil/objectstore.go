package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// StoredObject is an object held by FakeObjectStore.
type StoredObject struct {
	Bucket      string
	Name        string
	ContentType string
	Data        []byte
	Generation  int64
}

// FakeObjectStore is an in-memory implementation of the JSON object API
// subset the gateway uses: media uploads and deletes.
type FakeObjectStore struct {
	*httptest.Server

	// FailStatus, when non-zero, makes every call fail with that status.
	FailStatus atomic.Int32

	Inserts atomic.Int32
	Deletes atomic.Int32

	mu           sync.Mutex
	objects      map[string]StoredObject
	gen          int64
	beforeInsert func(r *http.Request)
}

// NewFakeObjectStore starts the fake; it is closed with the test.
func NewFakeObjectStore(t *testing.T) *FakeObjectStore {
	t.Helper()

	f := &FakeObjectStore{objects: make(map[string]StoredObject)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/storage/v1/b/{bucket}/o", f.handleInsert)
	mux.HandleFunc("DELETE /storage/v1/b/{bucket}/o/{object...}", f.handleDelete)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

// APIBase is the base URL for metadata and delete calls.
func (f *FakeObjectStore) APIBase() string {
	return f.URL + "/storage/v1"
}

// UploadBase is the base URL for media uploads.
func (f *FakeObjectStore) UploadBase() string {
	return f.URL + "/upload/storage/v1"
}

// BeforeInsert installs a hook that runs before an upload body is read. It
// may block to hold the upload open.
func (f *FakeObjectStore) BeforeInsert(fn func(r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeInsert = fn
}

// Put seeds an object.
func (f *FakeObjectStore) Put(bucket, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.objects[bucket+"/"+name] = StoredObject{Bucket: bucket, Name: name, Data: data, Generation: f.gen}
}

// Object returns a stored object.
func (f *FakeObjectStore) Object(bucket, name string) (StoredObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+name]
	return obj, ok
}

func (f *FakeObjectStore) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+AccessToken {
		writeJSONError(w, http.StatusUnauthorized, "Anonymous caller does not have storage.objects.create access.")
		return false
	}
	if status := f.FailStatus.Load(); status != 0 {
		writeJSONError(w, int(status), "injected failure")
		return false
	}
	return true
}

func (f *FakeObjectStore) handleInsert(w http.ResponseWriter, r *http.Request) {
	f.Inserts.Add(1)

	f.mu.Lock()
	hook := f.beforeInsert
	f.mu.Unlock()
	if hook != nil {
		hook(r)
	}

	if !f.authorized(w, r) {
		return
	}

	if r.URL.Query().Get("uploadType") != "media" {
		writeJSONError(w, http.StatusBadRequest, "unsupported uploadType")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "Required parameter: name")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	bucket := r.PathValue("bucket")

	f.mu.Lock()
	f.gen++
	obj := StoredObject{
		Bucket:      bucket,
		Name:        name,
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
		Generation:  f.gen,
	}
	f.objects[bucket+"/"+name] = obj
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind":        "storage#object",
		"id":          fmt.Sprintf("%s/%s/%d", bucket, name, obj.Generation),
		"name":        name,
		"bucket":      bucket,
		"generation":  strconv.FormatInt(obj.Generation, 10),
		"contentType": obj.ContentType,
		"size":        strconv.Itoa(len(data)),
	})
}

func (f *FakeObjectStore) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.Deletes.Add(1)

	if !f.authorized(w, r) {
		return
	}

	key := r.PathValue("bucket") + "/" + r.PathValue("object")

	f.mu.Lock()
	_, ok := f.objects[key]
	delete(f.objects, key)
	f.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "No such object: "+key)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}
