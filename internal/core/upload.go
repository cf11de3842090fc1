package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"gcsgate/internal/journal"
	"gcsgate/internal/pool"
	"gcsgate/internal/remote"
	"gcsgate/internal/staging"

	"github.com/dustin/go-humanize"
)

const (
	opUpload = "upload"
	opDelete = "delete"
)

// handleUpload stages the request payload, uploads it and removes the
// staged copy again whatever the outcome.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entry := journal.Entry{
		RequestID: RequestIDFrom(ctx),
		Op:        opUpload,
		StartedAt: time.Now(),
	}

	desc, size, err := s.upload(ctx, r, &entry)
	entry.Bytes = size

	var apiErr *APIError
	if err != nil {
		apiErr = asAPIError(err)
		entry.Status = apiErr.Kind.StatusCode()
		entry.ErrorKind = string(apiErr.Kind)
	} else {
		entry.Status = http.StatusOK
	}
	s.metrics.Transfer(opUpload, outcome(apiErr))

	if apiErr != nil {
		writeError(w, r, apiErr)
	} else {
		writeJSON(w, http.StatusOK, desc)
		slog.Info("Uploaded object",
			"request_id", entry.RequestID,
			"bucket", entry.Bucket,
			"name", entry.Object,
			"bytes", size,
			"size", humanize.IBytes(uint64(size)),
		)
	}

	s.record(ctx, entry)
}

func (s *Server) upload(ctx context.Context, r *http.Request, entry *journal.Entry) (*remote.ObjectDescriptor, int64, error) {
	req, err := extractUploadRequest(r.Header)
	if err != nil {
		return nil, 0, err
	}
	entry.Bucket = req.Bucket
	entry.Object = req.Name

	src, err := payloadSource(r)
	if err != nil {
		return nil, 0, err
	}

	staged, err := s.stager.Stage(ctx, req.Name, src)
	if err != nil {
		return nil, 0, stagingError(err)
	}
	defer staged.Release(ctx)

	store, err := s.Config.Connector.Connect(ctx)
	if err != nil {
		return nil, staged.Size, credentialError(err)
	}

	f, err := staged.Open(ctx)
	if err != nil {
		return nil, staged.Size, stagingError(err)
	}
	defer s.closeFile(ctx, f)

	desc, err := store.InsertObject(ctx, remote.InsertRequest{
		Bucket:    req.Bucket,
		Name:      req.Name,
		MediaType: req.MediaType,
	}, f, staged.Size)
	if err != nil {
		return nil, staged.Size, uploadError(err)
	}

	return desc, staged.Size, nil
}

// payloadSource picks the chunk source for the request body: every part of
// a multipart body, or the raw body otherwise.
func payloadSource(r *http.Request) (staging.Source, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return staging.NewRawSource(r.Body), nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, &APIError{
			Kind:    KindMalformedMultipart,
			Message: "Encountered malformed multipart body",
			Err:     fmt.Errorf("%w: no boundary in %s content type", staging.ErrMalformedMultipart, mediaType),
		}
	}
	return staging.NewMultipartSource(r.Body, boundary), nil
}

// closeFile closes a staged file opened for reading.
func (s *Server) closeFile(ctx context.Context, f *os.File) {
	err := pool.Do(context.WithoutCancel(ctx), s.pool, f.Close)
	if errors.Is(err, pool.ErrClosed) {
		err = f.Close()
	}
	if err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("Failed to close staged file", "path", f.Name(), "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode response", "err", err)
		http.Error(w, "IO Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
