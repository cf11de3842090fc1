package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gcsgate/internal/journal"
)

// maxDeleteBody bounds the JSON body of a delete request.
const maxDeleteBody = 64 * 1024

// handleDelete forwards a delete to the object store. Nothing is staged.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entry := journal.Entry{
		RequestID: RequestIDFrom(ctx),
		Op:        opDelete,
		StartedAt: time.Now(),
	}

	err := s.delete(ctx, r, &entry)

	var apiErr *APIError
	if err != nil {
		apiErr = asAPIError(err)
		entry.Status = apiErr.Kind.StatusCode()
		entry.ErrorKind = string(apiErr.Kind)
	} else {
		entry.Status = http.StatusNoContent
	}
	s.metrics.Transfer(opDelete, outcome(apiErr))

	if apiErr != nil {
		writeError(w, r, apiErr)
	} else {
		w.WriteHeader(http.StatusNoContent)
		slog.Info("Deleted object", "request_id", entry.RequestID, "bucket", entry.Bucket, "name", entry.Object)
	}

	s.record(ctx, entry)
}

func (s *Server) delete(ctx context.Context, r *http.Request, entry *journal.Entry) error {
	req, err := decodeDeleteRequest(r.Body)
	if err != nil {
		return err
	}
	entry.Bucket = req.Bucket
	entry.Object = req.Object

	store, err := s.Config.Connector.Connect(ctx)
	if err != nil {
		return credentialError(err)
	}

	if err := store.DeleteObject(ctx, req.Bucket, req.Object); err != nil {
		return deleteError(err)
	}
	return nil
}

func decodeDeleteRequest(body io.Reader) (DeleteObjectRequest, error) {
	var req DeleteObjectRequest

	dec := json.NewDecoder(io.LimitReader(body, maxDeleteBody))
	if err := dec.Decode(&req); err != nil {
		return DeleteObjectRequest{}, errMalformedBody("expected {\"bucket\": string, \"object\": string}", err)
	}

	req.Bucket = strings.TrimSpace(req.Bucket)
	if req.Bucket == "" {
		return DeleteObjectRequest{}, errMalformedBody("missing field bucket", nil)
	}
	if req.Object == "" {
		return DeleteObjectRequest{}, errMalformedBody("missing field object", nil)
	}

	return req, nil
}
