package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultAPIBase is the JSON API root used for deletes.
	DefaultAPIBase = "https://storage.googleapis.com/storage/v1"
	// DefaultUploadBase is the JSON API root used for media uploads.
	DefaultUploadBase = "https://storage.googleapis.com/upload/storage/v1"

	maxDescriptorBytes = 1 << 20
)

// Endpoints are the JSON API roots. Zero values select the public service.
type Endpoints struct {
	APIBase    string
	UploadBase string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.APIBase == "" {
		e.APIBase = DefaultAPIBase
	}
	if e.UploadBase == "" {
		e.UploadBase = DefaultUploadBase
	}
	e.APIBase = strings.TrimRight(e.APIBase, "/")
	e.UploadBase = strings.TrimRight(e.UploadBase, "/")
	return e
}

// JSONStore is a Store for the JSON object API. The HTTP client is expected
// to attach credentials (see JSONConnector).
type JSONStore struct {
	client    *http.Client
	endpoints Endpoints
}

// NewJSONStore returns a JSONStore using client for every call.
func NewJSONStore(client *http.Client, endpoints Endpoints) *JSONStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONStore{client: client, endpoints: endpoints.withDefaults()}
}

func (s *JSONStore) InsertObject(ctx context.Context, req InsertRequest, body io.Reader, size int64) (*ObjectDescriptor, error) {
	const op = "insert object"

	if _, err := ParseMediaType(req.MediaType); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("uploadType", "media")
	query.Set("name", req.Name)
	endpoint := fmt.Sprintf("%s/b/%s/o?%s", s.endpoints.UploadBase, url.PathEscape(req.Bucket), query.Encode())

	if size == 0 {
		body = http.NoBody
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.ContentLength = size
	httpReq.Header.Set("Content-Type", req.MediaType)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(data)}
	}

	// Any 2xx means the object was stored. Proxies in front of the API may
	// answer without the descriptor, so one is built from the request.
	var desc ObjectDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return &ObjectDescriptor{
			Kind:        "storage#object",
			Name:        req.Name,
			Bucket:      req.Bucket,
			ContentType: req.MediaType,
			Size:        strconv.FormatInt(size, 10),
		}, nil
	}
	desc.Raw = json.RawMessage(data)

	return &desc, nil
}

func (s *JSONStore) DeleteObject(ctx context.Context, bucket, object string) error {
	const op = "delete object"

	endpoint := fmt.Sprintf("%s/b/%s/o/%s", s.endpoints.APIBase, url.PathEscape(bucket), url.PathEscape(object))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(data)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
