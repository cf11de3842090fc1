// Package remote talks to the object-storage service: inserting a staged
// payload as an object and deleting objects.
//
// Every call resolves to one of three outcomes: a result (success), a
// *RejectedError when the service answered with a non-2xx status, or a
// *TransportError when no answer was obtained.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// maxErrorBody bounds how much of a rejection body is kept for diagnostics.
const maxErrorBody = 4 * 1024

var (
	// ErrCredentials is returned by Connect when no authenticated store can
	// be built from the configured secret.
	ErrCredentials = errors.New("credentials unavailable")

	// ErrInvalidMediaType is returned for a Mime-Type that is not a
	// well-formed type/subtype media type.
	ErrInvalidMediaType = errors.New("invalid media type")
)

// InsertRequest names the object created by InsertObject.
type InsertRequest struct {
	Bucket    string
	Name      string
	MediaType string
}

// ObjectDescriptor is the metadata the service returns for a stored object.
// When the service returned a JSON document it is kept in Raw and passed on
// to callers verbatim.
type ObjectDescriptor struct {
	Kind        string `json:"kind,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        string `json:"size,omitempty"`
	ETag        string `json:"etag,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON returns Raw when present.
func (d ObjectDescriptor) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	type plain ObjectDescriptor
	return json.Marshal(plain(d))
}

// Store is an authenticated object-storage client.
type Store interface {
	// InsertObject uploads size bytes read from body as a new object.
	InsertObject(ctx context.Context, req InsertRequest, body io.Reader, size int64) (*ObjectDescriptor, error)

	// DeleteObject removes an object.
	DeleteObject(ctx context.Context, bucket, object string) error
}

// Connector derives credentials and returns a Store authenticated with
// them. It is called once per request; implementations hold only immutable
// configuration and are safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context) (Store, error)
}

// RejectedError is a non-2xx answer from the service.
type RejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: object storage responded with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: object storage responded with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// TransportError is a failure to obtain any answer from the service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseMediaType validates a declared MIME type and returns it in canonical
// form.
func ParseMediaType(v string) (string, error) {
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidMediaType, v, err)
	}

	typ, sub, ok := strings.Cut(mt, "/")
	if !ok || typ == "" || sub == "" {
		return "", fmt.Errorf("%w: %q is not of the form type/subtype", ErrInvalidMediaType, v)
	}

	return mime.FormatMediaType(mt, params), nil
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
