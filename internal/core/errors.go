package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"gcsgate/internal/pool"
	"gcsgate/internal/remote"
	"gcsgate/internal/staging"
)

// ErrorKind is the closed set of failures the gateway reports.
type ErrorKind string

const (
	KindMissingHeader          ErrorKind = "MissingHeader"
	KindMimeTypeParsing        ErrorKind = "MimeTypeParsingError"
	KindMissingFilename        ErrorKind = "MissingFilename"
	KindMalformedRequestBody   ErrorKind = "MalformedRequestBody"
	KindIO                     ErrorKind = "IoError"
	KindServiceAccountNotFound ErrorKind = "ServiceAccountNotFound"
	KindUploadObject           ErrorKind = "UploadObjectError"
	KindNotSuccessResponse     ErrorKind = "NotSuccessResponse"
	KindDeleteObjectFailed     ErrorKind = "DeleteObjectFailed"
	KindBlockingCanceled       ErrorKind = "BlockingCanceled"
	KindMalformedMultipart     ErrorKind = "MalformedMultipartFraming"
)

// StatusCode returns the HTTP status reported for the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindMissingHeader, KindMimeTypeParsing, KindMissingFilename, KindMalformedRequestBody:
		return http.StatusBadRequest
	case KindBlockingCanceled:
		return http.StatusServiceUnavailable
	case KindMalformedMultipart:
		return http.StatusNotAcceptable
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a classified failure. Message is sent to the caller; Err is
// only logged.
type APIError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func errMissingHeader(field string) *APIError {
	return &APIError{
		Kind:    KindMissingHeader,
		Message: fmt.Sprintf("Missing header key [%q] from request", field),
	}
}

func errMissingFilename(name string, err error) *APIError {
	return &APIError{
		Kind:    KindMissingFilename,
		Message: fmt.Sprintf("Failed to find filename by [%q]", name),
		Err:     err,
	}
}

func errMalformedBody(detail string, err error) *APIError {
	return &APIError{
		Kind:    KindMalformedRequestBody,
		Message: "Malformed request body: " + detail,
		Err:     err,
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, pool.ErrCanceled) ||
		errors.Is(err, pool.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// stagingError classifies failures of the local staging steps.
func stagingError(err error) *APIError {
	switch {
	case errors.Is(err, staging.ErrMissingFilename):
		return &APIError{Kind: KindMissingFilename, Message: "Failed to find filename", Err: err}
	case errors.Is(err, staging.ErrMalformedMultipart):
		return &APIError{Kind: KindMalformedMultipart, Message: "Encountered malformed multipart body", Err: err}
	case isCanceled(err):
		return &APIError{Kind: KindBlockingCanceled, Message: "Blocking file system task was canceled", Err: err}
	default:
		return &APIError{Kind: KindIO, Message: "IO Error", Err: err}
	}
}

// credentialError classifies a failed Connect. The wrapped error never
// carries key material, but only its outline is logged anyway.
func credentialError(err error) *APIError {
	return &APIError{Kind: KindServiceAccountNotFound, Message: "Service account not found", Err: err}
}

// uploadError classifies a failed insert.
func uploadError(err error) *APIError {
	var rejected *remote.RejectedError
	switch {
	case errors.Is(err, remote.ErrInvalidMediaType):
		return &APIError{Kind: KindMimeTypeParsing, Message: "Failed to parse mime-type value", Err: err}
	case errors.As(err, &rejected):
		return &APIError{
			Kind:    KindNotSuccessResponse,
			Message: fmt.Sprintf("Object storage response is not in 200 ..< 300: status %d: %s", rejected.StatusCode, rejected.Body),
			Err:     err,
		}
	default:
		return &APIError{Kind: KindUploadObject, Message: "Failed to upload object", Err: err}
	}
}

// deleteError classifies a failed delete. Rejections carry the same detail
// as upload rejections.
func deleteError(err error) *APIError {
	var rejected *remote.RejectedError
	if errors.As(err, &rejected) {
		return &APIError{
			Kind:    KindDeleteObjectFailed,
			Message: fmt.Sprintf("Can't delete object: status %d: %s", rejected.StatusCode, rejected.Body),
			Err:     err,
		}
	}
	return &APIError{Kind: KindDeleteObjectFailed, Message: "Can't delete object", Err: err}
}

// asAPIError returns err as an *APIError, classifying unknown errors as
// I/O failures.
func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Kind: KindIO, Message: "IO Error", Err: err}
}

// writeError logs apiErr and writes its plain-text response.
func writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	status := apiErr.Kind.StatusCode()

	attrs := []any{
		"request_id", RequestIDFrom(r.Context()),
		"kind", string(apiErr.Kind),
		"status", status,
		"err", apiErr.Error(),
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Warn("Request rejected", attrs...)
	}

	http.Error(w, apiErr.Message, status)
}
