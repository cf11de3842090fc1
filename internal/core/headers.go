package core

import (
	"net/http"
	"strings"

	"gcsgate/internal/remote"
	"gcsgate/internal/staging"
)

// extractUploadRequest validates the upload headers. It performs no I/O so a
// malformed request never reaches the disk or the object store.
func extractUploadRequest(h http.Header) (UploadRequest, error) {
	var req UploadRequest

	for _, field := range []struct {
		name string
		dst  *string
	}{
		{HeaderName, &req.Name},
		{HeaderBucket, &req.Bucket},
		{HeaderMimeType, &req.MediaType},
	} {
		value := strings.TrimSpace(h.Get(field.name))
		if value == "" {
			return UploadRequest{}, errMissingHeader(field.name)
		}
		*field.dst = value
	}

	mediaType, err := remote.ParseMediaType(req.MediaType)
	if err != nil {
		return UploadRequest{}, &APIError{Kind: KindMimeTypeParsing, Message: "Failed to parse mime-type value", Err: err}
	}
	req.MediaType = mediaType

	if _, err := staging.SanitizeName(req.Name); err != nil {
		return UploadRequest{}, errMissingFilename(req.Name, err)
	}

	return req, nil
}
