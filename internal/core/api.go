package core

// Request headers read by the upload endpoint.
const (
	HeaderName     = "Name"
	HeaderBucket   = "Bucket"
	HeaderMimeType = "Mime-Type"

	HeaderRequestID = "X-Request-Id"
)

// DeleteObjectRequest is the JSON body of POST /delete_object.
type DeleteObjectRequest struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

// UploadRequest is the validated metadata of an upload.
type UploadRequest struct {
	// Name is the object name as requested; the staged file only uses its
	// sanitized base name.
	Name      string
	Bucket    string
	MediaType string
}
