package core

import (
	"net/http"
)

// Handler returns the gateway's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload_object", s.handleUpload)
	mux.HandleFunc("POST /delete_object", s.handleDelete)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Add middleware
	handler := Recoverer(mux)
	handler = LogRequest(handler)
	handler = s.metrics.Middleware(handler)
	handler = RequestID(handler)
	return handler
}

// handleHealth reports whether the working directory is usable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ensureWorkDir(r.Context()); err != nil {
		writeError(w, r, stagingError(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
