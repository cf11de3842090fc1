package staging

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
)

// ChunkSize is the read size used by the request-body sources.
const ChunkSize = 32 * 1024

// ErrMalformedMultipart is returned when a multipart body cannot be framed.
var ErrMalformedMultipart = errors.New("malformed multipart body")

// Source yields the chunks of an inbound payload in order. Next returns
// io.EOF after the last chunk. A returned chunk is only valid until the next
// call to Next.
type Source interface {
	Next() ([]byte, error)
}

// RawSource reads a plain request body.
type RawSource struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewRawSource returns a Source over r.
func NewRawSource(r io.Reader) *RawSource {
	return &RawSource{r: r, buf: make([]byte, ChunkSize)}
}

func (s *RawSource) Next() ([]byte, error) {
	if s.eof {
		return nil, io.EOF
	}

	for {
		n, err := s.r.Read(s.buf)
		if errors.Is(err, io.EOF) {
			s.eof = true
			if n > 0 {
				return s.buf[:n], nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if n > 0 {
			return s.buf[:n], nil
		}
	}
}

// MultipartSource reads every part of a multipart body, in arrival order,
// as one continuous sequence of chunks.
type MultipartSource struct {
	body  *bodyReader
	mr    *multipart.Reader
	part  *multipart.Part
	buf   []byte
	parts int
}

// bodyReader remembers the first error of the underlying body so that a
// failed read is not mistaken for bad framing.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// NewMultipartSource returns a Source over the parts of a multipart body
// delimited by boundary.
func NewMultipartSource(body io.Reader, boundary string) *MultipartSource {
	br := &bodyReader{r: body}
	return &MultipartSource{
		body: br,
		mr:   multipart.NewReader(br, boundary),
		buf:  make([]byte, ChunkSize),
	}
}

// Parts reports how many parts have been opened so far.
func (s *MultipartSource) Parts() int {
	return s.parts
}

func (s *MultipartSource) Next() ([]byte, error) {
	for {
		if s.part == nil {
			part, err := s.mr.NextPart()
			// A truncated body is reported as a wrapped io.EOF; only the
			// bare value means the closing boundary was seen.
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, s.fail(err)
			}
			s.part = part
			s.parts++
		}

		n, err := s.part.Read(s.buf)
		if n > 0 {
			// Any error is reported again by the following Read.
			return s.buf[:n], nil
		}
		if errors.Is(err, io.EOF) {
			_ = s.part.Close()
			s.part = nil
			continue
		}
		if err != nil {
			return nil, s.fail(err)
		}
	}
}

func (s *MultipartSource) fail(err error) error {
	if s.body.err != nil {
		return fmt.Errorf("read request body: %w", s.body.err)
	}
	return fmt.Errorf("%w: %w", ErrMalformedMultipart, err)
}
