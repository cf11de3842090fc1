// Package staging writes inbound upload payloads to a working directory and
// guarantees the staged copy is removed again.
//
// All file system calls go through a bounded worker pool. A staged file's
// handle is owned by exactly one write job at a time: each job receives the
// handle, writes one chunk, and hands the handle back for the next job.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gcsgate/internal/pool"

	"github.com/dustin/go-humanize"
)

// Observer receives staging events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Staged(bytes int64)
	CleanupFailed()
}

type nopObserver struct{}

func (nopObserver) Staged(int64)   {}
func (nopObserver) CleanupFailed() {}

// Stager stages payloads inside a single working directory.
type Stager struct {
	dir      string
	pool     *pool.Pool
	locks    *pathLocks
	observer Observer
}

// Option configures a Stager.
type Option func(*Stager)

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(s *Stager) {
		if o != nil {
			s.observer = o
		}
	}
}

// New returns a Stager rooted at dir, creating the directory if needed.
func New(dir string, p *pool.Pool, opts ...Option) (*Stager, error) {
	if dir == "" {
		return nil, errors.New("staging directory must not be empty")
	}
	if p == nil {
		return nil, errors.New("worker pool must not be nil")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	s := &Stager{
		dir:      abs,
		pool:     p,
		locks:    newPathLocks(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute working directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Path returns the local path a payload named name is staged at.
func (s *Stager) Path(name string) (string, error) {
	base, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, base), nil
}

// Stage writes every chunk of src to the staged path for name.
//
// Uploads that map to the same path are serialized: Stage blocks until the
// previous StagedFile for that path has been released, or ctx ends. On
// success the caller owns the returned StagedFile and must call Release. On
// failure nothing is left on disk.
func (s *Stager) Stage(ctx context.Context, name string, src Source) (*StagedFile, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.lock(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("wait for staged path: %w", err)
	}

	f, err := pool.Run(ctx, s.pool, func() (*os.File, error) {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	staged := &StagedFile{Path: path, stager: s, unlock: unlock}

	for {
		chunk, err := src.Next()
		if err == io.EOF { // sources return io.EOF unwrapped at the end only
			break
		}
		if err != nil {
			return nil, s.abort(ctx, staged, f, err)
		}

		next, err := pool.Run(ctx, s.pool, writeChunk(f, chunk))
		if err != nil {
			return nil, s.abort(ctx, staged, f, fmt.Errorf("write staged file: %w", err))
		}
		f = next
		staged.Size += int64(len(chunk))
	}

	if err := pool.Do(ctx, s.pool, f.Close); err != nil {
		return nil, s.abort(ctx, staged, f, fmt.Errorf("close staged file: %w", err))
	}

	s.observer.Staged(staged.Size)
	slog.Debug("Staged upload", "path", path, "bytes", staged.Size, "size", humanize.IBytes(uint64(staged.Size)))

	return staged, nil
}

// writeChunk is one step of the handle handoff: the job owns f while it
// writes and returns it to the caller for the next chunk.
func writeChunk(f *os.File, chunk []byte) func() (*os.File, error) {
	return func() (*os.File, error) {
		if _, err := f.Write(chunk); err != nil {
			return nil, err
		}
		return f, nil
	}
}

// abort closes and removes a partially staged file and returns cause.
func (s *Stager) abort(ctx context.Context, staged *StagedFile, f *os.File, cause error) error {
	_ = s.blocking(context.WithoutCancel(ctx), func() error {
		_ = f.Close()
		return nil
	})
	if err := staged.Release(ctx); err != nil {
		slog.Warn("Failed to remove partially staged file", "path", staged.Path, "err", err)
	}
	return cause
}

// blocking runs fn on the pool. Cleanup must happen even while the pool is
// shutting down, so a closed pool falls back to running fn inline.
func (s *Stager) blocking(ctx context.Context, fn func() error) error {
	err := pool.Do(ctx, s.pool, fn)
	if errors.Is(err, pool.ErrClosed) {
		return fn()
	}
	return err
}

// StagedFile is a payload staged on local disk.
type StagedFile struct {
	Path string
	Size int64

	stager *Stager
	unlock func()

	once       sync.Once
	releaseErr error
}

// Open opens the staged file for reading.
func (f *StagedFile) Open(ctx context.Context) (*os.File, error) {
	return pool.Run(ctx, f.stager.pool, func() (*os.File, error) {
		return os.Open(f.Path)
	})
}

// Release removes the staged file and lets the next upload for the same
// path proceed. It runs even when ctx is already canceled, is safe to call
// more than once, and logs removal failures in addition to returning them.
func (f *StagedFile) Release(ctx context.Context) error {
	f.once.Do(func() {
		defer f.unlock()

		err := f.stager.blocking(context.WithoutCancel(ctx), func() error {
			return os.Remove(f.Path)
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			f.stager.observer.CleanupFailed()
			slog.Error("Failed to remove staged file", "path", f.Path, "err", err)
			f.releaseErr = err
		}
	})
	return f.releaseErr
}
