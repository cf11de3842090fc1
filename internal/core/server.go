package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gcsgate/internal/journal"
	"gcsgate/internal/metrics"
	"gcsgate/internal/pool"
	"gcsgate/internal/staging"
)

// Recorder persists finished transfers. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Server is the upload/delete gateway.
type Server struct {
	Config Config

	pool    *pool.Pool
	stager  *staging.Stager
	metrics *metrics.Metrics
}

// NewServer prepares the working directory and worker pool and returns a
// new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.WorkDir == "" {
		return nil, errors.New("WorkDir must not be empty")
	}

	if cfg.Connector == nil {
		return nil, errors.New("Connector must not be nil")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = pool.DefaultSize
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := pool.New(cfg.Workers)
	p.OnStart = cfg.Metrics.PoolJobStarted
	p.OnDone = cfg.Metrics.PoolJobDone

	stager, err := staging.New(cfg.WorkDir, p, staging.WithObserver(cfg.Metrics))
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("create stager: %w", err)
	}

	slog.Info("Gateway ready", "work_dir", stager.Dir(), "workers", p.Size())

	return &Server{
		Config:  cfg,
		pool:    p,
		stager:  stager,
		metrics: cfg.Metrics,
	}, nil
}

// Metrics returns the collectors the server reports to.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Close waits for running blocking jobs and refuses new ones.
func (s *Server) Close() error {
	return s.pool.Close()
}

// record writes a journal entry through the worker pool. Failures are only
// logged: the response has already been decided.
func (s *Server) record(ctx context.Context, e journal.Entry) {
	if s.Config.Journal == nil {
		return
	}

	e.Duration = time.Since(e.StartedAt)
	ctx = context.WithoutCancel(ctx)

	err := pool.Do(ctx, s.pool, func() error {
		return s.Config.Journal.Record(ctx, e)
	})
	if errors.Is(err, pool.ErrClosed) {
		err = s.Config.Journal.Record(ctx, e)
	}
	if err != nil {
		slog.Error("Failed to record transfer", "request_id", e.RequestID, "op", e.Op, "err", err)
	}
}

// outcome maps an error to the metrics label of a transfer.
func outcome(apiErr *APIError) string {
	if apiErr == nil {
		return "success"
	}
	return string(apiErr.Kind)
}

// ensureWorkDir recreates the working directory if it was removed while
// the server was running.
func (s *Server) ensureWorkDir(ctx context.Context) error {
	return pool.Do(ctx, s.pool, func() error {
		return os.MkdirAll(s.stager.Dir(), 0o755)
	})
}
