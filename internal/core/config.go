package core

import (
	"gcsgate/internal/metrics"
	"gcsgate/internal/remote"
)

type Config struct {
	// WorkDir is the directory uploads are staged in.
	WorkDir string
	// Workers bounds concurrent blocking file system jobs.
	Workers   int
	Connector remote.Connector
	Journal   Recorder
	Metrics   *metrics.Metrics
}

type ConfigOption func(*Config)

func WithWorkDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.WorkDir = dir
	}
}

func WithWorkers(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.Workers = n
	}
}

func WithConnector(connector remote.Connector) ConfigOption {
	return func(cfg *Config) {
		cfg.Connector = connector
	}
}

func WithJournal(journal Recorder) ConfigOption {
	return func(cfg *Config) {
		cfg.Journal = journal
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
