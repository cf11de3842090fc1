package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gcsgate/internal/config"
	"gcsgate/internal/core"
	"gcsgate/internal/journal"
	"gcsgate/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	v       = viper.New()
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "gcsgate",
	Short:         "HTTP gateway that stages uploads locally and forwards them to object storage",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the upload gateway.

Settings come from flags, environment variables (HOST, PORT,
SERVICE_ACCOUNT, ...) and an optional .env file, in that order of
precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadEnvFile(v, envFile, cmd.Flags().Changed("env_file")); err != nil {
			return err
		}

		settings, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		return Run(cmd.Context(), settings)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	config.SetDefaults(v)

	f := serveCmd.Flags()
	f.StringVar(&envFile, "env_file", ".env", "Optional dotenv file to read settings from")
	f.String(config.KeyHost, "0.0.0.0", "Interface to listen on")
	f.Int(config.KeyPort, 8080, "HTTP listen port")
	f.String(config.KeyServiceAccountFile, "", "File holding the service-account JSON key (instead of SERVICE_ACCOUNT)")
	f.String(config.KeyWorkDir, "./upload", "Directory uploads are staged in")
	f.Int(config.KeyWorkers, 16, "Maximum concurrent blocking file system jobs")
	f.String(config.KeyBackend, config.BackendJSON, "Object storage API: json or s3")
	f.String(config.KeyS3Endpoint, "storage.googleapis.com", "Endpoint of the S3-compatible backend")
	f.String(config.KeyS3Region, "", "Region of the S3-compatible backend")
	f.Bool(config.KeyS3Insecure, false, "Use plain HTTP for the S3-compatible backend")
	f.String(config.KeyJournalPath, "", "SQLite file recording every transfer (disabled when empty)")
	f.String(config.KeyLogLevel, "info", "Log level: debug, info, warn or error")
	f.Duration(config.KeyShutdownTimeout, 30*time.Second, "Grace period for in-flight requests on shutdown")

	_ = v.BindPFlags(f)
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
	return nil
}

func Run(ctx context.Context, settings config.Settings) error {

	if err := setupLogging(settings.LogLevel); err != nil {
		return err
	}

	connector, err := settings.Connector()
	if err != nil {
		return fmt.Errorf("failed to configure object storage: %w", err)
	}

	opts := []core.ConfigOption{
		core.WithWorkDir(settings.WorkDir),
		core.WithWorkers(settings.Workers),
		core.WithConnector(connector),
		core.WithMetrics(metrics.New()),
	}

	if settings.JournalPath != "" {
		j, err := journal.Open(ctx, settings.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, core.WithJournal(j))
	}

	server, err := core.NewServer(ctx, core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	defer server.Close()

	// No read or write timeouts: uploads are unbounded and are expected to
	// be limited by the proxy in front of the gateway.
	httpServer := &http.Server{
		Addr:              settings.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.ShutdownTimeout)
		defer cancel()

		slog.Info("Shutting down gateway", "timeout", settings.ShutdownTimeout)
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting gateway HTTP server", "addr", httpServer.Addr, "backend", settings.Backend)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Gateway started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
}
