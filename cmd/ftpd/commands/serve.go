package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/logger"
	"github.com/gonzalop/ftpd/internal/metrics"
	"github.com/gonzalop/ftpd/internal/telemetry"
	"github.com/gonzalop/ftpd/s3storage"
	"github.com/gonzalop/ftpd/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FTP server",
	Long: `Start the FTP server.

Without --config the server runs with built-in defaults: an empty in-memory
tree and no users. Editing the users in the config file while the server runs
reloads the credential table; other settings need a restart.

Examples:
  ftpd serve --config /etc/ftpd.yaml
  FTPD_LOGGING_LEVEL=DEBUG ftpd serve --config ftpd.yaml --listen :2121`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "control connection address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	if loader.Path() != "" {
		d.watch(loader)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		d.close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	return d.serve(ctx, ln)
}

// daemon is a configured server plus the collaborators it owns.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	srv    *server.Server
	users  *auth.UserTable

	metricsSrv  *http.Server
	metricsAddr net.Addr

	closers []func(context.Context) error
}

func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close(context.Background())
		}
	}()

	log, logCloser, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, err
	}
	d.logger = log
	d.closers = append(d.closers, func(context.Context) error { return logCloser.Close() })

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "ftpd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d.closers = append(d.closers, shutdownTracing)

	storage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	d.users, err = auth.NewUserTable(cfg.Auth.UserMap(), auth.WithAnonymous(cfg.Auth.Anonymous))
	if err != nil {
		return nil, err
	}
	if d.users.Len() == 0 && !cfg.Auth.Anonymous {
		log.Warn("no users configured and anonymous access disabled; every login will fail")
	}

	opts := append(cfg.ServerOptions(),
		server.WithStorage(storage),
		server.WithAuthenticator(d.users),
		server.WithLogger(log),
	)

	if cfg.TransferLog != "" {
		f, err := os.OpenFile(cfg.TransferLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open transfer log: %w", err)
		}
		d.closers = append(d.closers, func(context.Context) error { return f.Close() })
		opts = append(opts, server.WithTransferLog(f))
	}

	if cfg.Metrics.Enabled {
		collector, err := d.startMetrics(cfg.Metrics.Listen)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithMetricsCollector(collector))
	}

	d.srv, err = server.NewServer(cfg.Listen, opts...)
	if err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		"storage", cfg.Storage.Type,
		"read_only", cfg.Storage.ReadOnly,
		"users", d.users.Len(),
		"anonymous", cfg.Auth.Anonymous,
		"metrics", cfg.Metrics.Enabled,
		"telemetry", cfg.Telemetry.Enabled,
	)
	return d, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (server.Storage, error) {
	switch cfg.Type {
	case "memory":
		s := server.NewMemoryStorage()
		if cfg.ReadOnly {
			return s.ReadOnly(), nil
		}
		return s, nil
	case "os":
		s, err := server.NewOSStorage(cfg.Root)
		if err != nil {
			return nil, err
		}
		if cfg.ReadOnly {
			return s.ReadOnly(), nil
		}
		return s, nil
	case "s3":
		if cfg.ReadOnly {
			return nil, errors.New("read_only is not supported for s3 storage; use bucket policies")
		}
		return s3storage.NewFromConfig(ctx, s3storage.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func (d *daemon) startMetrics(addr string) (*metrics.Collector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	d.metricsAddr = ln.Addr()
	d.metricsSrv = &http.Server{
		Handler:           metrics.NewHandler(reg, d.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server stopped", "error", err)
		}
	}()
	d.closers = append(d.closers, d.metricsSrv.Shutdown)

	d.logger.Info("metrics enabled", "addr", d.metricsAddr.String())
	return collector, nil
}

// watch reloads the credential table whenever the config file changes.
func (d *daemon) watch(loader *config.Loader) {
	err := loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			d.logger.Error("config reload failed", "error", err)
			return
		}
		if err := d.users.Replace(cfg.Auth.UserMap()); err != nil {
			d.logger.Error("user table reload failed", "error", err)
			return
		}
		d.users.SetAnonymous(cfg.Auth.Anonymous)
		d.logger.Info("users reloaded", "users", d.users.Len(), "anonymous", cfg.Auth.Anonymous)
	})
	if err != nil {
		d.logger.Warn("config watch disabled", "error", err)
	}
}

// serve runs the server on ln until ctx is done, then shuts it down within
// the configured shutdown timeout.
func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- d.srv.Serve(ln) }()

	d.logger.Info("server is running", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		d.close(context.Background())
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout.Std())
	defer cancel()

	err := d.srv.Shutdown(shutdownCtx)
	if serr := <-errc; serr != nil && !errors.Is(serr, server.ErrServerClosed) && err == nil {
		err = serr
	}
	if err != nil {
		d.logger.Error("server shutdown error", "error", err)
	} else {
		d.logger.Info("server stopped gracefully")
	}
	d.close(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// close releases collaborators in reverse order of creation.
func (d *daemon) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && d.logger != nil {
			d.logger.Warn("shutdown error", "error", err)
		}
	}
	d.closers = nil
}
