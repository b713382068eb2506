package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/calltrace/internal/api"
	"github.com/ongoingai/calltrace/internal/config"
	"github.com/ongoingai/calltrace/internal/jobs"
	"github.com/ongoingai/calltrace/internal/observability"
	"github.com/ongoingai/calltrace/internal/version"
	"github.com/spf13/cobra"
)

var logOutput io.Writer = os.Stdout

func newServeCommand(opts *rootOptions, errOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the SBC sync jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(opts, errOut)
		},
	}
}

func runServe(opts *rootOptions, errOut io.Writer) error {
	cfg, err := loadConfigOrReport(opts.configPath, errOut)
	if err != nil {
		return err
	}

	logger := newLogger(logOutput, cfg.Log.Level)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := newTraceStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return exitError{code: 1}
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close trace storage", "driver", cfg.Storage.Driver, "error", err)
		}
	}()

	wired := newComponents(cfg, store, otelRuntime, logger)
	scheduler := jobs.NewScheduler(logger, otelRuntime)
	if err := registerJobs(scheduler, cfg, wired, logger); err != nil {
		fmt.Fprintf(errOut, "failed to configure jobs: %v\n", err)
		return exitError{code: 1}
	}

	routerOptions := wired.routerOptions(cfg)
	routerOptions.AppVersion = version.String()
	routerOptions.Runtime = otelRuntime
	routerOptions.Logger = logger
	routerOptions.FetchNow = fetchNow(scheduler, wired.sync)
	if routerOptions.SBC == nil {
		routerOptions.FetchNow = nil
	}
	handler := otelRuntime.WrapHTTPHandler(otelRuntime.SpanEnrichmentMiddleware(api.NewRouter(routerOptions)))
	server := newServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"backends", configuredBackends(cfg),
		"config_path", opts.configPath,
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer func() {
		stopJobs()
		scheduler.Wait()
	}()
	scheduler.Start(jobsCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return exitError{code: 1}
		}
		logger.Info("calltrace stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("calltrace failed", "error", err)
			return exitError{code: 1}
		}
		return nil
	}
}

// registerJobs adds the enabled sync jobs. The fetch job needs an SBC base
// URL and is skipped without one.
func registerJobs(scheduler *jobs.Scheduler, cfg config.Config, wired *components, logger *slog.Logger) error {
	if wired.sync == nil {
		return nil
	}
	if cfg.Jobs.SBCFetch.Enabled {
		if strings.TrimSpace(cfg.Backends.SBC.BaseURL) == "" {
			logger.Warn("sbc fetch job disabled: backends.sbc.base_url is empty")
		} else if err := scheduler.Add(wired.sync.FetchJob(cfg.Jobs.SBCFetch.Schedule)); err != nil {
			return err
		}
	}
	if cfg.Jobs.SBCCleanup.Enabled {
		if err := scheduler.Add(wired.sync.CleanupJob(cfg.Jobs.SBCCleanup.Schedule)); err != nil {
			return err
		}
	}
	return nil
}

// fetchNow runs one SBC fetch under the scheduled job's overlap guard, or
// directly when the job is not scheduled.
func fetchNow(scheduler *jobs.Scheduler, sync *jobs.SBCSync) func(ctx context.Context) (jobs.FetchResult, error) {
	if sync == nil {
		return nil
	}
	return func(ctx context.Context) (jobs.FetchResult, error) {
		var result jobs.FetchResult
		err := scheduler.Exclusive(ctx, jobs.SBCFetchJob, func(ctx context.Context) error {
			var err error
			result, err = sync.FetchRecent(ctx)
			return err
		})
		if errors.Is(err, jobs.ErrUnknownJob) {
			return sync.FetchRecent(ctx)
		}
		return result, err
	}
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

// configuredBackends names the backends with a base URL, for the startup log.
func configuredBackends(cfg config.Config) []string {
	backends := make([]string, 0, 3)
	if strings.TrimSpace(cfg.Backends.CallLog.DialerURL) != "" || strings.TrimSpace(cfg.Backends.CallLog.LeadsURL) != "" {
		backends = append(backends, "calllog")
	}
	if strings.TrimSpace(cfg.Backends.CDR.BaseURL) != "" {
		backends = append(backends, "cdr")
	}
	if strings.TrimSpace(cfg.Backends.SBC.BaseURL) != "" {
		backends = append(backends, "sbc")
	}
	return backends
}
