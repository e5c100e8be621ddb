package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ongoingai/tracedesk/internal/api"
	"github.com/ongoingai/tracedesk/internal/config"
	"github.com/ongoingai/tracedesk/internal/correlation"
	"github.com/ongoingai/tracedesk/internal/llm"
	"github.com/ongoingai/tracedesk/internal/observability"
	"github.com/ongoingai/tracedesk/internal/trace"
	"github.com/ongoingai/tracedesk/internal/version"
)

const defaultConfigPath = "tracedesk.yaml"

const (
	traceWriterShutdownTimeout = 5 * time.Second
	otelShutdownTimeout        = 5 * time.Second
	serverShutdownTimeout      = 5 * time.Second
	serverReadHeaderTimeout    = 10 * time.Second
	serverReadTimeout          = 30 * time.Second
	serverIdleTimeout          = 2 * time.Minute
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

type command func(args []string) int

// commands maps each subcommand to its entry point. Console commands talk
// to a running service over HTTP; the rest act locally.
var commands = map[string]command{
	"serve":       runServe,
	"config":      func(args []string) int { return runConfig(args, os.Stdout, os.Stderr) },
	"traces":      func(args []string) int { return runTraces(args, os.Stdin, os.Stdout, os.Stderr) },
	"comments":    func(args []string) int { return runComments(args, os.Stdout, os.Stderr) },
	"connections": func(args []string) int { return runConnections(args, os.Stdout, os.Stderr) },
	"diagnostics": func(args []string) int { return runDiagnostics(args, os.Stdout, os.Stderr) },
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(os.Stderr)
		return 2
	}
	return cmd(args[1:])
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	svc, err := newService(cfg, logger, otelRuntime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer svc.close()

	server := newServer(cfg, svc.handler)
	logger.Info("startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"connection_store", cfg.LLM.ConnectionStore,
		"queue_size", cfg.Ingest.QueueSize,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serveUntilDone(ctx, server); err != nil {
		logger.Error("tracedesk failed", "error", err)
		return 1
	}
	logger.Info("tracedesk stopped")
	return 0
}

// service is the wired trace backend: stores, the ingest writer, the
// completion runner and the instrumented API handler.
type service struct {
	stores  *serviceStores
	writer  *trace.Writer
	handler http.Handler
	logger  *slog.Logger
}

func newService(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime) (*service, error) {
	stores, err := openServiceStores(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	writer := trace.NewWriter(stores.traces, cfg.Ingest.QueueSize)
	writer.SetHooks(otelRuntime.WriterHooks(logger, cfg.Storage.Driver))
	writer.Start()

	completer := llm.NewRunner(llm.Options{
		Connections:  stores.connections,
		DefaultModel: cfg.LLM.DefaultModel,
		Transport:    otelRuntime.WrapHTTPTransport(http.DefaultTransport),
		Recorder:     otelRuntime,
		Logger:       logger,
	})
	router := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         stores.traces,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Writer:        writer,
		Ingest:        writer,
		Connections:   stores.connections,
		Completer:     completer,
		Logger:        logger,
	})

	return &service{
		stores:  stores,
		writer:  writer,
		handler: otelRuntime.WrapHTTPHandler(correlation.Middleware(otelRuntime.SpanEnrichmentMiddleware(router))),
		logger:  logger,
	}, nil
}

// close drains queued traces before the store goes away.
func (s *service) close() {
	shutdownTraceWriter(s.logger, s.writer, traceWriterShutdownTimeout)
	if err := s.stores.Close(); err != nil {
		s.logger.Error("failed to close storage", "error", err)
	}
}

// serveUntilDone runs server until ctx is cancelled, then shuts it down
// gracefully. A listener failure is returned as is.
func serveUntilDone(ctx context.Context, server *http.Server) error {
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
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending traces before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracedesk serve [--config path/to/tracedesk.yaml]")
	fmt.Fprintln(out, "  tracedesk version")
	fmt.Fprintln(out, "  tracedesk config validate [--config path/to/tracedesk.yaml]")
	fmt.Fprintln(out, "  tracedesk traces list [--query TEXT] [--search ids|full] [--env NAME]... [--range 24h] [--where 'column|op|value[|key]']... [--format text|json]")
	fmt.Fprintln(out, "  tracedesk traces show ID [--format text|json]")
	fmt.Fprintln(out, "  tracedesk traces create --input TEXT [--name NAME] [--output TEXT] [--env NAME] [--tag TAG]... [--complete] [--no-wait]")
	fmt.Fprintln(out, "  tracedesk traces update ID --set key=value...")
	fmt.Fprintln(out, "  tracedesk traces delete ID [--yes]")
	fmt.Fprintln(out, "  tracedesk comments list|add|delete ...")
	fmt.Fprintln(out, "  tracedesk connections list|set|delete ...")
	fmt.Fprintln(out, "  tracedesk diagnostics [--format text|json]")
	fmt.Fprintln(out, "All console commands accept --config, --base-url and --timeout.")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracedesk config validate [--config path/to/tracedesk.yaml]")
}
