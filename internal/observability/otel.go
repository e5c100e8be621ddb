package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/config"
	"github.com/ongoingai/tracedesk/internal/correlation"
	"github.com/ongoingai/tracedesk/internal/pathutil"
	"github.com/ongoingai/tracedesk/internal/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "tracedesk"
)

// Runtime exposes OpenTelemetry HTTP wrappers and tracedesk metric hooks.
// A nil or disabled Runtime is safe to use and records nothing.
type Runtime struct {
	enabled bool

	ingestRejectedCounter    metric.Int64Counter
	traceWriteFailedCounter  metric.Int64Counter
	reconcileOutcomeCounter  metric.Int64Counter
	reconcileDuration        metric.Float64Histogram
	completionTokensCounter  metric.Int64Counter
	completionFailureCounter metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// exportTarget is the resolved OTLP destination shared by both exporters.
type exportTarget struct {
	endpoint string
	insecure bool
	timeout  time.Duration
}

// Setup starts the configured OTLP pipelines and returns the hooks the
// service and the console record into. A disabled config returns an inert
// Runtime.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rt := &Runtime{}
	if !cfg.Enabled {
		return rt, nil
	}

	endpoint, plainHTTP, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	target := exportTarget{
		endpoint: endpoint,
		insecure: cfg.Insecure,
		timeout:  time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}
	// An explicit scheme overrides the insecure toggle.
	if strings.Contains(cfg.Endpoint, "://") {
		target.insecure = plainHTTP
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, target, res, cfg.SamplingRatio)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		rt.shutdownFns = append(rt.shutdownFns, tp.Shutdown)
	}
	if cfg.MetricsEnabled {
		interval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
		mp, err := newMeterProvider(ctx, target, res, interval)
		if err != nil {
			_ = rt.Shutdown(context.Background())
			return nil, err
		}
		otel.SetMeterProvider(mp)
		rt.shutdownFns = append(rt.shutdownFns, mp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	rt.initInstruments(otel.Meter(instrumentationName), logger)
	rt.enabled = true
	if logger != nil {
		logger.Info("opentelemetry enabled",
			"otel_endpoint", endpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return rt, nil
}

func newTracerProvider(ctx context.Context, target exportTarget, res *resource.Resource, ratio float64) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.endpoint),
		otlptracehttp.WithTimeout(target.timeout),
	}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, target exportTarget, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(target.endpoint),
		otlpmetrichttp.WithTimeout(target.timeout),
	}
	if target.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(interval),
		sdkmetric.WithTimeout(target.timeout),
	)
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&r.ingestRejectedCounter, "tracedesk.ingest.rejected_total", "Traces rejected because the ingest queue was full."},
		{&r.traceWriteFailedCounter, "tracedesk.ingest.write_failed_total", "Trace records dropped after storage write failures."},
		{&r.reconcileOutcomeCounter, "tracedesk.reconcile.outcomes_total", "Pending traces by how their reconciliation ended."},
		{&r.completionTokensCounter, "tracedesk.llm.tokens_total", "Tokens consumed by completions run for created traces."},
		{&r.completionFailureCounter, "tracedesk.llm.failures_total", "Failed completion calls."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			warnInstrument(logger, c.name, err)
			continue
		}
		*c.dst = counter
	}

	histogram, err := meter.Float64Histogram("tracedesk.reconcile.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from placeholder insertion to resolution."),
	)
	if err != nil {
		warnInstrument(logger, "tracedesk.reconcile.duration", err)
		return
	}
	r.reconcileDuration = histogram
}

func warnInstrument(logger *slog.Logger, name string, err error) {
	if logger != nil {
		logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
	}
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"tracedesk.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the request span with the correlation id
// and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}
		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("tracedesk.correlation_id", correlationID))
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordIngestRejected counts a trace refused by a full ingest queue.
func (r *Runtime) RecordIngestRejected(ctx context.Context) {
	if !r.Enabled() || r.ingestRejectedCounter == nil {
		return
	}
	r.ingestRejectedCounter.Add(ctx, 1)
}

// RecordTraceWriteFailure counts trace records dropped by the writer.
func (r *Runtime) RecordTraceWriteFailure(failure trace.WriteFailure, store string) {
	if !r.Enabled() || failure.Count <= 0 || r.traceWriteFailedCounter == nil {
		return
	}
	r.traceWriteFailedCounter.Add(
		context.Background(),
		int64(failure.Count),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(failure.Operation)),
			attribute.String("error_class", string(failure.Class)),
			attribute.String("store", strings.TrimSpace(store)),
		),
	)
}

// RecordReconcileOutcome implements the reconciliation recorder.
func (r *Runtime) RecordReconcileOutcome(ctx context.Context, outcome string, probes int, elapsed time.Duration) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.reconcileOutcomeCounter != nil {
		r.reconcileOutcomeCounter.Add(ctx, 1, attrs)
	}
	if r.reconcileDuration != nil {
		r.reconcileDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	oteltrace.SpanFromContext(ctx).AddEvent("reconcile.resolved", oteltrace.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("probes", probes),
	))
}

// RecordCompletion counts completion tokens by model, or a failure when err
// is set.
func (r *Runtime) RecordCompletion(ctx context.Context, model string, totalTokens int, err error) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", strings.TrimSpace(model)))
	if err != nil {
		if r.completionFailureCounter != nil {
			r.completionFailureCounter.Add(ctx, 1, attrs)
		}
		return
	}
	if r.completionTokensCounter != nil && totalTokens > 0 {
		r.completionTokensCounter.Add(ctx, int64(totalTokens), attrs)
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	for _, prefix := range []string{"/api/traces", "/api/comments", "/api/llm-connections", "/api/diagnostics"} {
		if pathutil.HasPathPrefix(path, prefix) {
			return prefix + "/*"
		}
	}
	if pathutil.HasPathPrefix(path, "/api") {
		return "/api/*"
	}
	return "/other"
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "client " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

// statusCapturingResponseWriter remembers the first status code written.
type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
