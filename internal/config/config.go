package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Console       ConsoleConfig       `yaml:"console"`
	LLM           LLMConfig           `yaml:"llm"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ConsoleConfig drives the CLI's view of a running service.
type ConsoleConfig struct {
	BaseURL            string        `yaml:"base_url"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Deadline           time.Duration `yaml:"deadline"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ApplyFilterClauses bool          `yaml:"apply_filter_clauses"`
	UserID             string        `yaml:"user_id"`
}

const (
	ConnectionStoreStatic = "static"
	ConnectionStoreSQL    = "sql"
)

type LLMConfig struct {
	DefaultModel string `yaml:"default_model"`
	// ConnectionStore is "static" to serve Connections read-only, or "sql"
	// to persist connections next to the traces, seeded from Connections.
	ConnectionStore string             `yaml:"connection_store"`
	Connections     []ConnectionConfig `yaml:"connections"`
}

type ConnectionConfig struct {
	Provider          string            `yaml:"provider"`
	Adapter           string            `yaml:"adapter"`
	BaseURL           string            `yaml:"base_url"`
	SecretKey         string            `yaml:"secret_key"`
	CustomModels      []string          `yaml:"custom_models"`
	WithDefaultModels bool              `yaml:"with_default_models"`
	ExtraHeaders      map[string]string `yaml:"extra_headers"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "tracedesk"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000

	DefaultModel = "gpt-3.5-turbo"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/tracedesk.db",
		},
		Ingest: IngestConfig{
			QueueSize: 256,
		},
		Console: ConsoleConfig{
			BaseURL:        "http://localhost:8080",
			PollInterval:   2 * time.Second,
			Deadline:       30 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			DefaultModel:    DefaultModel,
			ConnectionStore: ConnectionStoreStatic,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path over the defaults and then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := decodeStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be > 0 (got %d)", cfg.Ingest.QueueSize)
	}
	if err := validateConsole(cfg.Console); err != nil {
		return err
	}
	if err := validateLLM(cfg.LLM); err != nil {
		return err
	}
	return validateOTelConfig(cfg.Observability.OTel)
}

func validateConsole(cfg ConsoleConfig) error {
	if err := validateBaseURL("console.base_url", cfg.BaseURL); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("console.poll_interval must be > 0 (got %s)", cfg.PollInterval)
	}
	if cfg.Deadline < cfg.PollInterval {
		return fmt.Errorf("console.deadline must be >= console.poll_interval (got %s < %s)", cfg.Deadline, cfg.PollInterval)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("console.request_timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}
	return nil
}

func validateLLM(cfg LLMConfig) error {
	switch cfg.ConnectionStore {
	case ConnectionStoreStatic, ConnectionStoreSQL:
	default:
		return fmt.Errorf("llm.connection_store must be one of static, sql (got %q)", cfg.ConnectionStore)
	}
	seen := make(map[string]struct{}, len(cfg.Connections))
	for idx, conn := range cfg.Connections {
		name := fmt.Sprintf("llm.connections[%d]", idx)
		provider := strings.TrimSpace(conn.Provider)
		if provider == "" {
			return fmt.Errorf("%s.provider is required", name)
		}
		if _, dup := seen[provider]; dup {
			return fmt.Errorf("%s.provider %q is duplicated", name, provider)
		}
		seen[provider] = struct{}{}
		if conn.BaseURL != "" {
			if err := validateBaseURL(name+".base_url", conn.BaseURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("TRACEDESK_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("TRACEDESK_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TRACEDESK_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("TRACEDESK_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("TRACEDESK_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("TRACEDESK_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}
	if queueSize := os.Getenv("TRACEDESK_INGEST_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid TRACEDESK_INGEST_QUEUE_SIZE: %w", err)
		}
		cfg.Ingest.QueueSize = v
	}

	if baseURL := os.Getenv("TRACEDESK_CONSOLE_BASE_URL"); baseURL != "" {
		cfg.Console.BaseURL = baseURL
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TRACEDESK_CONSOLE_POLL_INTERVAL", &cfg.Console.PollInterval},
		{"TRACEDESK_CONSOLE_DEADLINE", &cfg.Console.Deadline},
		{"TRACEDESK_CONSOLE_REQUEST_TIMEOUT", &cfg.Console.RequestTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(os.Getenv(d.env))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}
	if apply := os.Getenv("TRACEDESK_CONSOLE_APPLY_FILTER_CLAUSES"); apply != "" {
		v, err := strconv.ParseBool(apply)
		if err != nil {
			return fmt.Errorf("invalid TRACEDESK_CONSOLE_APPLY_FILTER_CLAUSES: %w", err)
		}
		cfg.Console.ApplyFilterClauses = v
	}
	if userID := os.Getenv("TRACEDESK_CONSOLE_USER_ID"); userID != "" {
		cfg.Console.UserID = userID
	}

	if model := os.Getenv("TRACEDESK_LLM_DEFAULT_MODEL"); model != "" {
		cfg.LLM.DefaultModel = model
	}
	if store := os.Getenv("TRACEDESK_LLM_CONNECTION_STORE"); store != "" {
		cfg.LLM.ConnectionStore = strings.ToLower(strings.TrimSpace(store))
	}
	if apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); apiKey != "" {
		upsertEnvConnection(cfg, apiKey, strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")))
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

// upsertEnvConnection fills the "openai" connection from the standard
// OpenAI environment variables.
func upsertEnvConnection(cfg *Config, apiKey, baseURL string) {
	for i := range cfg.LLM.Connections {
		if cfg.LLM.Connections[i].Provider == "openai" {
			cfg.LLM.Connections[i].SecretKey = apiKey
			if baseURL != "" {
				cfg.LLM.Connections[i].BaseURL = baseURL
			}
			return
		}
	}
	cfg.LLM.Connections = append(cfg.LLM.Connections, ConnectionConfig{
		Provider:          "openai",
		Adapter:           "openai",
		BaseURL:           baseURL,
		SecretKey:         apiKey,
		WithDefaultModels: true,
	})
}

func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
