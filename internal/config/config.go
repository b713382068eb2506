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

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Storage       StorageConfig       `yaml:"storage"`
	Backends      BackendsConfig      `yaml:"backends"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type BackendsConfig struct {
	CallLog CallLogConfig `yaml:"calllog"`
	CDR     CDRConfig     `yaml:"cdr"`
	SBC     SBCConfig     `yaml:"sbc"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// CallLogConfig points at the primary call-log API. Identifiers with a dot
// go to the dialer URL, all others to the leads URL.
type CallLogConfig struct {
	DialerURL string `yaml:"dialer_url"`
	LeadsURL  string `yaml:"leads_url"`
	APIKey    string `yaml:"api_key"`
}

type CDRConfig struct {
	BaseURL  string `yaml:"base_url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// ForcedSession skips login and always uses this session id.
	ForcedSession string        `yaml:"forced_session"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

type SBCConfig struct {
	BaseURL     string `yaml:"base_url"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	ResultLimit int    `yaml:"result_limit"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// RetryMaxElapsed bounds retries of one upstream call; negative disables
	// retries.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

type CorrelationConfig struct {
	CountryCode     string `yaml:"country_code"`
	PBXDomainPrefix string `yaml:"pbx_domain_prefix"`
	// ClockSkew is the offset between the call-log clock and the CDR clock.
	ClockSkew        time.Duration `yaml:"clock_skew"`
	ToleranceSeconds int           `yaml:"tolerance_seconds"`
	SBCMaxTextLength int           `yaml:"sbc_max_text_length"`
	SBCResultLimit   int           `yaml:"sbc_result_limit"`
	// SBCClockOffset is the SBC's local offset from UTC. Zero means UTC;
	// Default sets 4h.
	SBCClockOffset time.Duration `yaml:"sbc_clock_offset"`
}

type JobsConfig struct {
	SBCFetch   SBCFetchJobConfig   `yaml:"sbc_fetch"`
	SBCCleanup SBCCleanupJobConfig `yaml:"sbc_cleanup"`
}

// SBCFetchJobConfig is skipped at startup when backends.sbc.base_url is empty.
type SBCFetchJobConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a five-field cron expression in server local time.
	Schedule string        `yaml:"schedule"`
	Window   time.Duration `yaml:"window"`
	Limit    int           `yaml:"limit"`
}

type SBCCleanupJobConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
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
	defaultOTELServiceName            = "calltrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/calltrace.db",
		},
		Backends: BackendsConfig{
			CDR: CDRConfig{
				SessionTTL: time.Hour,
			},
			SBC: SBCConfig{
				ResultLimit: 2,
			},
			HTTP: HTTPConfig{
				Timeout:         15 * time.Second,
				RetryMaxElapsed: 10 * time.Second,
			},
		},
		Correlation: CorrelationConfig{
			CountryCode:      "971",
			PBXDomainPrefix:  "pbx",
			ClockSkew:        4 * time.Hour,
			ToleranceSeconds: 5,
			SBCMaxTextLength: 8000,
			SBCResultLimit:   2,
			SBCClockOffset:   4 * time.Hour,
		},
		Jobs: JobsConfig{
			SBCFetch: SBCFetchJobConfig{
				Enabled:  true,
				Schedule: "* * * * *",
				Window:   2 * time.Minute,
				Limit:    100,
			},
			SBCCleanup: SBCCleanupJobConfig{
				Enabled:   true,
				Schedule:  "0 3 * * *",
				Retention: 5 * 24 * time.Hour,
			},
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

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := decodeSingleDocument(data, &cfg); err != nil {
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

func decodeSingleDocument(data []byte, cfg *Config) error {
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
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
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

	if err := validateBackends(cfg.Backends); err != nil {
		return err
	}
	if err := validateCorrelation(cfg.Correlation); err != nil {
		return err
	}
	if err := validateJobs(cfg.Jobs); err != nil {
		return err
	}
	return validateOTelConfig(cfg.Observability.OTel)
}

func validateBackends(cfg BackendsConfig) error {
	urls := []struct {
		name  string
		value string
	}{
		{"backends.calllog.dialer_url", cfg.CallLog.DialerURL},
		{"backends.calllog.leads_url", cfg.CallLog.LeadsURL},
		{"backends.cdr.base_url", cfg.CDR.BaseURL},
		{"backends.sbc.base_url", cfg.SBC.BaseURL},
	}
	for _, u := range urls {
		if err := validateOptionalURL(u.name, u.value); err != nil {
			return err
		}
	}
	if cfg.CDR.SessionTTL <= 0 {
		return fmt.Errorf("backends.cdr.session_ttl must be > 0 (got %s)", cfg.CDR.SessionTTL)
	}
	if cfg.SBC.ResultLimit <= 0 {
		return fmt.Errorf("backends.sbc.result_limit must be > 0 (got %d)", cfg.SBC.ResultLimit)
	}
	if cfg.HTTP.Timeout <= 0 {
		return fmt.Errorf("backends.http.timeout must be > 0 (got %s)", cfg.HTTP.Timeout)
	}
	return nil
}

func validateCorrelation(cfg CorrelationConfig) error {
	code := strings.TrimPrefix(strings.TrimSpace(cfg.CountryCode), "+")
	if code == "" || strings.HasPrefix(code, "0") {
		return fmt.Errorf("correlation.country_code must be a non-empty code without leading zero (got %q)", cfg.CountryCode)
	}
	if _, err := strconv.Atoi(code); err != nil {
		return fmt.Errorf("correlation.country_code must be numeric (got %q)", cfg.CountryCode)
	}
	if strings.TrimSpace(cfg.PBXDomainPrefix) == "" {
		return errors.New("correlation.pbx_domain_prefix is required")
	}
	if cfg.ClockSkew < 0 {
		return fmt.Errorf("correlation.clock_skew must be >= 0 (got %s)", cfg.ClockSkew)
	}
	if cfg.ToleranceSeconds < 0 {
		return fmt.Errorf("correlation.tolerance_seconds must be >= 0 (got %d)", cfg.ToleranceSeconds)
	}
	if cfg.SBCMaxTextLength <= 0 {
		return fmt.Errorf("correlation.sbc_max_text_length must be > 0 (got %d)", cfg.SBCMaxTextLength)
	}
	if cfg.SBCResultLimit <= 0 {
		return fmt.Errorf("correlation.sbc_result_limit must be > 0 (got %d)", cfg.SBCResultLimit)
	}
	return nil
}

func validateJobs(cfg JobsConfig) error {
	if cfg.SBCFetch.Enabled {
		if _, err := cron.ParseStandard(cfg.SBCFetch.Schedule); err != nil {
			return fmt.Errorf("jobs.sbc_fetch.schedule %q is invalid: %w", cfg.SBCFetch.Schedule, err)
		}
		if cfg.SBCFetch.Window <= 0 {
			return fmt.Errorf("jobs.sbc_fetch.window must be > 0 (got %s)", cfg.SBCFetch.Window)
		}
		if cfg.SBCFetch.Limit <= 0 {
			return fmt.Errorf("jobs.sbc_fetch.limit must be > 0 (got %d)", cfg.SBCFetch.Limit)
		}
	}
	if cfg.SBCCleanup.Enabled {
		if _, err := cron.ParseStandard(cfg.SBCCleanup.Schedule); err != nil {
			return fmt.Errorf("jobs.sbc_cleanup.schedule %q is invalid: %w", cfg.SBCCleanup.Schedule, err)
		}
		if cfg.SBCCleanup.Retention <= 0 {
			return fmt.Errorf("jobs.sbc_cleanup.retention must be > 0 (got %s)", cfg.SBCCleanup.Retention)
		}
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

func validateOptionalURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

// envOverrides maps CALLTRACE_* variables onto config fields.
func envOverrides(cfg *Config) []envOverride {
	return []envOverride{
		{"CALLTRACE_HOST", stringField(&cfg.Server.Host)},
		{"CALLTRACE_PORT", intField(&cfg.Server.Port)},
		{"CALLTRACE_LOG_LEVEL", stringField(&cfg.Log.Level)},
		{"CALLTRACE_STORAGE_DRIVER", stringField(&cfg.Storage.Driver)},
		{"CALLTRACE_STORAGE_PATH", stringField(&cfg.Storage.Path)},
		{"CALLTRACE_STORAGE_DSN", stringField(&cfg.Storage.DSN)},
		{"CALLTRACE_CALLLOG_DIALER_URL", stringField(&cfg.Backends.CallLog.DialerURL)},
		{"CALLTRACE_CALLLOG_LEADS_URL", stringField(&cfg.Backends.CallLog.LeadsURL)},
		{"CALLTRACE_CALLLOG_API_KEY", stringField(&cfg.Backends.CallLog.APIKey)},
		{"CALLTRACE_CDR_BASE_URL", stringField(&cfg.Backends.CDR.BaseURL)},
		{"CALLTRACE_CDR_USER", stringField(&cfg.Backends.CDR.User)},
		{"CALLTRACE_CDR_PASSWORD", stringField(&cfg.Backends.CDR.Password)},
		{"CALLTRACE_CDR_SESSION", stringField(&cfg.Backends.CDR.ForcedSession)},
		{"CALLTRACE_CDR_SESSION_TTL", durationField(&cfg.Backends.CDR.SessionTTL)},
		{"CALLTRACE_SBC_BASE_URL", stringField(&cfg.Backends.SBC.BaseURL)},
		{"CALLTRACE_SBC_USER", stringField(&cfg.Backends.SBC.User)},
		{"CALLTRACE_SBC_PASSWORD", stringField(&cfg.Backends.SBC.Password)},
		{"CALLTRACE_HTTP_TIMEOUT", durationField(&cfg.Backends.HTTP.Timeout)},
		{"CALLTRACE_HTTP_RETRY_MAX_ELAPSED", durationField(&cfg.Backends.HTTP.RetryMaxElapsed)},
		{"CALLTRACE_COUNTRY_CODE", stringField(&cfg.Correlation.CountryCode)},
		{"CALLTRACE_PBX_DOMAIN_PREFIX", stringField(&cfg.Correlation.PBXDomainPrefix)},
		{"CALLTRACE_CLOCK_SKEW", durationField(&cfg.Correlation.ClockSkew)},
		{"CALLTRACE_SBC_CLOCK_OFFSET", durationField(&cfg.Correlation.SBCClockOffset)},
		{"CALLTRACE_SBC_FETCH_ENABLED", boolField(&cfg.Jobs.SBCFetch.Enabled)},
		{"CALLTRACE_SBC_FETCH_SCHEDULE", stringField(&cfg.Jobs.SBCFetch.Schedule)},
		{"CALLTRACE_SBC_CLEANUP_ENABLED", boolField(&cfg.Jobs.SBCCleanup.Enabled)},
		{"CALLTRACE_SBC_CLEANUP_SCHEDULE", stringField(&cfg.Jobs.SBCCleanup.Schedule)},
		{"CALLTRACE_SBC_RETENTION", durationField(&cfg.Jobs.SBCCleanup.Retention)},
	}
}

type envOverride struct {
	name string
	set  func(string) error
}

func stringField(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intField(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolField(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func durationField(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func applyEnv(cfg *Config) error {
	for _, override := range envOverrides(cfg) {
		value := strings.TrimSpace(os.Getenv(override.name))
		if value == "" {
			continue
		}
		if err := override.set(value); err != nil {
			return fmt.Errorf("invalid %s: %w", override.name, err)
		}
	}
	return applyOTelEnv(&cfg.Observability.OTel)
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
