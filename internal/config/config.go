package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Store        StoreConfig        `yaml:"store"`
	Remote       RemoteConfig       `yaml:"remote"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Fallback     FallbackConfig     `yaml:"fallback"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Token         string `yaml:"token"`
	UploadTimeout int    `yaml:"upload_timeout_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BaseDelay     int    `yaml:"base_delay_ms"`
	MaxDelay      int    `yaml:"max_delay_ms"`
}

type OrchestratorConfig struct {
	Concurrency      int `yaml:"concurrency"`
	FailureThreshold int `yaml:"failure_threshold"`
	DrainBudget      int `yaml:"drain_budget_ms"`
}

type FallbackConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
	Locale  string `yaml:"locale"`
}

type ReachabilityConfig struct {
	Mode          string `yaml:"mode"` // static, probe
	ProbeURL      string `yaml:"probe_url"`
	ProbeInterval int    `yaml:"probe_interval_ms"`
}

type SegmenterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SegmentSeconds int    `yaml:"segment_seconds"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	DataDir        string `yaml:"data_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribed",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/segments.db",
		},
		Remote: RemoteConfig{
			Endpoint:      "",
			UploadTimeout: 60000,
			MaxAttempts:   5,
			BaseDelay:     1000,
			MaxDelay:      30000,
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:      3,
			FailureThreshold: 5,
			DrainBudget:      25000,
		},
		Fallback: FallbackConfig{
			Mode:   "mock",
			Locale: "en-US",
		},
		Reachability: ReachabilityConfig{
			Mode:          "static",
			ProbeInterval: 5000,
		},
		Segmenter: SegmenterConfig{
			Enabled:        true,
			SegmentSeconds: 30,
			SampleRate:     16000,
			Channels:       1,
			DataDir:        "./data/audio",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBED_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBED_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBED_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBED_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBED_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBED_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBED_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBED_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBED_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBED_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBED_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBED_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBED_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBED_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBED_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBED_STORE_PATH")
	overrideString(&cfg.Remote.Endpoint, "SCRIBED_REMOTE_ENDPOINT")
	overrideString(&cfg.Remote.Token, "SCRIBED_REMOTE_TOKEN")
	overrideInt(&cfg.Remote.UploadTimeout, "SCRIBED_REMOTE_UPLOAD_TIMEOUT_MS")
	overrideInt(&cfg.Remote.MaxAttempts, "SCRIBED_REMOTE_MAX_ATTEMPTS")
	overrideInt(&cfg.Remote.BaseDelay, "SCRIBED_REMOTE_BASE_DELAY_MS")
	overrideInt(&cfg.Remote.MaxDelay, "SCRIBED_REMOTE_MAX_DELAY_MS")
	overrideInt(&cfg.Orchestrator.Concurrency, "SCRIBED_ORCHESTRATOR_CONCURRENCY")
	overrideInt(&cfg.Orchestrator.FailureThreshold, "SCRIBED_ORCHESTRATOR_FAILURE_THRESHOLD")
	overrideInt(&cfg.Orchestrator.DrainBudget, "SCRIBED_ORCHESTRATOR_DRAIN_BUDGET_MS")
	overrideString(&cfg.Fallback.Mode, "SCRIBED_FALLBACK_MODE")
	overrideString(&cfg.Fallback.Command, "SCRIBED_FALLBACK_COMMAND")
	overrideString(&cfg.Fallback.Locale, "SCRIBED_FALLBACK_LOCALE")
	overrideString(&cfg.Reachability.Mode, "SCRIBED_REACHABILITY_MODE")
	overrideString(&cfg.Reachability.ProbeURL, "SCRIBED_REACHABILITY_PROBE_URL")
	overrideInt(&cfg.Reachability.ProbeInterval, "SCRIBED_REACHABILITY_PROBE_INTERVAL_MS")
	overrideBool(&cfg.Segmenter.Enabled, "SCRIBED_SEGMENTER_ENABLED")
	overrideInt(&cfg.Segmenter.SegmentSeconds, "SCRIBED_SEGMENTER_SEGMENT_SECONDS")
	overrideInt(&cfg.Segmenter.SampleRate, "SCRIBED_SEGMENTER_SAMPLE_RATE")
	overrideInt(&cfg.Segmenter.Channels, "SCRIBED_SEGMENTER_CHANNELS")
	overrideString(&cfg.Segmenter.DataDir, "SCRIBED_SEGMENTER_DATA_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Remote.UploadTimeout <= 0 {
		return errors.New("remote.upload_timeout_ms must be positive")
	}
	if cfg.Remote.MaxAttempts <= 0 {
		return errors.New("remote.max_attempts must be >= 1")
	}
	if cfg.Remote.BaseDelay <= 0 {
		return errors.New("remote.base_delay_ms must be positive")
	}
	if cfg.Remote.MaxDelay < cfg.Remote.BaseDelay {
		return errors.New("remote.max_delay_ms must be >= remote.base_delay_ms")
	}
	if cfg.Orchestrator.Concurrency <= 0 {
		return errors.New("orchestrator.concurrency must be >= 1")
	}
	if cfg.Orchestrator.FailureThreshold <= 0 {
		return errors.New("orchestrator.failure_threshold must be >= 1")
	}
	if cfg.Orchestrator.DrainBudget <= 0 {
		return errors.New("orchestrator.drain_budget_ms must be positive")
	}
	switch cfg.Fallback.Mode {
	case "mock", "exec":
	default:
		return errors.New("fallback.mode must be one of mock|exec")
	}
	if cfg.Fallback.Mode == "exec" && cfg.Fallback.Command == "" {
		return errors.New("fallback.command must be set when mode=exec")
	}
	switch cfg.Reachability.Mode {
	case "static", "probe":
	default:
		return errors.New("reachability.mode must be one of static|probe")
	}
	if cfg.Reachability.Mode == "probe" {
		if cfg.Reachability.ProbeURL == "" {
			return errors.New("reachability.probe_url must be set when mode=probe")
		}
		if cfg.Reachability.ProbeInterval <= 0 {
			return errors.New("reachability.probe_interval_ms must be positive")
		}
	}
	if cfg.Segmenter.Enabled {
		if cfg.Segmenter.SegmentSeconds <= 0 {
			return errors.New("segmenter.segment_seconds must be positive")
		}
		if cfg.Segmenter.SampleRate <= 0 {
			return errors.New("segmenter.sample_rate must be positive")
		}
		if cfg.Segmenter.Channels <= 0 {
			return errors.New("segmenter.channels must be positive")
		}
		if cfg.Segmenter.DataDir == "" {
			return errors.New("segmenter.data_dir must not be empty when segmenter is enabled")
		}
	}
	return nil
}
