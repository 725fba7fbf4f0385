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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Capture     CaptureConfig     `yaml:"capture"`
	Analyzers   AnalyzersConfig   `yaml:"analyzers"`
	ResultStore ResultStoreConfig `yaml:"result_store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StatusEveryMS  int      `yaml:"status_every_ms"`
}

// PipelineConfig fixes the buffer pool geometry and the batching thresholds.
// Pool size and buffer capacity are immutable for the life of the process;
// only the batch size may change afterwards, via the explicit control message.
type PipelineConfig struct {
	PoolSize          int `yaml:"pool_size"`
	BufferCapacity    int `yaml:"buffer_capacity"`
	BatchSize         int `yaml:"batch_size"`
	MaxBatchLatencyMS int `yaml:"max_batch_latency_ms"`
	FrameSize         int `yaml:"frame_size"`
	SampleRate        int `yaml:"sample_rate"`
	SupervisorEveryMS int `yaml:"supervisor_every_ms"`
	InFlightTimeoutMS int `yaml:"in_flight_timeout_ms"`
}

type CaptureConfig struct {
	Source        string  `yaml:"source"` // synthetic, wav
	WAVPath       string  `yaml:"wav_path"`
	ToneHz        float64 `yaml:"tone_hz"`
	ToneAmplitude float64 `yaml:"tone_amplitude"`
}

type AnalyzersConfig struct {
	Level      bool    `yaml:"level"`
	Pitch      bool    `yaml:"pitch"`
	Loudness   bool    `yaml:"loudness"`
	PitchMinHz float64 `yaml:"pitch_min_hz"`
	PitchMaxHz float64 `yaml:"pitch_max_hz"`
}

type ResultStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxResults    int    `yaml:"max_results"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "pitchpipe",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StatusEveryMS:  2000,
		},
		Pipeline: PipelineConfig{
			PoolSize:          4,
			BufferCapacity:    4096,
			BatchSize:         4096,
			MaxBatchLatencyMS: 100,
			FrameSize:         128,
			SampleRate:        48000,
			SupervisorEveryMS: 250,
			InFlightTimeoutMS: 2000,
		},
		Capture: CaptureConfig{
			Source:        "synthetic",
			ToneHz:        440,
			ToneAmplitude: 0.5,
		},
		Analyzers: AnalyzersConfig{
			Level:      true,
			Pitch:      true,
			Loudness:   false,
			PitchMinHz: 60,
			PitchMaxHz: 1600,
		},
		ResultStore: ResultStoreConfig{
			Path:          "./data/pitchpipe-results.db",
			RetentionMode: "session",
			MaxResults:    100000,
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
	overrideString(&cfg.RuntimeName, "PITCHPIPE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PITCHPIPE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PITCHPIPE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PITCHPIPE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PITCHPIPE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PITCHPIPE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PITCHPIPE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "PITCHPIPE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PITCHPIPE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PITCHPIPE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PITCHPIPE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PITCHPIPE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PITCHPIPE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PITCHPIPE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PITCHPIPE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PITCHPIPE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.StatusEveryMS, "PITCHPIPE_BUS_STATUS_EVERY_MS")
	overrideInt(&cfg.Pipeline.PoolSize, "PITCHPIPE_PIPELINE_POOL_SIZE")
	overrideInt(&cfg.Pipeline.BufferCapacity, "PITCHPIPE_PIPELINE_BUFFER_CAPACITY")
	overrideInt(&cfg.Pipeline.BatchSize, "PITCHPIPE_PIPELINE_BATCH_SIZE")
	overrideInt(&cfg.Pipeline.MaxBatchLatencyMS, "PITCHPIPE_PIPELINE_MAX_BATCH_LATENCY_MS")
	overrideInt(&cfg.Pipeline.FrameSize, "PITCHPIPE_PIPELINE_FRAME_SIZE")
	overrideInt(&cfg.Pipeline.SampleRate, "PITCHPIPE_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.SupervisorEveryMS, "PITCHPIPE_PIPELINE_SUPERVISOR_EVERY_MS")
	overrideInt(&cfg.Pipeline.InFlightTimeoutMS, "PITCHPIPE_PIPELINE_IN_FLIGHT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Source, "PITCHPIPE_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.WAVPath, "PITCHPIPE_CAPTURE_WAV_PATH")
	overrideFloat(&cfg.Capture.ToneHz, "PITCHPIPE_CAPTURE_TONE_HZ")
	overrideFloat(&cfg.Capture.ToneAmplitude, "PITCHPIPE_CAPTURE_TONE_AMPLITUDE")
	overrideBool(&cfg.Analyzers.Level, "PITCHPIPE_ANALYZERS_LEVEL")
	overrideBool(&cfg.Analyzers.Pitch, "PITCHPIPE_ANALYZERS_PITCH")
	overrideBool(&cfg.Analyzers.Loudness, "PITCHPIPE_ANALYZERS_LOUDNESS")
	overrideFloat(&cfg.Analyzers.PitchMinHz, "PITCHPIPE_ANALYZERS_PITCH_MIN_HZ")
	overrideFloat(&cfg.Analyzers.PitchMaxHz, "PITCHPIPE_ANALYZERS_PITCH_MAX_HZ")
	overrideString(&cfg.ResultStore.Path, "PITCHPIPE_RESULT_STORE_PATH")
	overrideString(&cfg.ResultStore.RetentionMode, "PITCHPIPE_RESULT_STORE_RETENTION_MODE")
	overrideInt(&cfg.ResultStore.MaxResults, "PITCHPIPE_RESULT_STORE_MAX_RESULTS")
	overrideBool(&cfg.ResultStore.VacuumOnStart, "PITCHPIPE_RESULT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.StatusEveryMS < 0 {
			return errors.New("bus.status_every_ms must be >= 0")
		}
	}
	if cfg.Pipeline.PoolSize <= 0 {
		return errors.New("pipeline.pool_size must be >= 1")
	}
	if cfg.Pipeline.BufferCapacity <= 0 {
		return errors.New("pipeline.buffer_capacity must be positive")
	}
	if cfg.Pipeline.FrameSize <= 0 {
		return errors.New("pipeline.frame_size must be positive")
	}
	if cfg.Pipeline.FrameSize > cfg.Pipeline.BufferCapacity {
		return errors.New("pipeline.frame_size must not exceed buffer_capacity")
	}
	if cfg.Pipeline.BatchSize < cfg.Pipeline.FrameSize || cfg.Pipeline.BatchSize > cfg.Pipeline.BufferCapacity {
		return errors.New("pipeline.batch_size must be between frame_size and buffer_capacity")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.MaxBatchLatencyMS <= 0 {
		return errors.New("pipeline.max_batch_latency_ms must be positive")
	}
	if cfg.Pipeline.SupervisorEveryMS <= 0 {
		return errors.New("pipeline.supervisor_every_ms must be positive")
	}
	if cfg.Pipeline.InFlightTimeoutMS <= cfg.Pipeline.SupervisorEveryMS {
		return errors.New("pipeline.in_flight_timeout_ms must be greater than supervisor_every_ms")
	}
	switch cfg.Capture.Source {
	case "synthetic", "wav":
		// ok
	default:
		return errors.New("capture.source must be one of synthetic|wav")
	}
	if cfg.Capture.Source == "wav" && cfg.Capture.WAVPath == "" {
		return errors.New("capture.wav_path must be set when source=wav")
	}
	if cfg.Analyzers.Pitch {
		if cfg.Analyzers.PitchMinHz <= 0 || cfg.Analyzers.PitchMaxHz <= cfg.Analyzers.PitchMinHz {
			return errors.New("analyzers.pitch_min_hz and pitch_max_hz must describe a positive range")
		}
	}
	if cfg.ResultStore.Path == "" {
		return errors.New("result_store.path must not be empty")
	}
	switch cfg.ResultStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("result_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.ResultStore.MaxResults < 0 {
		return errors.New("result_store.max_results must be >= 0")
	}
	return nil
}
