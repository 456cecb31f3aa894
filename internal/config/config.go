// Package config holds the central Config struct and its defaults,
// file, and environment loaders, following the teacher's single
// nested-struct-per-component convention.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// VMConfig tunes the Bytecode VM (SPEC_FULL §4.3).
type VMConfig struct {
	DefaultGasBudget uint64 `json:"default_gas_budget"` // default: 1_000_000
	TraceEnabled     bool   `json:"trace_enabled"`       // per-instruction Debug-level trace log
}

// ProfilerConfig tunes the Execution Profiler's hot-path detection and
// decay sweep (SPEC_FULL §4.4).
type ProfilerConfig struct {
	HotExecutionCount int64         `json:"hot_execution_count"` // default: 50
	HotAvgDuration    time.Duration `json:"hot_avg_duration"`    // default: 200us
	DecayInterval     time.Duration `json:"decay_interval"`      // default: 30s
	DecayIdleAfter    time.Duration `json:"decay_idle_after"`    // default: 10m
}

// JITConfig tunes the JIT compiler's native-routine cache (SPEC_FULL §4.5).
type JITConfig struct {
	CacheCapacity int `json:"cache_capacity"` // default: 256, LRU-evicted
}

// CoordinatorConfig tunes the Orchestration Coordinator (SPEC_FULL §4.7).
type CoordinatorConfig struct {
	DefaultGasBudget  uint64        `json:"default_gas_budget"`   // default: 1_000_000
	CheckpointTTL     time.Duration `json:"checkpoint_ttl"`       // default: 1h
	TenantIDFromState string        `json:"tenant_id_from_state"` // dot-path; empty disables tenant stamping
	MaxAutoExtend     int           `json:"max_auto_extend"`      // bound on Session state's sequence auto-extension-on-write, default: 1024
}

// PipelineConfig tunes the Persistence-Intent Pipeline (SPEC_FULL §4.8).
type PipelineConfig struct {
	ShardCapacity int           `json:"shard_capacity"` // default: 1024
	Workers       int           `json:"workers"`        // default: 8
	PollInterval  time.Duration `json:"poll_interval"`  // default: 50ms
	DrainTimeout  time.Duration `json:"drain_timeout"`  // default: 5s
	ReceiptBuffer int           `json:"receipt_buffer"` // default: 1024
	ValidationSLA time.Duration `json:"validation_sla"` // default: 50ms, feeds the Policy Gate's latency_ratio
	LatencyWindow int           `json:"latency_window"` // default: 300
}

// PolicyConfig tunes the Policy Gate's composite metric, adaptive
// thresholds, and bundle quorum (SPEC_FULL §4.9, §6 item 1/4).
type PolicyConfig struct {
	Interval    time.Duration `json:"interval"`     // control interval, default: 1s
	WindowSize  int           `json:"window_size"`  // rolling sample window, default: 300
	Beta        float64       `json:"beta"`          // EWMA smoothing, default: 0.2
	Epsilon     float64       `json:"epsilon"`       // hysteresis band, default: 0.05
	TGreen      float64       `json:"t_green"`       // quantile cut for green_upper, default: 0.80
	TAmber      float64       `json:"t_amber"`       // additional mass stacked onto TGreen, default: 0.15
	WeightDepth float64       `json:"weight_depth"`  // composite metric w_d, default: 0.5
	WeightLat   float64       `json:"weight_lat"`    // composite metric w_l, default: 0.3
	WeightErr   float64       `json:"weight_err"`    // composite metric w_e, default: 0.2
	QuorumSize  int           `json:"quorum_size"`   // distinct signer IDs required to activate a bundle, default: 2
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`      // default: false
	Exporter    string  `json:"exporter"`     // otlp-http, otlp-grpc, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // theatre
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`   // default: true
	Namespace string `json:"namespace"` // theatre
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// GRPCConfig holds the gRPC health-probe server settings for `serve`.
type GRPCConfig struct {
	Enabled bool   `json:"enabled"` // default: false
	Addr    string `json:"addr"`    // :9090
}

// StoreConfig holds the optional pgx-backed Policy Bundle and durable
// checkpoint store settings (SPEC_FULL §4 DOMAIN STACK, jackc/pgx/v5).
type StoreConfig struct {
	Enabled bool   `json:"enabled"` // default: false, in-memory only
	DSN     string `json:"dsn"`
}

// EventBusConfig holds the typed event stream's notifier backend
// settings (SPEC_FULL §6 Event bus; redis/go-redis/v9).
type EventBusConfig struct {
	Backend  string `json:"backend"` // "channel" (default) or "redis"
	RedisURL string `json:"redis_url"`
}

// DaemonConfig holds `serve` daemon settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"` // :8080
	LogLevel string `json:"log_level"`
}

// Config is the central configuration struct embedding every
// component's config.
type Config struct {
	VM            VMConfig            `json:"vm"`
	Profiler      ProfilerConfig      `json:"profiler"`
	JIT           JITConfig           `json:"jit"`
	Coordinator   CoordinatorConfig   `json:"coordinator"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Policy        PolicyConfig        `json:"policy"`
	Observability ObservabilityConfig `json:"observability"`
	GRPC          GRPCConfig          `json:"grpc"`
	Store         StoreConfig         `json:"store"`
	EventBus      EventBusConfig      `json:"event_bus"`
	Daemon        DaemonConfig        `json:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring each
// package's own mergeConfig defaults except for the pipeline's
// DrainTimeout and ReceiptBuffer: these are 5s and 1024 here, while
// asyncqueue falls back to 30s and 4096 for zero values.
func DefaultConfig() *Config {
	return &Config{
		VM: VMConfig{
			DefaultGasBudget: 1_000_000,
		},
		Profiler: ProfilerConfig{
			HotExecutionCount: 50,
			HotAvgDuration:    200 * time.Microsecond,
			DecayInterval:     30 * time.Second,
			DecayIdleAfter:    10 * time.Minute,
		},
		JIT: JITConfig{
			CacheCapacity: 256,
		},
		Coordinator: CoordinatorConfig{
			DefaultGasBudget: 1_000_000,
			CheckpointTTL:    time.Hour,
			MaxAutoExtend:    1024,
		},
		Pipeline: PipelineConfig{
			ShardCapacity: 1024,
			Workers:       8,
			PollInterval:  50 * time.Millisecond,
			DrainTimeout:  5 * time.Second,
			ReceiptBuffer: 1024,
			ValidationSLA: 50 * time.Millisecond,
			LatencyWindow: 300,
		},
		Policy: PolicyConfig{
			Interval:    time.Second,
			WindowSize:  300,
			Beta:        0.2,
			Epsilon:     0.05,
			TGreen:      0.80,
			TAmber:      0.15,
			WeightDepth: 0.5,
			WeightLat:   0.3,
			WeightErr:   0.2,
			QuorumSize:  2,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "theatre",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "theatre",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Store: StoreConfig{
			Enabled: false,
		},
		EventBus: EventBusConfig{
			Backend: "channel",
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON file, applied on top of
// DefaultConfig so an omitted field keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies THEATRE_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("THEATRE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("THEATRE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("THEATRE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	if v := os.Getenv("THEATRE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv("THEATRE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}

	if v := os.Getenv("THEATRE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("THEATRE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("THEATRE_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("THEATRE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}

	if v := os.Getenv("THEATRE_STORE_ENABLED"); v != "" {
		cfg.Store.Enabled = parseBool(v)
	}
	if v := os.Getenv("THEATRE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Enabled = true
	}

	if v := os.Getenv("THEATRE_EVENTBUS_BACKEND"); v != "" {
		cfg.EventBus.Backend = v
	}
	if v := os.Getenv("THEATRE_EVENTBUS_REDIS_URL"); v != "" {
		cfg.EventBus.RedisURL = v
	}

	if v := os.Getenv("THEATRE_VM_GAS_BUDGET"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.VM.DefaultGasBudget = n
			cfg.Coordinator.DefaultGasBudget = n
		}
	}
	if v := os.Getenv("THEATRE_VM_TRACE"); v != "" {
		cfg.VM.TraceEnabled = parseBool(v)
	}
	if v := os.Getenv("THEATRE_MAX_AUTO_EXTEND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordinator.MaxAutoExtend = n
		}
	}

	if v := os.Getenv("THEATRE_JIT_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JIT.CacheCapacity = n
		}
	}

	if v := os.Getenv("THEATRE_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("THEATRE_PIPELINE_SHARD_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.ShardCapacity = n
		}
	}
	if v := os.Getenv("THEATRE_PIPELINE_VALIDATION_SLA"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.ValidationSLA = d
		}
	}

	if v := os.Getenv("THEATRE_POLICY_QUORUM_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.QuorumSize = n
		}
	}
	if v := os.Getenv("THEATRE_POLICY_WEIGHTS"); v != "" {
		// "depth,latency,error" e.g. "0.5,0.3,0.2"
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			wd, errD := strconv.ParseFloat(parts[0], 64)
			wl, errL := strconv.ParseFloat(parts[1], 64)
			we, errE := strconv.ParseFloat(parts[2], 64)
			if errD == nil && errL == nil && errE == nil {
				cfg.Policy.WeightDepth, cfg.Policy.WeightLat, cfg.Policy.WeightErr = wd, wl, we
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
