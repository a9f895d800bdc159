package domain

import "time"

// Config holds the complete Kestrel configuration. Fields carry cleanenv
// env tags so the whole tree can be populated from the environment.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" env:"KESTREL_TIER" env-default:"community"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine settings
	Engine EngineConfig `json:"engine"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"KESTREL_HOST" env-default:"0.0.0.0"`
	Port         int    `json:"port" env:"KESTREL_PORT" env-default:"8080"`
	ReadTimeout  int    `json:"readTimeout" env:"KESTREL_READ_TIMEOUT" env-default:"30"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"KESTREL_WRITE_TIMEOUT" env-default:"30"` // seconds
}

// EngineConfig holds categorization engine settings.
type EngineConfig struct {
	// ApplyWorkers bounds the worker pool for bulk apply and harness runs.
	ApplyWorkers int `json:"applyWorkers" env:"KESTREL_APPLY_WORKERS" env-default:"8"`

	// HarnessMaxLimit caps the recent-transaction sample a test run may scan.
	HarnessMaxLimit int `json:"harnessMaxLimit" env:"KESTREL_HARNESS_MAX_LIMIT" env-default:"500"`

	// AsyncWorker enables the bus consumer that auto-applies rules to
	// ingested transactions.
	AsyncWorker bool `json:"asyncWorker" env:"KESTREL_ASYNC_WORKER"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"KESTREL_LOG_LEVEL" env-default:"info"`    // debug, info, warn, error
	Format string `json:"format" env:"KESTREL_LOG_FORMAT" env-default:"json"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" env:"KESTREL_TRACING"`
	ServiceName  string `json:"serviceName" env:"KESTREL_TRACING_SERVICE" env-default:"kestrel"`
	ExporterType string `json:"exporterType" env:"KESTREL_TRACING_EXPORTER" env-default:"stdout"`
	Endpoint     string `json:"endpoint" env:"KESTREL_TRACING_ENDPOINT"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			ApplyWorkers:    8,
			HarnessMaxLimit: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Engine.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
