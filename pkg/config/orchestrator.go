package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	AutoMigrate      bool
	JWTSecret        string
	HostingAPIURL    string
	HostingAPIToken  string
	HostingTimeout   time.Duration
	StepTimeout      time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	CircuitThreshold int
	CircuitWindow    time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	DeployRateLimit  int
	DeployRateWindow time.Duration
	OTLPEndpoint     string
	LogLevel         string
	StreamBuffer     int
	ShutdownTimeout  time.Duration
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("ADDR", ":4000"),
		DatabaseURL:      GetString("DATABASE_URL", ""),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", ""),
		AutoMigrate:      GetBool("DB_AUTO_MIGRATE", true),
		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		HostingAPIURL:    GetString("HOSTING_API_URL", "http://localhost:8080"),
		HostingAPIToken:  GetString("HOSTING_API_TOKEN", ""),
		HostingTimeout:   GetDuration("HOSTING_TIMEOUT_SECONDS", time.Second, 15*time.Second),
		StepTimeout:      GetDuration("STEP_TIMEOUT_SECONDS", time.Second, 30*time.Second),
		MaxRetries:       GetInt("MAX_RETRIES", 1),
		BackoffBase:      GetDuration("BACKOFF_BASE_MS", time.Millisecond, time.Second),
		CircuitThreshold: GetInt("CIRCUIT_THRESHOLD", 5),
		CircuitWindow:    GetDuration("CIRCUIT_WINDOW_SECONDS", time.Second, 5*time.Minute),
		RedisAddr:        GetString("REDIS_ADDR", ""),
		RedisPassword:    GetString("REDIS_PASSWORD", ""),
		RedisDB:          GetInt("REDIS_DB", 0),
		DeployRateLimit:  GetInt("DEPLOY_RATE_LIMIT", 30),
		DeployRateWindow: GetDuration("DEPLOY_RATE_WINDOW_SECONDS", time.Second, time.Minute),
		OTLPEndpoint:     GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		StreamBuffer:     GetInt("STREAM_BUFFER", 64),
		ShutdownTimeout:  GetDuration("SHUTDOWN_TIMEOUT_SECONDS", time.Second, 30*time.Second),
	}
}
