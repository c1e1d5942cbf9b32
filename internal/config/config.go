package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	OAuth    OAuthConfig
	Gate     GateConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
	Admin    AdminConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Rate limit applied to the public OAuth/payment routes.
	RateLimitRPS   int
	RateLimitBurst int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds message queue configuration for outbound notifications
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	// Enabled gates the AMQP publisher; when false, notifications are
	// logged and dropped.
	Enabled bool
}

// StorageConfig holds object storage configuration for audit exports
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	ExportInterval  time.Duration
}

// OAuthConfig holds identity-provider configuration for account linking
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	PublicBaseURL string
	StartPath    string
	CallbackPath string
	CallbackURL  string
	Scopes       []string
	// StateSecret signs state tokens. Falls back to GatewayToken, then to
	// ClientSecret when empty.
	StateSecret  string
	GatewayToken string
	StateMaxAge  time.Duration
	HTTPTimeout  time.Duration
}

// GateConfig holds access-control configuration
type GateConfig struct {
	// DataDir is where the legacy flat-file snapshot from the previous
	// deployment generation lives; created if missing.
	DataDir string
	// AdminIDs is a comma-separated list of sender ids that always hold
	// the owner role.
	AdminIDs string
	TrialDays         int
	TrialDailyLimit   int
	ExpiredDailyLimit int
	CacheTTL          time.Duration

	BurstWindow       time.Duration
	BurstMaxMessages  int
	BurstWarnCooldown time.Duration
	BurstMaxEntries   int

	SweepInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// AdminConfig holds the admin API configuration
type AdminConfig struct {
	APIKey string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 10)
	viper.SetDefault("server.rateLimitBurst", 20)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "gatekeeper")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")
	viper.SetDefault("queue.enabled", false)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "gatekeeper-audit")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)
	viper.SetDefault("storage.exportInterval", "24h")

	// OAuth defaults
	viper.SetDefault("oauth.startPath", "/auth/google/start")
	viper.SetDefault("oauth.callbackPath", "/auth/google/callback")
	viper.SetDefault("oauth.stateMaxAge", "15m")
	viper.SetDefault("oauth.httpTimeout", "15s")

	// Gate defaults
	viper.SetDefault("gate.dataDir", "./data")
	viper.SetDefault("gate.adminIDs", "")
	viper.SetDefault("gate.trialDays", 7)
	viper.SetDefault("gate.trialDailyLimit", 25)
	viper.SetDefault("gate.expiredDailyLimit", 2)
	viper.SetDefault("gate.cacheTTL", "5m")
	viper.SetDefault("gate.burstWindow", "60s")
	viper.SetDefault("gate.burstMaxMessages", 5)
	viper.SetDefault("gate.burstWarnCooldown", "30s")
	viper.SetDefault("gate.burstMaxEntries", 10000)
	viper.SetDefault("gate.sweepInterval", "1h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "gatekeeper")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")

	// Admin defaults
	viper.SetDefault("admin.apiKey", "")
}
