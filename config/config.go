package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return fmt.Errorf("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert

	return nil
}

// Config is the sync server configuration.
type Config struct {
	GrpcListenAddress  string        `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HttpListenAddress  string        `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	SQLiteDirPath      string        `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl      string        `env:"DATABASE_URL"`
	CACert             *Certificate  `env:"CA_CERT"`
	CorsAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RequestMaxAge      time.Duration `env:"REQUEST_MAX_AGE,default=5m"`
}

// ClientConfig configures the local queue and its replication worker.
type ClientConfig struct {
	QueueDBPath       string        `env:"QUEUE_DB_PATH,default=queue.db"`
	ServerAddress     string        `env:"SYNC_SERVER_ADDRESS,default=localhost:8080"`
	DeviceKey         string        `env:"DEVICE_KEY"`
	APIKey            string        `env:"SYNC_API_KEY"`
	BatchSize         int           `env:"SYNC_BATCH_SIZE,default=50"`
	Interval          time.Duration `env:"SYNC_INTERVAL,default=5s"`
	BatchTimeout      time.Duration `env:"SYNC_BATCH_TIMEOUT,default=15s"`
	BackoffInitial    time.Duration `env:"SYNC_BACKOFF_INITIAL,default=1s"`
	BackoffMax        time.Duration `env:"SYNC_BACKOFF_MAX,default=1m"`
	MaxAttempts       int           `env:"SYNC_MAX_ATTEMPTS,default=10"`
	Dedupe            string        `env:"SYNC_DEDUPE,default=all"`
	ConflictPolicy    string        `env:"SYNC_CONFLICT_POLICY,default=revision"`
	LogFile           string        `env:"LOG_FILE"`
	MetricsListenAddr string        `env:"METRICS_LISTEN_ADDRESS"`
}

// loadDotEnv reads a .env file from the working directory when present;
// variables already set in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func NewConfig() (*Config, error) {
	loadDotEnv()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CorsAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func NewClientConfig() (*ClientConfig, error) {
	loadDotEnv()
	var config ClientConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", config.BatchSize)
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive, got %d", config.MaxAttempts)
	}

	return &config, nil
}
