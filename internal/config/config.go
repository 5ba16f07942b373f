package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all engine settings, populated from environment variables.
type Config struct {
	// Source (PostgreSQL) connection.
	PostgresDSN      string
	PostgresMaxConns int32

	// Target (MongoDB) connection.
	MongoURI      string
	MongoDatabase string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	LogFile         string
	ShutdownTimeout time.Duration

	// Migration tuning.
	BatchSize           int
	PageSize            int
	WriteConcurrency    int
	PredictionRetention time.Duration
	CheckpointPath      string

	// Connectivity retry.
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// Verification.
	VerifySampleSize    int
	VerifyFullScanLimit int
	VerifyInterval      time.Duration

	// Optional report publishing. Empty brokers disables it.
	KafkaBrokers     []string
	KafkaReportTopic string
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is loaded first if present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PostgresDSN:      postgresDSN(),
		MongoURI:         sharedcfg.EnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:    sharedcfg.EnvOrDefault("MONGO_DB", "weather"),
		HTTPAddr:         sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		LogFile:          os.Getenv("LOG_FILE"),
		ShutdownTimeout:  shutdownTimeout,
		BatchSize:        batchSize,
		CheckpointPath:   os.Getenv("CHECKPOINT_PATH"),
		KafkaReportTopic: sharedcfg.EnvOrDefault("KAFKA_REPORT_TOPIC", "weather-sync-reports"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"PAGE_SIZE", 500, &cfg.PageSize},
		{"WRITE_CONCURRENCY", 1, &cfg.WriteConcurrency},
		{"RETRY_MAX_ATTEMPTS", 5, &cfg.RetryMaxAttempts},
		{"VERIFY_SAMPLE_SIZE", 100, &cfg.VerifySampleSize},
		{"VERIFY_FULL_SCAN_LIMIT", 10000, &cfg.VerifyFullScanLimit},
	}
	for _, f := range ints {
		if *f.dst, err = parsePositiveInt(f.key, f.def); err != nil {
			return nil, err
		}
	}

	maxConns, err := parsePositiveInt("PG_MAX_CONNS", 4)
	if err != nil {
		return nil, err
	}
	cfg.PostgresMaxConns = int32(maxConns)

	durations := []struct {
		key       string
		def       string
		allowZero bool
		dst       *time.Duration
	}{
		{"PREDICTION_RETENTION", "0s", true, &cfg.PredictionRetention},
		{"RETRY_INITIAL_BACKOFF", "200ms", false, &cfg.RetryInitialBackoff},
		{"RETRY_MAX_BACKOFF", "5s", false, &cfg.RetryMaxBackoff},
		{"VERIFY_INTERVAL", "1h", false, &cfg.VerifyInterval},
	}
	for _, f := range durations {
		if *f.dst, err = parseDuration(f.key, f.def, f.allowZero); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MongoDatabase == "" {
		return errors.New("MONGO_DB is required")
	}
	if c.MongoURI == "" {
		return errors.New("MONGO_URI is required")
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		return errors.New("RETRY_MAX_BACKOFF must not be less than RETRY_INITIAL_BACKOFF")
	}
	if c.VerifySampleSize > c.VerifyFullScanLimit {
		return errors.New("VERIFY_SAMPLE_SIZE must not exceed VERIFY_FULL_SCAN_LIMIT")
	}
	return nil
}

// postgresDSN returns PG_DSN when set, otherwise a URL assembled from the
// PG_HOST, PG_PORT, PG_DBNAME, PG_USER and PG_PASSWORD variables.
func postgresDSN() string {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme: "postgres",
		Host: net.JoinHostPort(
			sharedcfg.EnvOrDefault("PG_HOST", "localhost"),
			sharedcfg.EnvOrDefault("PG_PORT", "5432"),
		),
		Path: "/" + sharedcfg.EnvOrDefault("PG_DBNAME", "weather"),
	}
	user := sharedcfg.EnvOrDefault("PG_USER", "postgres")
	if pw := os.Getenv("PG_PASSWORD"); pw != "" {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
