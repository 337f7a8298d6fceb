package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaBookingTopic  string

	PGDSN         string
	DirectoryDSN  string
	RunMigrations bool

	// ProfileSyncInterval re-copies approved driver profiles into the index.
	// Zero disables the periodic sync.
	ProfileSyncInterval time.Duration

	DispatchWindow         time.Duration
	DispatchRadiusMeters   float64
	DispatchCandidateLimit int
	DispatchCategoryFilter bool
	ExpiryRetryAttempts    int
	ExpiryRetryDelay       time.Duration

	ETADefaultSpeedMps float64
	ETACacheTTL        time.Duration
	OSRMEndpoint       string
	GoogleMapsAPIKey   string

	CORSAllowedOrigins []string
	LogLevel           string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "drivers:geo",
		ProfileSyncInterval:    5 * time.Minute,
		KafkaLocationTopic:     "driver-locations",
		KafkaBookingTopic:      "booking-events",
		DispatchWindow:         60 * time.Second,
		DispatchRadiusMeters:   5000,
		DispatchCandidateLimit: 10,
		DispatchCategoryFilter: true,
		ExpiryRetryAttempts:    3,
		ExpiryRetryDelay:       200 * time.Millisecond,
		ETADefaultSpeedMps:     10,
		ETACacheTTL:            30 * time.Second,
		CORSAllowedOrigins:     []string{"*"},
		LogLevel:               "info",
	}
}

// LoadDotEnv populates the environment from a .env file when one exists.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaBookingTopic, "KAFKA_BOOKING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.DirectoryDSN = os.Getenv("DIRECTORY_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.ProfileSyncInterval, "PROFILE_SYNC_INTERVAL", &errs)

	setDurationFromEnv(&cfg.DispatchWindow, "DISPATCH_WINDOW", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.DispatchCandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setBoolFromEnv(&cfg.DispatchCategoryFilter, "DISPATCH_CATEGORY_FILTER", &errs)
	setIntFromEnv(&cfg.ExpiryRetryAttempts, "EXPIRY_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ExpiryRetryDelay, "EXPIRY_RETRY_DELAY", &errs)

	setFloatFromEnv(&cfg.ETADefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DispatchWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WINDOW must be > 0"))
	}
	if cfg.DispatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if cfg.DispatchCandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.ExpiryRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("EXPIRY_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.ProfileSyncInterval < 0 {
		errs = append(errs, fmt.Errorf("PROFILE_SYNC_INTERVAL must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers:geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
