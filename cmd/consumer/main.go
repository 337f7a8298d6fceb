package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful driver index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total driver index updates abandoned after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ride-dispatch-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, metricsAddr string
	flags := pflag.NewFlagSet("ride-dispatch-consumer", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, index, cfg.RetryAttempts, cfg.RetryDelay, logger)
	logger.Info("shutting down consumer")
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume applies location messages until ctx is cancelled. Read errors back
// off exponentially; malformed messages and exhausted retries are skipped.
func consume(ctx context.Context, r messageReader, index presenceWriter, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		u, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, index, u, attempts, delay); err != nil {
			indexErrors.Inc()
			logger.Error("driver index update failed", "driver_id", u.DriverID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// presenceWriter is the part of the driver index the consumer writes to.
type presenceWriter interface {
	UpdateLocation(ctx context.Context, driverID string, loc geo.Coord) error
	SetActive(ctx context.Context, driverID string, active bool) error
}

// applyWithRetry writes one update with retry and doubling backoff.
func applyWithRetry(ctx context.Context, index presenceWriter, u ingest.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, index, u); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func apply(ctx context.Context, index presenceWriter, u ingest.LocationUpdate) error {
	if u.HasPosition() {
		if err := index.UpdateLocation(ctx, u.DriverID, geo.Coord{Lat: *u.Latitude, Lon: *u.Longitude}); err != nil {
			return err
		}
	}
	if u.IsActive != nil {
		return index.SetActive(ctx, u.DriverID, *u.IsActive)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
