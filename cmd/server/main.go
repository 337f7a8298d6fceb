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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ride-dispatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, addr, logLevel, seedFile string
	flags := pflag.NewFlagSet("ride-dispatch", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	flags.StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.StringVar(&seedFile, "directory-seed", "", "JSON file of passengers and drivers used when DIRECTORY_DSN is unset")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		closers []func() error
		checks  []func(context.Context) error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var index geo.Index = geo.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, rc.Close)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("driver index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var (
		store    storage.BookingStore
		workLogs storage.WorkLogSink
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("booking schema applied")
		}
		checks = append(checks, ps.Ping)
		store, workLogs = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		store, workLogs = ms, ms
		logger.Warn("PG_DSN not set, bookings are kept in memory")
	}

	dir, err := openDirectory(ctx, cfg.DirectoryDSN, seedFile, &closers, &checks, logger)
	if err != nil {
		return err
	}
	if err := syncProfiles(ctx, dir, index, logger); err != nil {
		return err
	}

	var (
		publisher events.Publisher = events.Nop{}
		locations dispatch.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaBookingTopic, logger)
		closers = append(closers, kp.Close)
		publisher = kp

		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, lp.Close)
		locations = lp
	}

	estimator, err := newEstimator(cfg, logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(nil, nil, allowOrigin(cfg.CORSAllowedOrigins), logger)
	closers = append(closers, func() error { hub.Close(); return nil })

	svc := dispatch.New(dispatch.Deps{
		Index:     index,
		Store:     store,
		WorkLogs:  workLogs,
		Notifier:  hub,
		Directory: dir,
		Matcher:   &matcher.Service{ETA: estimator, DefaultSpeedMps: cfg.ETADefaultSpeedMps},
		Events:    publisher,
		Locations: locations,
		Logger:    logger,
	}, dispatch.Config{
		Window:           cfg.DispatchWindow,
		RadiusMeters:     cfg.DispatchRadiusMeters,
		CandidateLimit:   cfg.DispatchCandidateLimit,
		CategoryFilter:   cfg.DispatchCategoryFilter,
		ExpiryAttempts:   cfg.ExpiryRetryAttempts,
		ExpiryRetryDelay: cfg.ExpiryRetryDelay,
	})
	closers = append(closers, func() error { svc.Close(); return nil })
	hub.BindPresence(svc)
	if err := restorePositions(ctx, dir, svc, logger); err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Options{
		Dispatcher:     svc,
		Realtime:       hub,
		Logger:         logger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ProfileSyncInterval > 0 {
		g.Go(func() error {
			resyncProfiles(gctx, cfg.ProfileSyncInterval, dir, index, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type profileSource interface {
	directory.Directory
	ApprovedDrivers(ctx context.Context) ([]directory.DriverProfile, error)
}

func openDirectory(ctx context.Context, dsn, seedFile string, closers *[]func() error, checks *[]func(context.Context) error, logger *slog.Logger) (profileSource, error) {
	if dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("directory pool: %w", err)
		}
		*closers = append(*closers, func() error { pool.Close(); return nil })
		*checks = append(*checks, pool.Ping)
		return directory.NewPostgres(pool), nil
	}
	if seedFile == "" {
		logger.Warn("DIRECTORY_DSN not set, using an empty in-memory directory")
		return directory.NewMemory(), nil
	}
	f, err := os.Open(seedFile)
	if err != nil {
		return nil, fmt.Errorf("directory seed: %w", err)
	}
	defer f.Close()
	return directory.LoadSeed(f)
}

// syncProfiles copies approval and categories of every approved driver into
// the index. Position and availability still come from the drivers.
func syncProfiles(ctx context.Context, dir profileSource, index geo.Index, logger *slog.Logger) error {
	drivers, err := dir.ApprovedDrivers(ctx)
	if err != nil {
		return err
	}
	for _, d := range drivers {
		if err := index.SetProfile(ctx, d.ID, d.ApprovalStatus, d.Categories); err != nil {
			return err
		}
	}
	logger.Info("driver profiles synced", "count", len(drivers))
	return nil
}

// resyncProfiles repeats syncProfiles until ctx ends so approvals granted
// after startup reach the index even for drivers who never toggle
// availability on this instance.
func resyncProfiles(ctx context.Context, every time.Duration, dir profileSource, index geo.Index, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := syncProfiles(ctx, dir, index, logger); err != nil && ctx.Err() == nil {
				logger.Warn("driver profile sync failed", "error", err)
			}
		}
	}
}

// restorePositions places drivers from a seed file on the map.
func restorePositions(ctx context.Context, dir profileSource, svc *dispatch.Service, logger *slog.Logger) error {
	seeded, ok := dir.(interface{ Positions() []directory.Position })
	if !ok {
		return nil
	}
	positions := seeded.Positions()
	for _, p := range positions {
		if err := svc.RestorePresence(ctx, p.DriverID, p.Lat(), p.Lon(), p.IsActive); err != nil {
			return fmt.Errorf("restore position of %s: %w", p.DriverID, err)
		}
	}
	if len(positions) > 0 {
		logger.Info("seeded driver positions restored", "count", len(positions))
	}
	return nil
}

func newEstimator(cfg config.ServerConfig, logger *slog.Logger) (eta.Estimator, error) {
	var remote eta.Estimator
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		remote = gc
	case cfg.OSRMEndpoint != "":
		remote = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	return eta.NewChain(remote, eta.NewCache(cfg.ETACacheTTL), eta.Naive{SpeedMps: cfg.ETADefaultSpeedMps}, logger), nil
}

func allowOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
