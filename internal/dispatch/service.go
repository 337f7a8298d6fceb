// Package dispatch coordinates ride requests: it finds candidate drivers,
// broadcasts offers, resolves the first claim and drives the booking through
// the rest of its lifecycle.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier delivers events to connected clients. Delivery is best effort.
type Notifier interface {
	NotifyDriver(driverID string, ev realtime.Event) bool
	NotifyRider(riderID string, ev realtime.Event) bool
}

// LocationPublisher forwards presence updates to the shared location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Config struct {
	Window           time.Duration
	RadiusMeters     float64
	CandidateLimit   int
	CategoryFilter   bool
	ExpiryAttempts   int
	ExpiryRetryDelay time.Duration
	EventTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		RadiusMeters:     geo.DefaultRadiusMeters,
		CandidateLimit:   geo.DefaultLimit,
		CategoryFilter:   true,
		ExpiryAttempts:   3,
		ExpiryRetryDelay: 200 * time.Millisecond,
		EventTimeout:     2 * time.Second,
	}
}

// Deps are the collaborators of the Service. Index, Store, Notifier and
// Directory are required; the rest default to no-op or in-process versions.
type Deps struct {
	Index     geo.Index
	Store     storage.BookingStore
	WorkLogs  storage.WorkLogSink
	Notifier  Notifier
	Directory directory.Directory
	Matcher   *matcher.Service
	Events    events.Publisher
	Locations LocationPublisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Service struct {
	index     geo.Index
	store     storage.BookingStore
	workLogs  storage.WorkLogSink
	notifier  Notifier
	dir       directory.Directory
	matcher   *matcher.Service
	events    events.Publisher
	locations LocationPublisher
	clock     clock.Clock
	sched     *scheduler.Scheduler
	logger    *slog.Logger
	cfg       Config

	newID   func() string
	newCode func() (string, error)
}

func New(d Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = def.RadiusMeters
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.ExpiryAttempts <= 0 {
		cfg.ExpiryAttempts = def.ExpiryAttempts
	}
	if cfg.ExpiryRetryDelay <= 0 {
		cfg.ExpiryRetryDelay = def.ExpiryRetryDelay
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Matcher == nil {
		d.Matcher = &matcher.Service{}
	}
	return &Service{
		index:     d.Index,
		store:     d.Store,
		workLogs:  d.WorkLogs,
		notifier:  d.Notifier,
		dir:       d.Directory,
		matcher:   d.Matcher,
		events:    d.Events,
		locations: d.Locations,
		clock:     d.Clock,
		sched:     scheduler.New(d.Clock),
		logger:    d.Logger.With("component", "dispatch"),
		cfg:       cfg,
		newID:     uuid.NewString,
		newCode:   booking.NewVerificationCode,
	}
}

// Close cancels every pending dispatch timeout.
func (s *Service) Close() {
	s.sched.Stop()
}

// PendingTimeouts reports how many dispatch timeouts are armed.
func (s *Service) PendingTimeouts() int {
	return s.sched.Pending()
}

func (s *Service) publish(ctx context.Context, typ string, b *booking.Booking, actor booking.Actor, reason string) {
	ev := events.LifecycleEvent{
		Type:        typ,
		BookingID:   b.ID,
		Status:      string(b.Status),
		PassengerID: b.PassengerID,
		Actor:       string(actor),
		Reason:      reason,
		OccurredAt:  s.clock.Now(),
	}
	if b.DriverID != nil {
		ev.DriverID = *b.DriverID
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EventTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("lifecycle event not published", "type", typ, "booking_id", b.ID, "error", err)
	}
}
