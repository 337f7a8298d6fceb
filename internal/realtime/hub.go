package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	RoleDriver = "driver"
	RoleRider  = "rider"

	presenceTimeout = 2 * time.Second
)

// PresenceHandler applies presence frames sent by driver clients.
type PresenceHandler interface {
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lon float64) error
	SetDriverActive(ctx context.Context, driverID string, active bool) error
}

// Hub owns the driver and rider registries and the websocket endpoints.
type Hub struct {
	drivers  Registry
	riders   Registry
	upgrader websocket.Upgrader
	presence PresenceHandler
	logger   *slog.Logger
	closing  atomic.Bool
}

func NewHub(drivers, riders Registry, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if drivers == nil {
		drivers = NewMemoryRegistry()
	}
	if riders == nil {
		riders = NewMemoryRegistry()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		drivers:  drivers,
		riders:   riders,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.With("component", "realtime"),
	}
}

// BindPresence sets the handler for driver presence frames. It must be called
// before the hub serves connections.
func (h *Hub) BindPresence(p PresenceHandler) { h.presence = p }

// NotifyDriver delivers ev to the driver's live session. Offline drivers and
// write failures yield false and are never surfaced as errors.
func (h *Hub) NotifyDriver(driverID string, ev Event) bool {
	return h.notify(h.drivers, RoleDriver, driverID, ev)
}

func (h *Hub) NotifyRider(riderID string, ev Event) bool {
	return h.notify(h.riders, RoleRider, riderID, ev)
}

// Online reports whether the driver currently has a session.
func (h *Hub) Online(driverID string) bool {
	_, ok := h.drivers.Lookup(driverID)
	return ok
}

func (h *Hub) notify(reg Registry, role, userID string, ev Event) bool {
	s, ok := reg.Lookup(userID)
	if !ok {
		observability.Notifications.WithLabelValues(role, ev.Name, "offline").Inc()
		h.logger.Debug("recipient offline", "role", role, "user_id", userID, "event", ev.Name)
		return false
	}
	if err := s.Send(ev); err != nil {
		observability.Notifications.WithLabelValues(role, ev.Name, "failed").Inc()
		h.logger.Warn("delivery failed", "role", role, "user_id", userID, "event", ev.Name, "error", err)
		reg.Remove(s)
		_ = s.Close()
		return false
	}
	observability.Notifications.WithLabelValues(role, ev.Name, "delivered").Inc()
	return true
}

// ServeDriver upgrades the request and runs the driver read loop until the
// connection drops. driverID must already be authenticated by the caller.
func (h *Hub) ServeDriver(w http.ResponseWriter, r *http.Request, driverID string) {
	h.serve(w, r, RoleDriver, driverID, h.drivers, h.handleDriverFrame)
}

// ServeRider upgrades the request and keeps the rider session registered
// until the connection drops. Riders only receive.
func (h *Hub) ServeRider(w http.ResponseWriter, r *http.Request, riderID string) {
	h.serve(w, r, RoleRider, riderID, h.riders, nil)
}

type frameHandler func(ctx context.Context, s Session, userID string, in inbound)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role, userID string, reg Registry, handle frameHandler) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "role", role, "user_id", userID, "error", err)
		return
	}
	s := NewWSSession(conn)
	reg.Register(userID, s)
	observability.WSSessions.WithLabelValues(role).Inc()
	h.logger.Info("session opened", "role", role, "user_id", userID, "session_id", s.ID())

	go s.keepalive()
	h.readLoop(r.Context(), s, conn, userID, handle)

	reg.Remove(s)
	_ = s.Close()
	observability.WSSessions.WithLabelValues(role).Dec()
	h.logger.Info("session closed", "role", role, "user_id", userID, "session_id", s.ID())
	if role == RoleDriver {
		h.driverGone(r.Context(), userID)
	}
}

// driverGone stops offers to a driver whose last session closed. A replaced
// session leaves the driver online, and shutdown keeps availability as is so
// drivers can reconnect to another instance.
func (h *Hub) driverGone(ctx context.Context, driverID string) {
	if h.presence == nil || h.closing.Load() || h.Online(driverID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := h.presence.SetDriverActive(ctx, driverID, false); err != nil {
		h.logger.Warn("offline driver still available", "driver_id", driverID, "error", err)
	}
}

func (h *Hub) readLoop(ctx context.Context, s *WSSession, conn *websocket.Conn, userID string, handle frameHandler) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("read loop ended", "user_id", userID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if handle == nil {
			continue
		}
		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			_ = s.Send(Event{Name: EventError, Data: errorPayload{Message: "invalid frame"}})
			continue
		}
		handle(ctx, s, userID, in)
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

type locationFrame struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type locationAck struct {
	Success   bool    `json:"success"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type activeFrame struct {
	IsActive *bool `json:"isActive"`
}

type activeAck struct {
	Success  bool `json:"success"`
	IsActive bool `json:"isActive"`
}

func (h *Hub) handleDriverFrame(ctx context.Context, s Session, driverID string, in inbound) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()

	switch in.Event {
	case "updateLocation", "updateDriverLocation":
		var f locationFrame
		if err := json.Unmarshal(in.Data, &f); err != nil || f.Latitude == nil || f.Longitude == nil {
			_ = s.Send(Event{Name: EventError, Data: errorPayload{Message: "latitude and longitude are required"}})
			return
		}
		if err := h.presence.UpdateDriverLocation(ctx, driverID, *f.Latitude, *f.Longitude); err != nil {
			h.logger.Warn("location update rejected", "driver_id", driverID, "error", err)
			_ = s.Send(Event{Name: EventError, Data: errorPayload{Message: err.Error()}})
			return
		}
		_ = s.Send(Event{Name: EventLocationUpdated, Data: locationAck{Success: true, Latitude: *f.Latitude, Longitude: *f.Longitude}})
	case "setActive":
		var f activeFrame
		if err := json.Unmarshal(in.Data, &f); err != nil || f.IsActive == nil {
			_ = s.Send(Event{Name: EventError, Data: errorPayload{Message: "isActive is required"}})
			return
		}
		if err := h.presence.SetDriverActive(ctx, driverID, *f.IsActive); err != nil {
			h.logger.Warn("active status rejected", "driver_id", driverID, "error", err)
			_ = s.Send(Event{Name: EventError, Data: errorPayload{Message: err.Error()}})
			return
		}
		_ = s.Send(Event{Name: EventActiveStatus, Data: activeAck{Success: true, IsActive: *f.IsActive}})
	default:
		h.logger.Debug("ignoring driver frame", "driver_id", driverID, "event", in.Event)
	}
}

// Close drops every session. Used on shutdown.
func (h *Hub) Close() {
	h.closing.Store(true)
	for _, reg := range []Registry{h.drivers, h.riders} {
		if m, ok := reg.(*MemoryRegistry); ok {
			for _, s := range m.Sessions() {
				m.Remove(s)
				_ = s.Close()
			}
		}
	}
}
