// Package httpapi exposes the dispatch core over REST and WebSocket.
// Callers are authenticated upstream; the gateway forwards identity in the
// X-User-ID (rider) and X-Driver-ID (driver) headers.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
)

const (
	riderHeader  = "X-User-ID"
	driverHeader = "X-Driver-ID"
)

// Dispatcher is the subset of the dispatch coordinator the API calls.
type Dispatcher interface {
	RequestRide(ctx context.Context, req dispatch.RideRequest) (dispatch.RideRequested, error)
	ClaimRide(ctx context.Context, driverID, bookingID string) (dispatch.Claimed, error)
	RejectRide(ctx context.Context, driverID, bookingID string) error
	StartRide(ctx context.Context, driverID, bookingID, code string) (*booking.Booking, error)
	CompleteRide(ctx context.Context, driverID, bookingID string) (*booking.Booking, error)
	CancelRide(ctx context.Context, req dispatch.CancelRequest) (*booking.Booking, error)
	VerificationCode(ctx context.Context, passengerID, bookingID string) (string, error)
	Booking(ctx context.Context, actorID, bookingID string) (*booking.Booking, error)
	PassengerHistory(ctx context.Context, passengerID string, limit int) ([]*booking.Booking, error)
	DriverHistory(ctx context.Context, driverID string, limit int) ([]*booking.Booking, error)
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lon float64) error
	SetDriverActive(ctx context.Context, driverID string, active bool) error
}

// Realtime upgrades authenticated clients to their notification session.
type Realtime interface {
	ServeDriver(w http.ResponseWriter, r *http.Request, driverID string)
	ServeRider(w http.ResponseWriter, r *http.Request, riderID string)
}

type Options struct {
	Dispatcher     Dispatcher
	Realtime       Realtime
	Logger         *slog.Logger
	AllowedOrigins []string
	// Ready reports whether backing stores are reachable. Optional.
	Ready func(ctx context.Context) error
}

type Server struct {
	dispatcher Dispatcher
	realtime   Realtime
	ready      func(ctx context.Context) error
	logger     *slog.Logger
	mux        *mux.Router
	handler    http.Handler
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		dispatcher: opts.Dispatcher,
		realtime:   opts.Realtime,
		ready:      opts.Ready,
		logger:     logger.With("component", "http"),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", riderHeader, driverHeader, requestIDHeader},
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.mux.HandleFunc("/find-drivers", s.rider(s.handleFindDrivers)).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings", s.rider(s.handlePassengerHistory)).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/{id}/cancel", s.rider(s.handleRiderCancel)).Methods(http.MethodPost)
	s.mux.HandleFunc("/verification-code/{bookingId}", s.rider(s.handleVerificationCode)).Methods(http.MethodGet)

	d := s.mux.PathPrefix("/driver").Subrouter()
	d.HandleFunc("/accept-ride", s.driver(s.handleAcceptRide)).Methods(http.MethodPost)
	d.HandleFunc("/reject-ride", s.driver(s.handleRejectRide)).Methods(http.MethodPost)
	d.HandleFunc("/start-ride", s.driver(s.handleStartRide)).Methods(http.MethodPost)
	d.HandleFunc("/complete-ride", s.driver(s.handleCompleteRide)).Methods(http.MethodPost)
	d.HandleFunc("/cancel-ride", s.driver(s.handleDriverCancel)).Methods(http.MethodPost)
	d.HandleFunc("/update-location", s.driver(s.handleUpdateLocation)).Methods(http.MethodPost)
	d.HandleFunc("/active-status", s.driver(s.handleActiveStatus)).Methods(http.MethodPatch)
	d.HandleFunc("/bookings", s.driver(s.handleDriverHistory)).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/driver", s.driver(s.handleDriverWS)).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/rider", s.rider(s.handleRiderWS)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleFindDrivers(w http.ResponseWriter, r *http.Request, riderID string) {
	var req findDriversRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	res, err := s.dispatcher.RequestRide(r.Context(), req.rideRequest(riderID))
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request, driverID string) {
	var req bookingRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	claimed, err := s.dispatcher.ClaimRide(r.Context(), driverID, req.BookingID)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request, driverID string) {
	var req bookingRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	if err := s.dispatcher.RejectRide(r.Context(), driverID, req.BookingID); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Ride rejected"})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request, driverID string) {
	var req startRideRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	b, err := s.dispatcher.StartRide(r.Context(), driverID, req.BookingID, req.VerificationCode)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Ride started successfully", Booking: b})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request, driverID string) {
	var req bookingRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	b, err := s.dispatcher.CompleteRide(r.Context(), driverID, req.BookingID)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Ride completed successfully", Booking: b})
}

func (s *Server) handleRiderCancel(w http.ResponseWriter, r *http.Request, riderID string) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.cancel(w, r, dispatch.CancelRequest{
		BookingID: mux.Vars(r)["id"],
		Actor:     booking.ActorPassenger,
		ActorID:   riderID,
		Reason:    req.Reason,
	})
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request, driverID string) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.cancel(w, r, dispatch.CancelRequest{
		BookingID: req.BookingID,
		Actor:     booking.ActorDriver,
		ActorID:   driverID,
		Reason:    req.Reason,
	})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, req dispatch.CancelRequest) {
	if err := required("bookingId", req.BookingID); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	b, err := s.dispatcher.CancelRide(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Booking cancelled", Booking: b})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get(riderHeader)
	if actorID == "" {
		actorID = r.Header.Get(driverHeader)
	}
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	b, err := s.dispatcher.Booking(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleVerificationCode(w http.ResponseWriter, r *http.Request, riderID string) {
	id := mux.Vars(r)["bookingId"]
	code, err := s.dispatcher.VerificationCode(r.Context(), riderID, id)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verificationCodeResponse{BookingID: id, VerificationCode: code})
}

func (s *Server) handlePassengerHistory(w http.ResponseWriter, r *http.Request, riderID string) {
	s.history(w, r, riderID, s.dispatcher.PassengerHistory)
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request, driverID string) {
	s.history(w, r, driverID, s.dispatcher.DriverHistory)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, id string, list func(context.Context, string, int) ([]*booking.Booking, error)) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	bookings, err := list(r.Context(), id, limit)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []*booking.Booking{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Bookings: bookings})
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request, driverID string) {
	var req locationRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	lon, lat := req.Location.Coordinates[0], req.Location.Coordinates[1]
	if err := s.dispatcher.UpdateDriverLocation(r.Context(), driverID, lat, lon); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Location updated"})
}

func (s *Server) handleActiveStatus(w http.ResponseWriter, r *http.Request, driverID string) {
	var req activeStatusRequest
	if err := s.decodeValid(w, r, &req); err != nil {
		return
	}
	if err := s.dispatcher.SetDriverActive(r.Context(), driverID, *req.ActiveStatus); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"activeStatus": *req.ActiveStatus})
}

// Socket upgrades take identity from the gateway header like every other route.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request, driverID string) {
	s.realtime.ServeDriver(w, r, driverID)
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request, riderID string) {
	s.realtime.ServeRider(w, r, riderID)
}

type validator interface {
	validate() error
}

// decodeValid decodes the body into dst and validates it. The error response
// is already written when it returns non-nil.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, dst validator) error {
	if err := decodeJSON(w, r, dst, false); err != nil {
		s.writeDispatchError(w, r, err)
		return err
	}
	if err := dst.validate(); err != nil {
		s.writeDispatchError(w, r, err)
		return err
	}
	return nil
}

type identifiedHandler func(w http.ResponseWriter, r *http.Request, id string)

func (s *Server) rider(h identifiedHandler) http.HandlerFunc {
	return s.identified(riderHeader, h)
}

func (s *Server) driver(h identifiedHandler) http.HandlerFunc {
	return s.identified(driverHeader, h)
}

func (s *Server) identified(header string, h identifiedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(header)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+header+" header")
			return
		}
		h(w, r, id)
	}
}
