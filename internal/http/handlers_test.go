package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type acceptAll struct{}

func (acceptAll) NotifyDriver(string, realtime.Event) bool { return true }
func (acceptAll) NotifyRider(string, realtime.Event) bool  { return true }

type fixture struct {
	server *Server
	index  *geo.MemoryIndex
	hub    *realtime.Hub
}

func newFixture(t *testing.T, notifier dispatch.Notifier) *fixture {
	t.Helper()
	index := geo.NewMemoryIndex()
	store := storage.NewMemoryStore()
	dir := directory.NewMemory()
	dir.PutPassenger(directory.PassengerProfile{ID: "p1", Name: "Asha Rao", Mobile: "+91 90000 00001"})
	dir.PutPassenger(directory.PassengerProfile{ID: "p2", Name: "Kiran"})
	for i, id := range []string{"d1", "d2", "d3"} {
		dir.PutDriver(directory.DriverProfile{ID: id, Name: "Driver " + id, ApprovalStatus: geo.ApprovalApproved})
		require.NoError(t, index.Upsert(context.Background(), geo.Presence{
			DriverID:       id,
			Location:       geo.Coord{Lat: 19.0596 + float64(i+1)*0.005, Lon: 72.8296},
			IsActive:       true,
			ApprovalStatus: geo.ApprovalApproved,
		}))
	}

	hub := realtime.NewHub(nil, nil, nil, nil)
	if notifier == nil {
		notifier = hub
	}
	svc := dispatch.New(dispatch.Deps{
		Index:     index,
		Store:     store,
		WorkLogs:  store,
		Notifier:  notifier,
		Directory: dir,
		Clock:     clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, dispatch.DefaultConfig())
	hub.BindPresence(svc)
	t.Cleanup(svc.Close)
	t.Cleanup(hub.Close)

	return &fixture{
		server: NewServer(Options{Dispatcher: svc, Realtime: hub}),
		index:  index,
		hub:    hub,
	}
}

func (f *fixture) do(t *testing.T, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)
	return w
}

func rider(id string) map[string]string  { return map[string]string{riderHeader: id} }
func driver(id string) map[string]string { return map[string]string{driverHeader: id} }

const findBody = `{
	"pickupLocation": {"address": "Bandra West", "coordinates": [72.8296, 19.0596]},
	"dropLocation": {"address": "Powai", "coordinates": [72.9050, 19.1176]},
	"paymentMethod": "cash",
	"fare": 240,
	"distance": 11.2,
	"duration": 32
}`

func (f *fixture) requestRide(t *testing.T) dispatch.RideRequested {
	t.Helper()
	w := f.do(t, http.MethodPost, "/find-drivers", rider("p1"), findBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res dispatch.RideRequested
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func bookingBody(id string) string { return `{"bookingId":"` + id + `"}` }

func startBody(id, code string) string {
	return `{"bookingId":"` + id + `","verificationCode":"` + code + `"}`
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e.Error
}

func TestFindDriversRequiresIdentity(t *testing.T) {
	f := newFixture(t, acceptAll{})
	w := f.do(t, http.MethodPost, "/find-drivers", nil, findBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFindDriversRejectsBadBodies(t *testing.T) {
	f := newFixture(t, acceptAll{})
	for name, body := range map[string]string{
		"not json":      `{"pickupLocation":`,
		"unknown field": `{"pickupLocation":{"coordinates":[72.8,19.0]},"surge":2}`,
		"no pickup":     `{"fare":100}`,
		"bad latitude":  `{"pickupLocation":{"coordinates":[72.8,190]}}`,
		"two objects":   `{"pickupLocation":{"coordinates":[72.8,19.0]}} {}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/find-drivers", rider("p1"), body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestFindDriversWithoutSupply(t *testing.T) {
	f := newFixture(t, acceptAll{})
	body := strings.Replace(findBody, "[72.8296, 19.0596]", "[77.5946, 12.9716]", 1)
	w := f.do(t, http.MethodPost, "/find-drivers", rider("p1"), body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, errorMessage(t, w), "no drivers")

	w = f.do(t, http.MethodGet, "/bookings", rider("p1"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bookings":[]}`, w.Body.String())
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, acceptAll{})
	res := f.requestRide(t)
	assert.Equal(t, 3, res.DriversNotified)
	require.Len(t, res.VerificationCode, 4)

	w := f.do(t, http.MethodPost, "/driver/accept-ride", driver("d1"), bookingBody(res.BookingID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var claimed dispatch.Claimed
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.Equal(t, "Ride accepted successfully", claimed.Message)
	assert.Equal(t, "Asha Rao", claimed.Booking.Passenger.Name)

	w = f.do(t, http.MethodPost, "/driver/accept-ride", driver("d2"), bookingBody(res.BookingID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	wrong := "1234"
	if res.VerificationCode == wrong {
		wrong = "4321"
	}
	w = f.do(t, http.MethodPost, "/driver/start-ride", driver("d1"), startBody(res.BookingID, wrong))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/bookings/"+res.BookingID, rider("p1"), "")
	require.Equal(t, http.StatusOK, w.Code)
	var b booking.Booking
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, booking.StatusAccepted, b.Status)
	assert.NotContains(t, w.Body.String(), `"verificationCode"`)

	w = f.do(t, http.MethodPost, "/driver/start-ride", driver("d2"), startBody(res.BookingID, res.VerificationCode))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/driver/start-ride", driver("d1"), startBody(res.BookingID, res.VerificationCode))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/driver/complete-ride", driver("d2"), bookingBody(res.BookingID))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodPost, "/driver/complete-ride", driver("d1"), bookingBody(res.BookingID))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/driver/complete-ride", driver("d1"), bookingBody(res.BookingID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/driver/bookings?limit=5", driver("d1"), "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist historyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Bookings, 1)
	assert.Equal(t, booking.StatusCompleted, hist.Bookings[0].Status)
}

func TestAcceptUnknownBooking(t *testing.T) {
	f := newFixture(t, acceptAll{})
	w := f.do(t, http.MethodPost, "/driver/accept-ride", driver("d1"), bookingBody("nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/driver/accept-ride", driver("d1"), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/driver/accept-ride", nil, bookingBody("nope"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerificationCodeIsOwnerOnly(t *testing.T) {
	f := newFixture(t, acceptAll{})
	res := f.requestRide(t)

	w := f.do(t, http.MethodGet, "/verification-code/"+res.BookingID, rider("p1"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bookingId":"`+res.BookingID+`","verificationCode":"`+res.VerificationCode+`"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/verification-code/"+res.BookingID, rider("p2"), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodGet, "/bookings/"+res.BookingID, driver("d1"), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodGet, "/bookings/"+res.BookingID, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCancelEndpoints(t *testing.T) {
	f := newFixture(t, acceptAll{})
	res := f.requestRide(t)

	w := f.do(t, http.MethodPost, "/bookings/"+res.BookingID+"/cancel", rider("p2"), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodPost, "/bookings/"+res.BookingID+"/cancel", rider("p1"), `{"reason":"plans changed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)

	res = f.requestRide(t)
	w = f.do(t, http.MethodPost, "/driver/accept-ride", driver("d3"), bookingBody(res.BookingID))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/driver/cancel-ride", driver("d3"), `{"bookingId":"`+res.BookingID+`","reason":"flat tyre"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/driver/cancel-ride", driver("d3"), `{"bookingId":"`+res.BookingID+`"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodPost, "/driver/cancel-ride", driver("d3"), `{"reason":"flat tyre"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectRide(t *testing.T) {
	f := newFixture(t, acceptAll{})
	res := f.requestRide(t)
	w := f.do(t, http.MethodPost, "/driver/reject-ride", driver("d1"), bookingBody(res.BookingID))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/driver/accept-ride", driver("d2"), bookingBody(res.BookingID))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDriverPresenceEndpoints(t *testing.T) {
	f := newFixture(t, acceptAll{})

	w := f.do(t, http.MethodPatch, "/driver/active-status", driver("d1"), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/driver/update-location", driver("d1"), `{"location":{"coordinates":[72.8]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, id := range []string{"d1", "d2", "d3"} {
		w = f.do(t, http.MethodPatch, "/driver/active-status", driver(id), `{"activeStatus":false}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"activeStatus":false}`, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/find-drivers", rider("p1"), findBody)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPatch, "/driver/active-status", driver("d2"), `{"activeStatus":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/driver/update-location", driver("d2"), `{"location":{"coordinates":[72.8297,19.0597]}}`)
	require.Equal(t, http.StatusOK, w.Code)

	res := f.requestRide(t)
	assert.Equal(t, 1, res.DriversNotified)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, acceptAll{})
	w := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ride_dispatch_http_requests_total")
}

func TestReadyReportsBackendFailure(t *testing.T) {
	s := NewServer(Options{Ready: func(context.Context) error { return assert.AnError }})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(Options{AllowedOrigins: []string{"https://app.example"}})
	r := httptest.NewRequest(http.MethodOptions, "/find-drivers", nil)
	r.Header.Set("Origin", "https://app.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", riderHeader)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebsocketOffersThroughMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/driver", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/driver", http.Header{driverHeader: {"d1"}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Online("d1") }, 2*time.Second, 10*time.Millisecond)

	res := f.requestRide(t)
	assert.Equal(t, 1, res.DriversNotified)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, realtime.EventRideRequest, ev.Event)
	assert.Contains(t, string(ev.Data), res.BookingID)
}

func TestWebsocketIgnoresQueryIdentity(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	for _, path := range []string{"/ws/driver?id=d1", "/ws/rider?id=p1"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+path, nil)
		require.Error(t, err, path)
		require.NotNil(t, resp, path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	assert.False(t, f.hub.Online("d1"))
}

func TestRideRequestReportsCandidatesAndDeliveries(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/driver", http.Header{driverHeader: {"d2"}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Online("d2") }, 2*time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/find-drivers", rider("p1"), findBody)
	require.Equal(t, http.StatusOK, w.Code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.EqualValues(t, 3, res["candidates"])
	assert.EqualValues(t, 1, res["driversNotified"])
}
