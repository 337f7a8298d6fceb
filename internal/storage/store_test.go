package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newBooking(t *testing.T, passengerID string, createdAt time.Time) *booking.Booking {
	t.Helper()
	b, err := booking.New(booking.NewParams{
		ID:          uuid.NewString(),
		PassengerID: passengerID,
		Pickup:      booking.NamedPoint{Address: "Bandra", Coordinates: []float64{72.8296, 19.0596}},
		Drop:        booking.NamedPoint{Address: "Powai", Coordinates: []float64{72.9050, 19.1176}},
		Fare:        240,
		Distance:    11.2,
		Duration:    32,
		Code:        "5678",
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
	return b
}

type storeUnderTest interface {
	BookingStore
	WorkLogSink
}

func stores(t *testing.T) map[string]storeUnderTest {
	out := map[string]storeUnderTest{"memory": NewMemoryStore()}
	if dsn := os.Getenv("PG_TEST_DSN"); dsn != "" {
		ctx := context.Background()
		pg, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, pg.Migrate(ctx))
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBooking(t, "p1", t0)
			require.NoError(t, s.Create(ctx, b))
			assert.ErrorIs(t, s.Create(ctx, b), ErrDuplicate)

			got, err := s.Get(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, booking.StatusPending, got.Status)
			assert.Nil(t, got.DriverID)
			assert.Equal(t, "5678", got.VerificationCode)
			assert.Equal(t, []float64{72.8296, 19.0596}, got.PickupLocation.Coordinates)
			assert.True(t, got.CreatedAt.Equal(t0))

			_, err = s.Get(ctx, uuid.NewString())
			assert.ErrorIs(t, err, booking.ErrNotFound)
		})
	}
}

func TestTryClaimExactlyOneWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBooking(t, "p1", t0)
			require.NoError(t, s.Create(ctx, b))

			const drivers = 16
			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
				mu    sync.Mutex
				wins  []string
			)
			for i := 0; i < drivers; i++ {
				wg.Add(1)
				driverID := uuid.NewString()
				go func() {
					defer wg.Done()
					<-start
					claimed, ok, err := s.TryClaim(ctx, b.ID, driverID, t0.Add(time.Second))
					assert.NoError(t, err)
					if ok {
						assert.Equal(t, booking.StatusAccepted, claimed.Status)
						assert.True(t, claimed.AssignedTo(driverID))
						mu.Lock()
						wins = append(wins, driverID)
						mu.Unlock()
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Len(t, wins, 1)
			got, err := s.Get(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, booking.StatusAccepted, got.Status)
			require.NotNil(t, got.DriverID)
			assert.Equal(t, wins[0], *got.DriverID)
			require.NotNil(t, got.AcceptedAt)
		})
	}
}

func TestTryClaimUnknownBooking(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			claimed, ok, err := s.TryClaim(context.Background(), uuid.NewString(), "d1", t0)
			assert.False(t, ok)
			assert.Nil(t, claimed)
			assert.ErrorIs(t, err, booking.ErrNotFound)
		})
	}
}

func TestApplyLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBooking(t, "p1", t0)
			require.NoError(t, s.Create(ctx, b))
			_, ok, err := s.TryClaim(ctx, b.ID, "d1", t0.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)

			_, err = s.Apply(ctx, b.ID, func(b *booking.Booking) error {
				return b.Start("d1", "1234", t0.Add(2*time.Minute))
			})
			assert.ErrorIs(t, err, booking.ErrVerificationMismatch)
			got, _ := s.Get(ctx, b.ID)
			assert.Equal(t, booking.StatusAccepted, got.Status)

			started, err := s.Apply(ctx, b.ID, func(b *booking.Booking) error {
				return b.Start("d1", "5678", t0.Add(3*time.Minute))
			})
			require.NoError(t, err)
			assert.Equal(t, booking.StatusInProgress, started.Status)
			assert.Equal(t, booking.VerificationVerified, started.VerificationStatus)

			done, err := s.Apply(ctx, b.ID, func(b *booking.Booking) error {
				return b.Complete("d1", t0.Add(30*time.Minute))
			})
			require.NoError(t, err)
			assert.Equal(t, booking.StatusCompleted, done.Status)

			wl, err := booking.NewWorkLog(done)
			require.NoError(t, err)
			require.NoError(t, s.SaveWorkLog(ctx, wl))

			_, err = s.Apply(ctx, b.ID, func(b *booking.Booking) error {
				return b.Cancel(booking.ActorSystem, "", "late", t0.Add(time.Hour))
			})
			assert.ErrorIs(t, err, booking.ErrInvalidTransition)
		})
	}
}

func TestListByPassengerAndDriver(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			passenger := uuid.NewString()
			driver := uuid.NewString()
			var ids []string
			for i := 0; i < 3; i++ {
				b := newBooking(t, passenger, t0.Add(time.Duration(i)*time.Minute))
				require.NoError(t, s.Create(ctx, b))
				ids = append(ids, b.ID)
			}
			_, ok, err := s.TryClaim(ctx, ids[1], driver, t0.Add(time.Hour))
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.ListByPassenger(ctx, passenger, 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, ids[2], got[0].ID)
			assert.Equal(t, ids[0], got[2].ID)

			got, err = s.ListByPassenger(ctx, passenger, 2)
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = s.ListByDriver(ctx, driver, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, ids[1], got[0].ID)
		})
	}
}

func TestMemoryStoreDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := newBooking(t, "p1", t0)
	require.NoError(t, s.Create(ctx, b))
	b.Status = booking.StatusCompleted

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	got.PickupLocation.Coordinates[0] = 0
	again, _ := s.Get(ctx, b.ID)
	assert.Equal(t, booking.StatusPending, again.Status)
	assert.Equal(t, 72.8296, again.PickupLocation.Coordinates[0])
}

func TestMemoryApplyLeavesRecordOnGuardFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := newBooking(t, "p1", t0)
	require.NoError(t, s.Create(ctx, b))

	boom := errors.New("boom")
	_, err := s.Apply(ctx, b.ID, func(b *booking.Booking) error {
		b.Status = booking.StatusCancelled
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ := s.Get(ctx, b.ID)
	assert.Equal(t, booking.StatusPending, got.Status)
}

func TestMemoryWorkLogs(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SaveWorkLog(context.Background(), booking.WorkLog{DriverID: "d1", BookingID: "b1"}))
	require.NoError(t, s.SaveWorkLog(context.Background(), booking.WorkLog{DriverID: "d2", BookingID: "b2"}))
	logs := s.WorkLogs("d1")
	require.Len(t, logs, 1)
	assert.Equal(t, "b1", logs[0].BookingID)
}
