package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/booking"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
    id                  TEXT PRIMARY KEY,
    passenger_id        TEXT NOT NULL,
    driver_id           TEXT,
    pickup_address      TEXT NOT NULL DEFAULT '',
    pickup_lon          DOUBLE PRECISION NOT NULL,
    pickup_lat          DOUBLE PRECISION NOT NULL,
    drop_address        TEXT NOT NULL DEFAULT '',
    drop_lon            DOUBLE PRECISION,
    drop_lat            DOUBLE PRECISION,
    service_category    TEXT NOT NULL DEFAULT '',
    payment_method      TEXT NOT NULL,
    status              TEXT NOT NULL,
    fare                DOUBLE PRECISION NOT NULL DEFAULT 0,
    distance            DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration            DOUBLE PRECISION NOT NULL DEFAULT 0,
    notes               TEXT NOT NULL DEFAULT '',
    verification_code   TEXT NOT NULL,
    verification_status TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    accepted_at         TIMESTAMPTZ,
    started_at          TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    cancelled_at        TIMESTAMPTZ,
    cancelled_by        TEXT NOT NULL DEFAULT '',
    cancellation_reason TEXT NOT NULL DEFAULT '',
    CONSTRAINT bookings_driver_matches_status
        CHECK ((driver_id IS NOT NULL) = (status IN ('accepted', 'in_progress', 'completed')))
);
CREATE INDEX IF NOT EXISTS bookings_passenger_idx ON bookings (passenger_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_driver_idx ON bookings (driver_id, created_at DESC);

CREATE TABLE IF NOT EXISTS work_logs (
    booking_id    TEXT PRIMARY KEY REFERENCES bookings (id),
    driver_id     TEXT NOT NULL,
    passenger_id  TEXT NOT NULL,
    shift_start   TIMESTAMPTZ NOT NULL,
    shift_end     TIMESTAMPTZ NOT NULL,
    hours_worked  DOUBLE PRECISION NOT NULL,
    notes         TEXT NOT NULL DEFAULT '',
    location_addr TEXT NOT NULL DEFAULT '',
    location_lon  DOUBLE PRECISION,
    location_lat  DOUBLE PRECISION
);
`

const bookingColumns = `id, passenger_id, driver_id, pickup_address, pickup_lon, pickup_lat,
 drop_address, drop_lon, drop_lat, service_category, payment_method, status, fare, distance,
 duration, notes, verification_code, verification_status, created_at, accepted_at, started_at,
 completed_at, cancelled_at, cancelled_by, cancellation_reason`

const uniqueViolation = "23505"

// PostgresStore implements BookingStore and WorkLogSink on lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate bookings schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, b *booking.Booking) error {
	dropLon, dropLat := nullCoords(b.DropLocation)
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		b.ID, b.PassengerID, nullString(b.DriverID), b.PickupLocation.Address, b.PickupLocation.Lon(), b.PickupLocation.Lat(),
		b.DropLocation.Address, dropLon, dropLat, b.ServiceCategory, string(b.PaymentMethod), string(b.Status),
		b.Fare, b.Distance, b.Duration, b.Notes, b.VerificationCode, string(b.VerificationStatus), b.CreatedAt,
		nullTime(b.AcceptedAt), nullTime(b.StartedAt), nullTime(b.CompletedAt), nullTime(b.CancelledAt),
		string(b.CancelledBy), b.CancellationReason)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, b.ID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*booking.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// TryClaim assigns the driver in one conditional UPDATE. Only the winner gets
// a row back from RETURNING.
func (p *PostgresStore) TryClaim(ctx context.Context, id, driverID string, at time.Time) (*booking.Booking, bool, error) {
	if driverID == "" {
		return nil, false, fmt.Errorf("%w: driver id is required", booking.ErrInvalidRequest)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE bookings
SET driver_id = $2, status = 'accepted', accepted_at = GREATEST($3::timestamptz, created_at)
WHERE id = $1 AND status = 'pending' AND driver_id IS NULL
RETURNING `+bookingColumns, id, driverID, at)
	b, err := scanBooking(row)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, fmt.Errorf("booking %s: %w", id, booking.ErrNotFound)
	}
	return nil, false, nil
}

// Apply runs fn against the stored row and writes the result only while the
// row still carries the status fn observed.
func (p *PostgresStore) Apply(ctx context.Context, id string, fn booking.Transition) (*booking.Booking, error) {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	observed := cur.Status
	if err := fn(cur); err != nil {
		return nil, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
 driver_id = $3, status = $4, verification_status = $5, accepted_at = $6, started_at = $7,
 completed_at = $8, cancelled_at = $9, cancelled_by = $10, cancellation_reason = $11
WHERE id = $1 AND status = $2`,
		id, string(observed), nullString(cur.DriverID), string(cur.Status), string(cur.VerificationStatus),
		nullTime(cur.AcceptedAt), nullTime(cur.StartedAt), nullTime(cur.CompletedAt), nullTime(cur.CancelledAt),
		string(cur.CancelledBy), cur.CancellationReason)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: booking %s left %s concurrently", booking.ErrInvalidTransition, id, observed)
	}
	return cur, nil
}

func (p *PostgresStore) ListByPassenger(ctx context.Context, passengerID string, limit int) ([]*booking.Booking, error) {
	return p.list(ctx, `passenger_id = $1`, passengerID, limit)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*booking.Booking, error) {
	return p.list(ctx, `driver_id = $1`, driverID, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, limit int) ([]*booking.Booking, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+where+
		` ORDER BY created_at DESC, id DESC LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) SaveWorkLog(ctx context.Context, w booking.WorkLog) error {
	lon, lat := nullCoords(w.Location)
	_, err := p.db.ExecContext(ctx, `INSERT INTO work_logs
 (booking_id, driver_id, passenger_id, shift_start, shift_end, hours_worked, notes, location_addr, location_lon, location_lat)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (booking_id) DO NOTHING`,
		w.BookingID, w.DriverID, w.PassengerID, w.ShiftStart, w.ShiftEnd, w.HoursWorked, w.Notes,
		w.Location.Address, lon, lat)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*booking.Booking, error) {
	var (
		b                                   booking.Booking
		driverID                            sql.NullString
		pickupLon, pickupLat                float64
		dropLon, dropLat                    sql.NullFloat64
		payment, status, verif, cancelledBy string
		accepted, started, completed, canc  sql.NullTime
	)
	err := row.Scan(&b.ID, &b.PassengerID, &driverID, &b.PickupLocation.Address, &pickupLon, &pickupLat,
		&b.DropLocation.Address, &dropLon, &dropLat, &b.ServiceCategory, &payment, &status,
		&b.Fare, &b.Distance, &b.Duration, &b.Notes, &b.VerificationCode, &verif, &b.CreatedAt,
		&accepted, &started, &completed, &canc, &cancelledBy, &b.CancellationReason)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		b.DriverID = &driverID.String
	}
	b.PickupLocation.Coordinates = []float64{pickupLon, pickupLat}
	if dropLon.Valid && dropLat.Valid {
		b.DropLocation.Coordinates = []float64{dropLon.Float64, dropLat.Float64}
	}
	b.PaymentMethod = booking.PaymentMethod(payment)
	b.Status = booking.Status(status)
	b.VerificationStatus = booking.VerificationStatus(verif)
	b.CancelledBy = booking.Actor(cancelledBy)
	b.AcceptedAt = timePtr(accepted)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.CancelledAt = timePtr(canc)
	return &b, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullCoords(p booking.NamedPoint) (sql.NullFloat64, sql.NullFloat64) {
	if len(p.Coordinates) != 2 {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lon(), Valid: true}, sql.NullFloat64{Float64: p.Lat(), Valid: true}
}
