package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-dispatch/internal/booking"
)

// Postgres reads profiles from the account service's tables.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Passenger(ctx context.Context, id string) (PassengerProfile, error) {
	var (
		out    PassengerProfile
		mobile *string
		rating *float64
	)
	err := p.db.QueryRow(ctx, `
        SELECT id, name, mobile, rating
        FROM passengers
        WHERE id = $1`, id,
	).Scan(&out.ID, &out.Name, &mobile, &rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return PassengerProfile{}, fmt.Errorf("passenger %s: %w", id, booking.ErrNotFound)
	}
	if err != nil {
		return PassengerProfile{}, fmt.Errorf("load passenger %s: %w", id, err)
	}
	if mobile != nil {
		out.Mobile = *mobile
	}
	out.Rating = DefaultPassengerRating
	if rating != nil && *rating > 0 {
		out.Rating = *rating
	}
	return out, nil
}

func (p *Postgres) Driver(ctx context.Context, id string) (DriverProfile, error) {
	var (
		out        DriverProfile
		mobile     *string
		categories []string
	)
	err := p.db.QueryRow(ctx, `
        SELECT id, name, mobile, approval_status, categories
        FROM drivers
        WHERE id = $1`, id,
	).Scan(&out.ID, &out.Name, &mobile, &out.ApprovalStatus, &categories)
	if errors.Is(err, pgx.ErrNoRows) {
		return DriverProfile{}, fmt.Errorf("driver %s: %w", id, booking.ErrNotFound)
	}
	if err != nil {
		return DriverProfile{}, fmt.Errorf("load driver %s: %w", id, err)
	}
	out.DriverID = out.ID
	if mobile != nil {
		out.Mobile = *mobile
	}
	out.Categories = categories
	return out, nil
}

// ApprovedDrivers lists every approved driver so the geo index can be seeded
// with approval and category metadata at startup.
func (p *Postgres) ApprovedDrivers(ctx context.Context) ([]DriverProfile, error) {
	rows, err := p.db.Query(ctx, `
        SELECT id, name, mobile, approval_status, categories
        FROM drivers
        WHERE approval_status = 'approved'`)
	if err != nil {
		return nil, fmt.Errorf("list approved drivers: %w", err)
	}
	defer rows.Close()

	var out []DriverProfile
	for rows.Next() {
		var (
			d      DriverProfile
			mobile *string
		)
		if err := rows.Scan(&d.ID, &d.Name, &mobile, &d.ApprovalStatus, &d.Categories); err != nil {
			return nil, err
		}
		d.DriverID = d.ID
		if mobile != nil {
			d.Mobile = *mobile
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
