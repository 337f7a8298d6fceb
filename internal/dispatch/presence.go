package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/observability"
)

// UpdateDriverLocation applies a position report to the driver index and
// forwards it to the location stream when one is configured.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, lat, lon float64) error {
	if err := requireIDs("driver id", driverID); err != nil {
		return err
	}
	if err := booking.ValidateCoordinates(lon, lat); err != nil {
		return err
	}
	if err := s.index.UpdateLocation(ctx, driverID, geo.Coord{Lat: lat, Lon: lon}); err != nil {
		return fmt.Errorf("update driver location: %w", err)
	}
	observability.LocationUpdates.WithLabelValues("direct").Inc()
	s.forward(ctx, ingest.Position(driverID, lat, lon, s.clock.Now()))
	return nil
}

// SetDriverActive toggles the driver's availability for new offers. Going
// active first refreshes approval and categories from the directory, so a
// driver approved or suspended after startup is dispatched accordingly.
func (s *Service) SetDriverActive(ctx context.Context, driverID string, active bool) error {
	if err := requireIDs("driver id", driverID); err != nil {
		return err
	}
	if active {
		if err := s.refreshProfile(ctx, driverID); err != nil {
			return err
		}
	}
	if err := s.index.SetActive(ctx, driverID, active); err != nil {
		return fmt.Errorf("set driver active: %w", err)
	}
	s.forward(ctx, ingest.Availability(driverID, active, s.clock.Now()))
	s.logger.Info("driver availability changed", "driver_id", driverID, "active", active)
	return nil
}

// RestorePresence places a driver at a last known position together with its
// directory profile. Used when an instance starts with drivers already on the
// map.
func (s *Service) RestorePresence(ctx context.Context, driverID string, lat, lon float64, active bool) error {
	if err := booking.ValidateCoordinates(lon, lat); err != nil {
		return err
	}
	d, err := s.dir.Driver(ctx, driverID)
	if err != nil {
		return err
	}
	return s.index.Upsert(ctx, geo.Presence{
		DriverID:       driverID,
		Location:       geo.Coord{Lat: lat, Lon: lon},
		IsActive:       active,
		ApprovalStatus: d.ApprovalStatus,
		Categories:     d.Categories,
		UpdatedAt:      s.clock.Now(),
	})
}

// refreshProfile copies the directory's approval and categories into the
// index. A driver the directory no longer knows is dropped from the index;
// any other directory failure keeps the profile the index already holds.
func (s *Service) refreshProfile(ctx context.Context, driverID string) error {
	d, err := s.dir.Driver(ctx, driverID)
	switch {
	case errors.Is(err, booking.ErrNotFound):
		if rerr := s.index.Remove(ctx, driverID); rerr != nil {
			s.logger.Warn("unknown driver not removed from index", "driver_id", driverID, "error", rerr)
		}
		return err
	case err != nil:
		s.logger.Warn("driver profile unavailable, keeping indexed profile", "driver_id", driverID, "error", err)
		return nil
	}
	if err := s.index.SetProfile(ctx, driverID, d.ApprovalStatus, d.Categories); err != nil {
		return fmt.Errorf("sync driver profile: %w", err)
	}
	return nil
}

func (s *Service) forward(ctx context.Context, u ingest.LocationUpdate) {
	if s.locations == nil {
		return
	}
	if err := s.locations.PublishLocation(ctx, u); err != nil {
		s.logger.Warn("presence not forwarded", "driver_id", u.DriverID, "error", err)
	}
}
