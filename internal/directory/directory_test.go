package directory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	d.PutPassenger(PassengerProfile{ID: "p1", Name: "Asha"})
	d.PutDriver(DriverProfile{ID: "d1", Name: "Ravi", Mobile: "+91 98200 00000"})

	p, err := d.Passenger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, DefaultPassengerRating, p.Rating)

	dr, err := d.Driver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", dr.DriverID)

	_, err = d.Passenger(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrNotFound)
	_, err = d.Driver(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	d, err := LoadSeed(strings.NewReader(`{
		"passengers": [{"id": "p1", "name": "Asha", "mobile": "+91 90000 00001"}],
		"drivers": [
			{"id": "d2", "name": "Meera", "approvalStatus": "approved", "categories": ["car"]},
			{"id": "d1", "name": "Ravi", "approvalStatus": "approved"},
			{"id": "d3", "name": "Sunil", "approvalStatus": "pending"}
		]
	}`))
	require.NoError(t, err)

	p, err := d.Passenger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Asha", p.Name)
	assert.Equal(t, DefaultPassengerRating, p.Rating)

	approved, err := d.ApprovedDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, approved, 2)
	assert.Equal(t, "d1", approved[0].ID)
	assert.Equal(t, []string{"car"}, approved[1].Categories)

	_, err = LoadSeed(strings.NewReader(`{"drivers": [{"name": "no id"}]}`))
	assert.Error(t, err)
	_, err = LoadSeed(strings.NewReader(`{"riders": []}`))
	assert.Error(t, err)
}

func TestLoadSeedPositions(t *testing.T) {
	d, err := LoadSeed(strings.NewReader(`{
		"drivers": [{"id": "d1", "name": "Ravi", "approvalStatus": "approved"}],
		"positions": [{"driverId": "d1", "coordinates": [72.8296, 19.0596], "isActive": true}]
	}`))
	require.NoError(t, err)
	got := d.Positions()
	require.Len(t, got, 1)
	assert.Equal(t, 19.0596, got[0].Lat())
	assert.True(t, got[0].IsActive)

	for _, bad := range []string{
		`{"drivers": [], "positions": [{"driverId": "d9", "coordinates": [72.8, 19.0]}]}`,
		`{"drivers": [{"id": "d1"}], "positions": [{"driverId": "d1", "coordinates": [72.8]}]}`,
		`{"drivers": [{"id": "d1"}], "positions": [{"driverId": "d1", "coordinates": [72.8, 95]}]}`,
	} {
		_, err := LoadSeed(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}
