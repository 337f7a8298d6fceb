package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	u, err := Decode([]byte(`{"driverId":"d1","latitude":19.0596,"longitude":72.8296,"isActive":true}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", u.DriverID)
	require.NotNil(t, u.IsActive)
	assert.True(t, *u.IsActive)

	u, err = Decode([]byte(`{"driverId":"d1","latitude":19.0596,"longitude":72.8296}`))
	require.NoError(t, err)
	assert.Nil(t, u.IsActive)
	require.True(t, u.HasPosition())
	assert.Equal(t, 19.0596, *u.Latitude)
}

func TestDecodeAvailabilityOnly(t *testing.T) {
	u, err := Decode([]byte(`{"driverId":"d1","isActive":false}`))
	require.NoError(t, err)
	assert.False(t, u.HasPosition())
	require.NotNil(t, u.IsActive)
	assert.False(t, *u.IsActive)
}

func TestBuildersRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, u := range map[string]LocationUpdate{
		"position":     Position("d1", 19.0596, 72.8296, at),
		"availability": Availability("d1", true, at),
	} {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(u)
			require.NoError(t, err)
			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, u.HasPosition(), got.HasPosition())
			assert.Equal(t, u.IsActive == nil, got.IsActive == nil)
		})
	}
	raw, err := json.Marshal(Availability("d1", false, at))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "latitude")
}

func TestDecodeRejectsBadMessages(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":  `{`,
		"no driver": `{"latitude":1,"longitude":1}`,
		"bad lat":   `{"driverId":"d1","latitude":91,"longitude":1}`,
		"bad lon":   `{"driverId":"d1","latitude":1,"longitude":-181}`,
		"half pos":  `{"driverId":"d1","latitude":1}`,
		"empty":     `{"driverId":"d1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}
