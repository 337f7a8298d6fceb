package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIsKeyedByBooking(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m, err := message(LifecycleEvent{
		Type:        TypeAccepted,
		BookingID:   "b1",
		Status:      "accepted",
		PassengerID: "p1",
		DriverID:    "d1",
		Actor:       "driver",
		OccurredAt:  at,
	})
	require.NoError(t, err)
	assert.Equal(t, "b1", string(m.Key))
	require.Len(t, m.Headers, 1)
	assert.Equal(t, "type", m.Headers[0].Key)
	assert.Equal(t, TypeAccepted, string(m.Headers[0].Value))
	assert.Equal(t, at, m.Time)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(m.Value, &decoded))
	assert.Equal(t, "d1", decoded["driverId"])
	assert.NotContains(t, decoded, "reason")
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), LifecycleEvent{Type: TypeRequested}))
	assert.NoError(t, p.Close())
}
