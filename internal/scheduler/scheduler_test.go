package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/clock"
)

func TestScheduleFiresOnce(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	s := New(c)
	var runs int32
	s.Schedule("b1", time.Minute, func(context.Context) { atomic.AddInt32(&runs, 1) })
	require.Equal(t, 1, s.Pending())

	c.Advance(59 * time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	c.Advance(time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, 0, s.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestCancelPreventsRun(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	s := New(c)
	ran := false
	s.Schedule("b1", time.Minute, func(context.Context) { ran = true })

	assert.True(t, s.Cancel("b1"))
	assert.False(t, s.Cancel("b1"))
	c.Advance(2 * time.Minute)
	assert.False(t, ran)
}

func TestRescheduleReplacesPendingTask(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	s := New(c)
	var got []string
	s.Schedule("b1", time.Minute, func(context.Context) { got = append(got, "first") })
	s.Schedule("b1", 2*time.Minute, func(context.Context) { got = append(got, "second") })
	require.Equal(t, 1, s.Pending())

	c.Advance(3 * time.Minute)
	assert.Equal(t, []string{"second"}, got)
}

func TestStopCancelsEverything(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	s := New(c)
	ran := false
	s.Schedule("a", time.Second, func(context.Context) { ran = true })
	s.Schedule("b", time.Second, func(context.Context) { ran = true })
	s.Stop()

	c.Advance(time.Minute)
	assert.False(t, ran)
	s.Schedule("c", time.Second, func(context.Context) { ran = true })
	assert.Equal(t, 0, s.Pending())
}

func TestRealClock(t *testing.T) {
	s := New(nil)
	defer s.Stop()
	done := make(chan struct{})
	s.Schedule("b1", 10*time.Millisecond, func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
}
