package eventloop

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop() (*Loop, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(&Config{Clock: clock}), clock
}

func TestLoop_PostOrdering(t *testing.T) {
	t.Parallel()

	l, _ := newTestLoop()
	var got []int
	l.Post(func() { got = append(got, 1) })
	l.Post(func() { got = append(got, 2) })
	l.Post(func() { got = append(got, 3) })
	l.RunUntilIdle()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestLoop_PostFromCallback(t *testing.T) {
	t.Parallel()

	l, _ := newTestLoop()
	ran := false
	l.Post(func() {
		l.Post(func() { ran = true })
	})
	l.RunUntilIdle()
	assert.True(t, ran)
}

func TestTimer_FireAfterAdvance(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	fired := 0
	tm := l.NewTimer(func() { fired++ })
	tm.Schedule(10 * time.Second)
	l.RunUntilIdle()
	assert.Equal(t, 0, fired)

	clock.Advance(9 * time.Second)
	l.RunUntilIdle()
	assert.Equal(t, 0, fired)
	assert.True(t, tm.Scheduled())

	clock.Advance(time.Second)
	l.RunUntilIdle()
	assert.Equal(t, 1, fired)
	assert.False(t, tm.Scheduled())

	// One-shot: never fires twice.
	clock.Advance(time.Minute)
	l.RunUntilIdle()
	assert.Equal(t, 1, fired)
}

func TestTimer_StopCancels(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	fired := 0
	tm := l.NewTimer(func() { fired++ })
	tm.Schedule(5 * time.Second)
	tm.Stop()
	clock.Advance(time.Minute)
	l.RunUntilIdle()
	assert.Equal(t, 0, fired)
}

func TestTimer_RestartReplacesDeadline(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	fired := 0
	tm := l.NewTimer(func() { fired++ })
	tm.Schedule(5 * time.Second)
	tm.Schedule(20 * time.Second)

	clock.Advance(10 * time.Second)
	l.RunUntilIdle()
	assert.Equal(t, 0, fired)

	clock.Advance(10 * time.Second)
	l.RunUntilIdle()
	assert.Equal(t, 1, fired)
}

func TestTimer_Remaining(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	tm := l.NewTimer(func() {})
	assert.Equal(t, time.Duration(0), tm.Remaining())

	tm.Schedule(30 * time.Second)
	clock.Advance(10 * time.Second)
	assert.Equal(t, 20*time.Second, tm.Remaining())
}

func TestTimer_RescheduleFromCallback(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	fired := 0
	var tm *Timer
	tm = l.NewTimer(func() {
		fired++
		if fired < 3 {
			tm.Schedule(time.Second)
		}
	})
	tm.Schedule(time.Second)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		l.RunUntilIdle()
	}
	assert.Equal(t, 3, fired)
}

func TestTimer_OrderByDeadline(t *testing.T) {
	t.Parallel()

	l, clock := newTestLoop()
	var got []string
	a := l.NewTimer(func() { got = append(got, "a") })
	b := l.NewTimer(func() { got = append(got, "b") })
	c := l.NewTimer(func() { got = append(got, "c") })
	c.Schedule(3 * time.Second)
	a.Schedule(1 * time.Second)
	b.Schedule(2 * time.Second)

	clock.Advance(5 * time.Second)
	l.RunUntilIdle()
	require.Equal(t, []string{"a", "b", "c"}, got)
}
