package evloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleTimerFiresAfterDelay(t *testing.T) {
	l := New()
	l.Run()
	defer l.Stop()

	fired := make(chan struct{}, 1)
	start := time.Now()
	l.ScheduleTimer(20*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	l := New()
	l.Run()
	defer l.Stop()

	var fired int32
	id := l.ScheduleTimer(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	l.CancelTimer(id)

	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestPokeRunsAheadOfLaterTimer(t *testing.T) {
	l := New()
	l.Run()
	defer l.Stop()

	var order []string
	done := make(chan struct{})

	l.ScheduleTimer(50*time.Millisecond, func() {
		order = append(order, "timer")
		close(done)
	})
	l.Poke(func() { order = append(order, "poke") })

	select {
	case <-done:
		require.Len(t, order, 2)
		assert.Equal(t, "poke", order[0])
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestZeroDelayTimerRunsAsynchronously(t *testing.T) {
	l := New()
	l.Run()
	defer l.Stop()

	ran := make(chan struct{})
	var calledBeforeReturn int32 = 1
	l.ScheduleTimer(0, func() {
		close(ran)
		atomic.StoreInt32(&calledBeforeReturn, 0)
	})
	// ScheduleTimer must not have run fn synchronously.
	assert.EqualValues(t, 1, atomic.LoadInt32(&calledBeforeReturn))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("zero-delay timer never fired")
	}
}

func TestMultipleTimersFireInOrder(t *testing.T) {
	l := New()
	l.Run()
	defer l.Stop()

	var order []int
	done := make(chan struct{})

	l.ScheduleTimer(30*time.Millisecond, func() { order = append(order, 3) })
	l.ScheduleTimer(10*time.Millisecond, func() { order = append(order, 1) })
	l.ScheduleTimer(20*time.Millisecond, func() {
		order = append(order, 2)
	})
	l.ScheduleTimer(40*time.Millisecond, func() { close(done) })

	select {
	case <-done:
		assert.Equal(t, []int{1, 2, 3}, order)
	case <-time.After(time.Second):
		t.Fatal("timers never completed")
	}
}
