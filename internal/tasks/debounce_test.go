package tasks_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/tasks"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesTriggers(t *testing.T) {
	d := tasks.NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var last atomic.Int32
	var calls atomic.Int32
	for i := 1; i <= 5; i++ {
		d.Trigger("save-1", func() {
			calls.Add(1)
			last.Store(int32(i))
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(5), last.Load())
}

func TestDebouncerFlushAndCancel(t *testing.T) {
	d := tasks.NewDebouncer(time.Hour)
	defer d.Stop()

	var a, b atomic.Int32
	d.Trigger("a", func() { a.Add(1) })
	d.Trigger("b", func() { b.Add(1) })
	d.Cancel("b")
	require.Equal(t, 1, d.Pending())

	require.Equal(t, 1, d.Flush())
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(0), b.Load())
	require.Equal(t, 0, d.Flush())
}

func TestDebouncerStopIgnoresLaterTriggers(t *testing.T) {
	d := tasks.NewDebouncer(time.Millisecond)
	d.Stop()

	var calls atomic.Int32
	d.Trigger("x", func() { calls.Add(1) })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, 0, d.Pending())
}
