package cleanup

import (
	"sync/atomic"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestRepeatThenCleanup(t *testing.T) {
	defer resetContext()

	var ticks, cleanups int32
	Repeat(time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	}, func() {
		atomic.AddInt32(&cleanups, 1)
	})

	for atomic.LoadInt32(&ticks) == 0 {
		time.Sleep(time.Millisecond)
	}
	Cleanup()

	// Cleanup() waits for the goroutine, so no atomics needed past here.
	assert.Equal(t, int32(1), cleanups)
	got := ticks
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, got, ticks)
}

func TestCleanupWithoutCleanupFunc(t *testing.T) {
	defer resetContext()

	var ticks int32
	Repeat(time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	}, nil)
	for atomic.LoadInt32(&ticks) == 0 {
		time.Sleep(time.Millisecond)
	}
	Cleanup()
}
