package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceSkipsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	r := New("test", time.Hour, func(context.Context) {
		runs.Add(1)
		close(started)
		<-release
	})

	done := make(chan bool)
	go func() { done <- r.RunOnce(context.Background()) }()
	<-started

	assert.False(t, r.RunOnce(context.Background()), "overlapping cycle must be dropped")
	assert.Equal(t, int64(1), r.Skipped())

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPanicDoesNotStopRunner(t *testing.T) {
	var runs atomic.Int32
	r := New("panicky", time.Hour, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})

	assert.True(t, r.RunOnce(context.Background()))
	assert.True(t, r.RunOnce(context.Background()), "in-flight flag is released after a panic")
	assert.Equal(t, int32(2), runs.Load())
}

func TestStartRunsImmediatelyAndOnTicks(t *testing.T) {
	var runs atomic.Int32
	r := New("ticker", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	r.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no cycles after Stop")

	// stopping twice is harmless
	r.Stop()
}

func TestSlowCycleDropsTicks(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	r := New("slow", 5*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	r.Start(context.Background())
	require.Eventually(t, func() bool { return r.Skipped() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	r.Stop()
}
