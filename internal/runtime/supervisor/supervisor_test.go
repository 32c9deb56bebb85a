package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stats(s *Supervisor, name string) GoroutineStats {
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == name {
			return g
		}
	}
	return GoroutineStats{}
}

func TestGoRestart0KeepsPollingLoopAlive(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("poll", func(context.Context) { runs.Add(1) },
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithPublishFirstError(true),
		WithStopOnCleanExit(false),
	)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll: exited")
	assert.GreaterOrEqual(t, stats(s, "poll").Restarts, uint64(2))
	assert.Zero(t, s.Snapshot().Active)
}

func TestGoRestart0StopsOnCleanExitByDefault(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("once", func(context.Context) { runs.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 1, runs.Load())
}

func TestStopCancelsAndWaits(t *testing.T) {
	s := NewSupervisor(context.Background())
	var exited atomic.Bool
	s.Go0("worker", func(c context.Context) {
		<-c.Done()
		exited.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, exited.Load())
	assert.Zero(t, stats(s, "worker").Active)
}

func TestStopGivesUpAtDeadline(t *testing.T) {
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	defer close(release)
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestPanicIsRecordedAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { panic("kaboom") })
	s.Go("bystander", func(c context.Context) error {
		<-c.Done()
		return c.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom: panic: kaboom")
	assert.EqualValues(t, 1, stats(s, "boom").Panics)
	assert.False(t, errors.Is(err, context.Canceled))
}
