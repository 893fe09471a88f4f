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

func TestGoCancelsOnFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
	assert.Equal(t, int64(0), s.Snapshot().Active)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	assert.Contains(t, snap.FirstError, "bad")
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())

	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			assert.Equal(t, uint64(2), g.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("broken", func(context.Context) error { panic("always") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up")
}
