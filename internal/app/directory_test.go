package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "birthdaybot/pkg/logx"
)

type fakeDirectory struct {
	calls   atomic.Int32
	release chan struct{}
	guilds  []snowflake.ID
	err     error
}

func (f *fakeDirectory) CurrentGuilds(ctx context.Context) ([]snowflake.ID, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.guilds, f.err
}

func TestGuildDirectoryResolvesEverythingBeforeFirstLoad(t *testing.T) {
	t.Parallel()
	d := newGuildDirectory(&fakeDirectory{}, logx.Nop())
	assert.True(t, d.Has(12345))
}

func TestGuildDirectoryCoalescesConcurrentRefreshes(t *testing.T) {
	t.Parallel()
	src := &fakeDirectory{release: make(chan struct{}), guilds: []snowflake.ID{30, 10, 20}}
	d := newGuildDirectory(src, logx.Nop())

	var wg sync.WaitGroup
	results := make([][]snowflake.ID, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := d.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = ids
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Let the other callers reach the in-flight call before it completes.
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, ids := range results {
		assert.Equal(t, []snowflake.ID{10, 20, 30}, ids)
	}
	assert.True(t, d.Has(20))
	assert.False(t, d.Has(40))
}

func TestGuildDirectoryCachesUntilMaxAge(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeDirectory{guilds: []snowflake.ID{1}}
	d := newGuildDirectory(src, logx.Nop())
	d.now = func() time.Time { return now }

	_, err := d.Refresh(context.Background())
	require.NoError(t, err)
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(directoryMaxAge)
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestGuildDirectoryFailureKeepsPreviousList(t *testing.T) {
	t.Parallel()
	src := &fakeDirectory{guilds: []snowflake.ID{1}}
	d := newGuildDirectory(src, logx.Nop())
	d.maxAge = 0

	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	src.err = assert.AnError
	_, err = d.Refresh(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.True(t, d.Has(1))
	assert.False(t, d.Has(2))
}

func TestGuildDirectoryCallerCancel(t *testing.T) {
	t.Parallel()
	src := &fakeDirectory{release: make(chan struct{})}
	defer close(src.release)
	d := newGuildDirectory(src, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
