package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTask(t *testing.T) {
	p := New(2)
	var ran atomic.Bool
	fut, err := p.Go(context.Background(), func(ctx context.Context) { ran.Store(true) })
	require.NoError(t, err)
	require.NoError(t, fut.Wait(context.Background()))
	require.True(t, ran.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var current, max atomic.Int32
	release := make(chan struct{})

	var futs []*Future
	for i := 0; i < 4; i++ {
		fut, err := p.Go(context.Background(), func(ctx context.Context) {
			n := current.Add(1)
			for {
				m := max.Load()
				if n <= m || max.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		})
		require.NoError(t, err)
		futs = append(futs, fut)
	}

	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, max.Load(), int32(2))

	close(release)
	for _, fut := range futs {
		require.NoError(t, fut.Wait(context.Background()))
	}
}

func TestPoolGoRespectsContextCancel(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	_, err := p.Go(context.Background(), func(ctx context.Context) { <-block })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Go(ctx, func(ctx context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestPoolCloseWaitsForDrainAndRejectsNew(t *testing.T) {
	p := New(1)
	var ran atomic.Bool
	fut, err := p.Go(context.Background(), func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, fut.Wait(context.Background()))

	p.Close()
	require.True(t, ran.Load())

	_, err = p.Go(context.Background(), func(ctx context.Context) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewClampsNonPositiveSize(t *testing.T) {
	p := New(0)
	require.Equal(t, 1, cap(p.sem))
}
