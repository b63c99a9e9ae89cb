package multipart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrencyProbe records the highest number of tasks observed running at once.
type concurrencyProbe struct {
	current int64
	max     int64
}

func (p *concurrencyProbe) enter() {
	n := atomic.AddInt64(&p.current, 1)
	for {
		m := atomic.LoadInt64(&p.max)
		if n <= m || atomic.CompareAndSwapInt64(&p.max, m, n) {
			return
		}
	}
}

func (p *concurrencyProbe) leave() {
	atomic.AddInt64(&p.current, -1)
}

func TestLimiter_BoundsBurst(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		limiter := NewLimiter(n)
		probe := &concurrencyProbe{}
		var ran int64

		for i := 0; i < 40; i++ {
			limiter.Go(context.Background(), func(context.Context) {
				probe.enter()
				defer probe.leave()
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&ran, 1)
			})
		}

		require.NoError(t, limiter.Wait())
		assert.Equal(t, int64(40), atomic.LoadInt64(&ran))
		assert.LessOrEqual(t, atomic.LoadInt64(&probe.max), int64(n), "limit %d", n)
		assert.Equal(t, 0, limiter.InFlight())
	}
}

func TestLimiter_BoundsStaggered(t *testing.T) {
	limiter := NewLimiter(3)
	probe := &concurrencyProbe{}

	for i := 0; i < 30; i++ {
		d := time.Duration(i%5) * time.Millisecond
		limiter.Go(context.Background(), func(context.Context) {
			probe.enter()
			defer probe.leave()
			time.Sleep(d)
		})
		if i%4 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, limiter.Wait())
	assert.LessOrEqual(t, atomic.LoadInt64(&probe.max), int64(3))
}

func TestLimiter_AdmitsInSubmissionOrder(t *testing.T) {
	limiter := NewLimiter(1)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		limiter.Go(context.Background(), func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.NoError(t, limiter.Wait())
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Len(t, order, 20)
}

func TestLimiter_GoDoesNotBlock(t *testing.T) {
	limiter := NewLimiter(1)
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			limiter.Go(context.Background(), func(context.Context) { <-release })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go blocked while the only slot was taken")
	}

	close(release)
	require.NoError(t, limiter.Wait())
}

func TestLimiter_DropsTasksAfterCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var ran int64
	limiter.Go(ctx, func(context.Context) {
		close(started)
		<-ctx.Done()
		atomic.AddInt64(&ran, 1)
	})
	for i := 0; i < 5; i++ {
		limiter.Go(ctx, func(context.Context) { atomic.AddInt64(&ran, 1) })
	}

	<-started
	cancel()

	err := limiter.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran), "only the admitted task should run")
}

func TestLimiter_OneFailingTaskDoesNotStopOthers(t *testing.T) {
	limiter := NewLimiter(2)

	var mu sync.Mutex
	failures := map[int]error{}
	var succeeded int64
	for i := 0; i < 10; i++ {
		i := i
		limiter.Go(context.Background(), func(context.Context) {
			if i == 3 {
				mu.Lock()
				failures[i] = errors.New("boom")
				mu.Unlock()
				return
			}
			atomic.AddInt64(&succeeded, 1)
		})
	}

	require.NoError(t, limiter.Wait())
	assert.Len(t, failures, 1)
	assert.Equal(t, int64(9), atomic.LoadInt64(&succeeded))
}

func TestNewLimiter_InvalidConcurrencyPanics(t *testing.T) {
	assert.Panics(t, func() { NewLimiter(0) })
}
