package queue

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragindex/internal/errors"
)

func TestNew_DefaultTimeout(t *testing.T) {
	// Given/When: a serializer without an explicit timeout
	s := New(0)

	// Then: the default limit applies
	assert.Equal(t, DefaultTimeout, s.Timeout())
}

func TestRun_ReturnsValue(t *testing.T) {
	// Given: a serializer
	s := New(time.Second)

	// When: running a value-returning operation
	got, err := Run(context.Background(), s, "count", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	// Then: the value comes back unchanged
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDo_PropagatesErrorAndKeepsServing(t *testing.T) {
	// Given: an operation that fails
	s := New(time.Second)
	boom := stderrors.New("boom")

	// When: it runs
	err := s.Do(context.Background(), "add", func(ctx context.Context) error { return boom })

	// Then: the error propagates and the next operation still runs
	assert.ErrorIs(t, err, boom)

	ran := false
	require.NoError(t, s.Do(context.Background(), "add", func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDo_FIFOOrder(t *testing.T) {
	// Given: a slot held by a blocking operation
	s := New(5 * time.Second)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "hold", func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	// When: operations queue up one after another
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Do(context.Background(), "write", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// let the goroutine reach the semaphore before the next one starts
		time.Sleep(20 * time.Millisecond)
	}
	close(hold)
	wg.Wait()

	// Then: they ran in submission order
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDo_OneAtATime(t *testing.T) {
	// Given: many concurrent operations
	s := New(5 * time.Second)
	var active, peak atomic.Int32

	// When: they all run
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), "write", func(ctx context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	// Then: never more than one was inside the slot
	assert.Equal(t, int32(1), peak.Load())
}

func TestDo_TimeoutCancelsOperation(t *testing.T) {
	// Given: an operation that never finishes on its own
	s := New(50 * time.Millisecond)
	cancelled := make(chan struct{})

	// When: it exceeds the limit
	err := s.Do(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	// Then: the caller gets a timeout error and the abandoned op is cancelled
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOperationTimeout)
	assert.True(t, errors.IsRetryable(err))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abandoned operation was not cancelled")
	}

	// And: the slot is free once it has returned
	require.NoError(t, s.Do(context.Background(), "next", func(ctx context.Context) error { return nil }))
}

func TestDo_PanicReleasesSlot(t *testing.T) {
	// Given: an operation that panics
	s := New(time.Second)

	// When: it runs
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = s.Do(context.Background(), "bad", func(ctx context.Context) error {
			panic("kaboom")
		})
	})

	// Then: the serializer keeps serving
	require.NoError(t, s.Do(context.Background(), "next", func(ctx context.Context) error { return nil }))
}

func TestDo_CancelWhileWaiting(t *testing.T) {
	// Given: a held slot
	s := New(5 * time.Second)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "hold", func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	// When: a waiter's context is cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ran := false
	err := s.Do(ctx, "waiter", func(ctx context.Context) error {
		ran = true
		return nil
	})
	close(hold)

	// Then: it gives up without running
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestDo_TimeoutHoldsSlotUntilAbandonedReturns(t *testing.T) {
	// Given: an operation that ignores cancellation and overruns the limit
	s := New(30 * time.Millisecond)
	var returned atomic.Bool
	start := time.Now()

	// When: it times out
	err := s.Do(context.Background(), "stubborn", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		returned.Store(true)
		return nil
	})

	// Then: the caller is told promptly
	assert.ErrorIs(t, err, errors.ErrOperationTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.False(t, returned.Load())

	// And: the next operation starts only after the abandoned one returned
	var overlapped bool
	require.NoError(t, s.Do(context.Background(), "next", func(ctx context.Context) error {
		overlapped = !returned.Load()
		return nil
	}))
	assert.False(t, overlapped)
}

func TestCommit_RefusedAfterTimeout(t *testing.T) {
	// Given: an operation that only reaches its write after the limit
	s := New(30 * time.Millisecond)
	commitErr := make(chan error, 1)
	var wrote atomic.Bool

	// When: it times out
	err := s.Do(context.Background(), "slow_write", func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		if err := Commit(ctx); err != nil {
			commitErr <- err
			return err
		}
		wrote.Store(true)
		commitErr <- nil
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrOperationTimeout)

	// Then: the write is refused
	select {
	case cerr := <-commitErr:
		require.Error(t, cerr)
	case <-time.After(time.Second):
		t.Fatal("abandoned operation never reached its commit point")
	}
	assert.False(t, wrote.Load())
}

func TestCommit_CommittedOperationOutlivesTimeout(t *testing.T) {
	// Given: an operation that commits, then takes longer than the limit
	s := New(30 * time.Millisecond)

	// When: it runs
	err := s.Do(context.Background(), "long_write", func(ctx context.Context) error {
		if err := Commit(ctx); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	// Then: its own result is reported, not a timeout
	assert.NoError(t, err)
}

func TestCommit_OutsideSerializer(t *testing.T) {
	assert.NoError(t, Commit(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Commit(ctx), context.Canceled)
}
