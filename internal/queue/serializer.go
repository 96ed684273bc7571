// Package queue provides the write serializer that gates every operation on
// an open collection handle.
//
// A Serializer admits one operation at a time in strict submission order.
// Each admitted operation runs under a bounded timeout. When it expires the
// caller gets ErrOperationTimeout at once and the operation's context is
// cancelled, but the slot passes to the next waiter only after the
// abandoned operation has returned. Operations call Commit before their
// first durable write, so a timed-out operation never writes.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/ragindex/internal/errors"
)

// DefaultTimeout bounds a single serialized operation.
const DefaultTimeout = 2 * time.Minute

// Serializer is a FIFO single-slot gate.
// The zero value is not usable; construct with New.
type Serializer struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger used for timeout and panic events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Serializer. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, opts ...Option) *Serializer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Serializer{
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the per-operation limit.
func (s *Serializer) Timeout() time.Duration {
	return s.timeout
}

// Do runs fn once every previously submitted operation has finished.
func (s *Serializer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type outcome[T any] struct {
	value    T
	err      error
	panicked bool
	panicVal any
}

// ErrAbandoned is returned by Commit once the serializer has given up on
// the operation.
var ErrAbandoned = stderrors.New("operation abandoned after timeout")

// runState decides the race between the timeout and the operation's
// commit point. Exactly one of them wins.
type runState struct {
	mu         sync.Mutex
	committing bool
	abandoned  bool
}

func (r *runState) commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned {
		return false
	}
	r.committing = true
	return true
}

func (r *runState) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committing {
		return false
	}
	r.abandoned = true
	return true
}

type runStateKey struct{}

// Commit marks the point after which the operation running under ctx
// writes durable state. Once Commit succeeds the timeout no longer applies
// and Run reports the operation's own result. Commit fails when the
// operation was abandoned or ctx is done; the operation must then return
// without writing.
//
// Outside a serialized operation Commit only checks ctx.
func Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, ok := ctx.Value(runStateKey{}).(*runState)
	if !ok {
		return nil
	}
	if !st.commit() {
		return ErrAbandoned
	}
	return nil
}

// Run is the value-returning form of Do.
//
// If ctx is cancelled while waiting for the slot, Run returns the context
// error without running fn. A panic inside fn releases the slot and is
// re-raised on the calling goroutine.
func Run[T any](ctx context.Context, s *Serializer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("%s: waiting for serializer: %w", op, err)
	}

	st := &runState{}
	opCtx, cancel := context.WithCancel(context.WithValue(ctx, runStateKey{}, st))

	done := make(chan outcome[T], 1)
	go func() {
		var out outcome[T]
		defer func() {
			if p := recover(); p != nil {
				out.panicked = true
				out.panicVal = p
			}
			done <- out
		}()
		out.value, out.err = fn(opCtx)
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var out outcome[T]
	select {
	case out = <-done:
	case <-timer.C:
		if st.abandon() {
			cancel()
			s.logger.Warn("serialized_operation_timeout",
				slog.String("operation", op),
				slog.Duration("timeout", s.timeout))
			go drain(s, op, done)
			return zero, errors.OperationTimeout(op, "")
		}
		// Past its commit point: the write finishes and reports for itself.
		out = <-done
	}

	cancel()
	s.sem.Release(1)
	if out.panicked {
		s.logger.Error("serialized_operation_panicked",
			slog.String("operation", op),
			slog.Any("panic", out.panicVal))
		panic(out.panicVal)
	}
	return out.value, out.err
}

// drain waits for an abandoned operation to return, then frees the slot.
func drain[T any](s *Serializer, op string, done <-chan outcome[T]) {
	start := time.Now()
	out := <-done
	s.sem.Release(1)

	attrs := []any{
		slog.String("operation", op),
		slog.Duration("overrun", time.Since(start)),
	}
	if out.err != nil {
		attrs = append(attrs, slog.String("error", out.err.Error()))
	}
	if out.panicked {
		attrs = append(attrs, slog.Any("panic", out.panicVal))
	}
	s.logger.Info("abandoned_operation_returned", attrs...)
}
