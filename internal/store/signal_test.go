package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReindexSignal_CallsHandlersInOrder(t *testing.T) {
	// Given: two handlers and a nil one
	var s ReindexSignal
	var calls []string
	s.On(func(_ context.Context, ev ReindexEvent) { calls = append(calls, "first:"+ev.Collection) })
	s.On(nil)
	s.On(func(_ context.Context, ev ReindexEvent) { calls = append(calls, "second:"+string(ev.Reason)) })

	// When: emitting
	s.Emit(context.Background(), ReindexEvent{Collection: "docs", Backend: BackendHNSW, Reason: ReasonCreated})

	// Then: nil is ignored and the rest run in registration order
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"first:docs", "second:created"}, calls)
}

func TestReindexSignal_EmitWithoutHandlers(t *testing.T) {
	var s ReindexSignal
	assert.NotPanics(t, func() {
		s.Emit(context.Background(), ReindexEvent{Collection: "docs"})
	})
}
