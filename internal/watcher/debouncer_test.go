package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextBatch(t *testing.T, d *Debouncer, wait time.Duration) []FileEvent {
	t.Helper()
	select {
	case events := <-d.Output():
		return events
	case <-time.After(wait):
		t.Fatal("timeout waiting for debounced events")
		return nil
	}
}

func TestDebouncer_SingleEvent_PassesThrough(t *testing.T) {
	// Given: a debouncer with a short window
	d := NewDebouncer(50*time.Millisecond, nil)
	defer d.Stop()

	// When: a single event is added
	d.Add(FileEvent{Path: "guide.md", Operation: OpCreate, Timestamp: time.Now()})

	// Then: it passes through after the window
	events := nextBatch(t, d, 500*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, "guide.md", events[0].Path)
	assert.Equal(t, OpCreate, events[0].Operation)
}

func TestDebouncer_Coalescing(t *testing.T) {
	tests := []struct {
		name   string
		ops    []Operation
		want   Operation
		absent bool
	}{
		{"create then modify stays create", []Operation{OpCreate, OpModify, OpModify}, OpCreate, false},
		{"modify then delete is delete", []Operation{OpModify, OpDelete}, OpDelete, false},
		{"delete then create is modify", []Operation{OpDelete, OpCreate}, OpModify, false},
		{"repeated modify is one modify", []Operation{OpModify, OpModify, OpModify}, OpModify, false},
		{"create then delete cancels", []Operation{OpCreate, OpDelete}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(40*time.Millisecond, nil)
			defer d.Stop()

			// When: the operations arrive within one window, next to an
			// unrelated event that always survives
			for _, op := range tt.ops {
				d.Add(FileEvent{Path: "a.md", Operation: op, Timestamp: time.Now()})
			}
			d.Add(FileEvent{Path: "other.md", Operation: OpModify, Timestamp: time.Now()})

			// Then: a.md is reported once with the merged operation
			events := nextBatch(t, d, 500*time.Millisecond)
			byPath := map[string]Operation{}
			for _, ev := range events {
				byPath[ev.Path] = ev.Operation
			}
			assert.Equal(t, OpModify, byPath["other.md"])
			op, ok := byPath["a.md"]
			if tt.absent {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestDebouncer_QuietWindowResets(t *testing.T) {
	// Given: a 60ms window
	d := NewDebouncer(60*time.Millisecond, nil)
	defer d.Stop()

	// When: events keep arriving every 20ms for 120ms
	start := time.Now()
	for i := 0; i < 6; i++ {
		d.Add(FileEvent{Path: "a.md", Operation: OpModify, Timestamp: time.Now()})
		time.Sleep(20 * time.Millisecond)
	}

	// Then: one batch, emitted only after the stream went quiet
	events := nextBatch(t, d, time.Second)
	assert.Len(t, events, 1)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestDebouncer_StopClosesOutput(t *testing.T) {
	d := NewDebouncer(time.Hour, nil)
	d.Add(FileEvent{Path: "a.md", Operation: OpCreate})

	d.Stop()
	d.Stop()

	_, ok := <-d.Output()
	assert.False(t, ok)

	// Adding after Stop is ignored
	d.Add(FileEvent{Path: "b.md", Operation: OpCreate})
}
