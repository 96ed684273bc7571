package output

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_StatusLines(t *testing.T) {
	// Given: a writer over a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing each kind of line
	w.Success("Ingested 3 documents")
	w.Warningf("%d files skipped", 2)
	w.Error("backend unavailable")
	w.Status("", "indented")

	// Then: icons and messages appear without colour codes
	out := buf.String()
	assert.Contains(t, out, "✓ Ingested 3 documents\n")
	assert.Contains(t, out, "! 2 files skipped\n")
	assert.Contains(t, out, "✗ backend unavailable\n")
	assert.Contains(t, out, "   indented\n")
	assert.NotContains(t, out, "\033[")
}

func TestNew_NoColorForNonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	assert.NoError(t, err)
	defer f.Close()

	assert.False(t, New(f).useColor)
	assert.False(t, New(&bytes.Buffer{}).useColor)
}

func TestNew_RespectsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, New(os.Stdout).useColor)
}

func TestWriter_Hit(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewPlain(buf)

	w.Hit(1, "abc123", "  first line\nsecond line with more text  ", 0.25,
		map[string]any{"docId": "a.md", "chunkId": 2}, 20)

	out := buf.String()
	assert.Contains(t, out, "1. abc123  score=0.2500\n")
	assert.Contains(t, out, "   chunkId=2 docId=a.md\n")
	assert.Contains(t, out, "   first line\n")
	// the limit covers the whole snippet, newlines included
	assert.Contains(t, out, "   second li…\n")
	assert.NotContains(t, out, "more text")
}

func TestWriter_Hit_NoLimit(t *testing.T) {
	buf := &bytes.Buffer{}
	NewPlain(buf).Hit(2, "def456", "first line\nsecond line with more text", 0.5, nil, 0)

	out := buf.String()
	assert.Contains(t, out, "   second line with more text\n")
	assert.NotContains(t, out, "…")
}

func TestWriter_KeyValue(t *testing.T) {
	buf := &bytes.Buffer{}
	NewPlain(buf).KeyValue("backend", "hnsw")
	assert.Contains(t, buf.String(), "backend:")
	assert.Contains(t, buf.String(), "hnsw")
}

func TestWriter_Progress(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewPlain(buf)

	w.Progress(0, 0, "ignored")
	assert.Empty(t, buf.String())

	w.Progress(2, 2, "done")
	assert.Contains(t, buf.String(), "100% done\n")
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", renderProgressBar(5, 10, 10))
	assert.Equal(t, "██████████", renderProgressBar(20, 10, 10))
	assert.Equal(t, "░░░░", renderProgressBar(1, 0, 4))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 5))
	assert.Equal(t, "hé…", truncate("héllo", 2))
	assert.Equal(t, "abc", truncate("abc", 0))
}
