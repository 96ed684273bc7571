package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragindex/internal/store"
)

func seedDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeDocs(t, dir, map[string]string{
		"a.md":  "Alpha paragraph about rotating keys.\n",
		"b.txt": "Beta notes on deployment pipelines.\n",
	})
	return dir
}

func TestIngestQueryDeleteLifecycle(t *testing.T) {
	for _, backend := range []string{"hnsw", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			// Given: an isolated environment and two documents
			tmp := isolate(t)
			docs := seedDocs(t)
			base := []string{"--dir", tmp, "--backend", backend, "--collection", "docs", "--project", "p1"}
			run := func(args ...string) string {
				out, err := execute(t, append(args, base...)...)
				require.NoError(t, err, strings.Join(args, " "))
				return out
			}

			// When: ingesting
			out := run("ingest", docs)

			// Then: both documents are stored
			assert.Contains(t, out, "Ingested 2 documents (2 chunks)")
			assert.Equal(t, "2", strings.TrimSpace(run("count")))

			// When: ingesting the same files again
			run("ingest", docs)

			// Then: content addressing keeps the count
			assert.Equal(t, "2", strings.TrimSpace(run("count")))

			// When: querying with JSON output
			var results []store.QueryResult
			require.NoError(t, json.Unmarshal([]byte(run("query", "Alpha paragraph about rotating keys.", "--json", "-n", "1")), &results))

			// Then: the matching document comes first
			require.Len(t, results, 1)
			assert.Equal(t, "a.md", results[0].Metadata[store.MetaDocID])
			assert.Equal(t, "p1", results[0].Metadata[store.MetaProjectID])

			// When: a filter excludes it
			require.NoError(t, json.Unmarshal([]byte(run("query", "Alpha", "--json", "--where", `{"docId":"b.txt"}`)), &results))
			for _, r := range results {
				assert.Equal(t, "b.txt", r.Metadata[store.MetaDocID])
			}

			// When: deleting one document
			out = run("delete", "--doc", "a.md")

			// Then: one chunk remains
			assert.Contains(t, out, "1 chunks remain")

			// When: clearing
			run("clear", "--yes")

			// Then: a fresh open is empty
			assert.Equal(t, "0", strings.TrimSpace(run("count")))
		})
	}
}

func TestQueryCmd_PlainOutput(t *testing.T) {
	tmp := isolate(t)
	docs := seedDocs(t)
	_, err := execute(t, "ingest", docs, "--dir", tmp, "--project", "p1")
	require.NoError(t, err)

	out, err := execute(t, "query", "deployment", "pipelines", "--dir", tmp)

	require.NoError(t, err)
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "score=")
	assert.Contains(t, out, "docId=")
}

func TestQueryCmd_EmptyCollectionWarns(t *testing.T) {
	tmp := isolate(t)

	out, err := execute(t, "query", "anything", "--dir", tmp)

	require.NoError(t, err)
	assert.Contains(t, out, "No results")
}

func TestIngestCmd_RequiresProject(t *testing.T) {
	// Given: no project configured
	tmp := isolate(t)
	docs := seedDocs(t)

	// When: ingesting
	_, err := execute(t, "ingest", docs, "--dir", tmp)

	// Then: the documents are rejected
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projectId")
}

func TestIngestCmd_TypeAndExclude(t *testing.T) {
	tmp := isolate(t)
	docs := seedDocs(t)

	out, err := execute(t, "ingest", docs, "--dir", tmp, "--project", "p1", "--type", "guide", "--exclude", "b.txt", "--json")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0]["docId"])

	out, err = execute(t, "query", "Alpha", "--dir", tmp, "--json", "--where", `{"type":"guide"}`)
	require.NoError(t, err)
	var hits []store.QueryResult
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
}

func TestDeleteCmd_RequiresExactlyOneSelector(t *testing.T) {
	tmp := isolate(t)

	_, err := execute(t, "delete", "--dir", tmp)
	assert.Error(t, err)

	_, err = execute(t, "delete", "--dir", tmp, "--doc", "a.md", "--where", `{"docId":"a.md"}`)
	assert.Error(t, err)
}

func TestDeleteCmd_UnsupportedFilter(t *testing.T) {
	tmp := isolate(t)

	_, err := execute(t, "delete", "--dir", tmp, "--where", `{"$or":[{"a":1}]}`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}

func TestClearCmd_RequiresConfirmation(t *testing.T) {
	tmp := isolate(t)

	_, err := execute(t, "clear", "--dir", tmp)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestReindexCmd_RepopulatesFromSources(t *testing.T) {
	// Given: a collection with one stray chunk that is not on disk
	tmp := isolate(t)
	docs := seedDocs(t)
	stray := t.TempDir()
	writeDocs(t, stray, map[string]string{"gone.md": "Stray chunk removed by reindex."})
	_, err := execute(t, "ingest", docs, stray, "--dir", tmp, "--project", "p1")
	require.NoError(t, err)

	// When: reindexing from the docs directory only
	out, err := execute(t, "reindex", "--from", docs, "--dir", tmp, "--project", "p1")

	// Then: the collection holds just the replayed documents
	require.NoError(t, err)
	assert.Contains(t, out, "2 chunks")
	count, err := execute(t, "count", "--dir", tmp)
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(count))
}

func TestStatusCmd_JSON(t *testing.T) {
	tmp := isolate(t)

	out, err := execute(t, "status", "--json", "--dir", tmp, "--backend", "sqlite", "--collection", "notes")
	require.NoError(t, err)

	var info statusInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "sqlite", info.Backend)
	assert.Equal(t, "notes", info.Collection)
	assert.Equal(t, filepath.Join(tmp, "data"), info.DataRoot)
	assert.Equal(t, "static", info.Provider)
	assert.Positive(t, info.Dimensions)
	assert.Zero(t, info.Chunks)
}

func TestServeCmd_UnknownTransport(t *testing.T) {
	tmp := isolate(t)

	_, err := execute(t, "serve", "--transport", "sse", "--dir", tmp)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestDoctorCmd_JSON(t *testing.T) {
	// Given: a default embedded setup
	tmp := isolate(t)

	// When: running doctor
	out, err := execute(t, "doctor", "--json", "--dir", tmp)

	// Then: every check passes
	require.NoError(t, err)
	var report struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ready", report.Status)
	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
		assert.Equal(t, "pass", c.Status, c.Name)
	}
	assert.Equal(t, []string{"data_root", "disk_space", "embedder", "backend"}, names)
}

func TestDoctorCmd_BadCollectionFails(t *testing.T) {
	tmp := isolate(t)

	out, err := execute(t, "doctor", "--dir", tmp, "--collection", "..")

	require.Error(t, err)
	assert.Contains(t, out, "[FAIL] backend")
	assert.Contains(t, out, "Status: FAILED")
}

func TestIngestCmd_WatchRejectsFile(t *testing.T) {
	tmp := isolate(t)
	docs := seedDocs(t)

	_, err := execute(t, "ingest", filepath.Join(docs, "a.md"), "--watch", "--dir", tmp, "--project", "p1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch needs directories")
}

// syncBuffer lets the test read output while the command writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestIngestCmd_Watch(t *testing.T) {
	// Given: ingest --watch running on a directory
	tmp := isolate(t)
	docs := seedDocs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := NewRootCmd()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"ingest", docs, "--watch", "--dir", tmp, "--backend", "sqlite", "--project", "p1"})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Watching 1 paths") },
		10*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "Ingested 2 documents")

	// When: a file is added and another removed
	writeDocs(t, docs, map[string]string{"c.md": "Gamma notes on incident reviews.\n"})
	require.NoError(t, os.Remove(filepath.Join(docs, "b.txt")))

	// Then: both changes are applied
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "1 ingested") && strings.Contains(s, "1 deleted")
	}, 10*time.Second, 20*time.Millisecond)

	// When: the command is stopped
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("ingest --watch did not stop")
	}

	// Then: the collection holds a.md and c.md
	count, err := execute(t, "count", "--dir", tmp, "--backend", "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(count))
}
