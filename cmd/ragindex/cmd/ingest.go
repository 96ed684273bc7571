package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/index"
	"github.com/Aman-CERP/ragindex/internal/output"
	"github.com/Aman-CERP/ragindex/internal/watcher"
)

func newIngestCmd() *cobra.Command {
	var (
		replace    bool
		watch      bool
		jsonOutput bool
		docType    string
		exclude    []string
	)

	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Chunk, embed and store documents",
		Long: `Read Markdown and text files under each path, split them into
overlapping chunks and upsert them into the collection.

Chunk ids are content hashes, so ingesting unchanged files again writes
nothing new. Use --replace to drop a document's previous chunks first.

With --watch the command keeps running after the first pass: edited and
new files are ingested again with --replace semantics and removed files
have their chunks deleted, until interrupted.`,
		Example: `  ragindex ingest ./docs
  ragindex ingest ./docs ./notes --project handbook --type guide
  ragindex ingest ./docs --exclude 'drafts/*' --replace
  ragindex ingest ./docs --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, replace || watch, watch, jsonOutput, docType, exclude)
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "Delete each document's previous chunks before writing")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep the collection in line with the paths until interrupted")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().StringVar(&docType, "type", "", "Value for the type metadata field (default \"content\")")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Glob patterns to skip (relative path or base name)")

	return cmd
}

func runIngest(cmd *cobra.Command, paths []string, replace, watch, jsonOutput bool, docType string, exclude []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dirs := newDirectorySources(paths, exclude, docType)
	if watch {
		for _, d := range dirs {
			if info, err := os.Stat(d.Root); err == nil && !info.IsDir() {
				return fmt.Errorf("--watch needs directories, %s is a file", d.Root)
			}
		}
	}
	docs, err := directorySources(paths, exclude, docType).Sources(ctx)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, sessionOptions{replace: replace})
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	results, err := s.indexer.IngestAll(ctx, docs)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printIngestSummary(out, results, cfg.Index.Collection, time.Since(start))
	}

	if !watch {
		return nil
	}
	return watchDirectories(ctx, s.indexer, dirs, cmd.OutOrStdout(), jsonOutput)
}

func printIngestSummary(out *output.Writer, results []index.IngestResult, collection string, took time.Duration) {
	if len(results) == 0 {
		out.Warning("No documents found")
		return
	}
	chunks, repeats := 0, 0
	for _, r := range results {
		chunks += r.Chunks
		repeats += r.Repeats
	}
	out.Successf("Ingested %d documents (%d chunks) into %q in %s",
		len(results), chunks, collection, took.Round(time.Millisecond))
	if repeats > 0 {
		out.Status("", fmt.Sprintf("%d repeated chunks skipped", repeats))
	}
}

// watchLine is one --json record per applied batch.
type watchLine struct {
	Root string `json:"root"`
	index.ChangeStats
	Error string `json:"error,omitempty"`
}

// watchDirectories applies changes under dirs until ctx is done or the
// process is interrupted.
func watchDirectories(ctx context.Context, ix *index.Indexer, dirs []*index.DirectorySource, w io.Writer, jsonOutput bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := output.New(w)
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	report := func(src *index.DirectorySource, stats index.ChangeStats, err error) {
		mu.Lock()
		defer mu.Unlock()
		if jsonOutput {
			line := watchLine{Root: src.Root, ChangeStats: stats}
			if err != nil {
				line.Error = err.Error()
			}
			_ = enc.Encode(line)
			return
		}
		out.Statusf("", "%s: %d ingested (%d chunks), %d deleted", src.Root, stats.Ingested, stats.Chunks, stats.Deleted)
		if err != nil {
			out.Warningf("%d changes failed: %v", stats.Failed, err)
		}
	}

	watches := make([]*index.DirectoryWatch, 0, len(dirs))
	defer func() {
		for _, dw := range watches {
			_ = dw.Stop()
		}
	}()
	for _, d := range dirs {
		dw, err := ix.Watch(ctx, d, watcher.DefaultOptions(), report)
		if err != nil {
			return err
		}
		watches = append(watches, dw)
	}

	if !jsonOutput {
		mu.Lock()
		out.Statusf("", "Watching %d paths, press Ctrl+C to stop", len(dirs))
		mu.Unlock()
	}
	<-ctx.Done()
	return nil
}
