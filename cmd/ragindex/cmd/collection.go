package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/output"
)

func newClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Destroy the collection",
		Long:  `Delete the collection and all of its chunks. This cannot be undone.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(ctx, cfg, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.indexer.Backend().ClearCollection(ctx); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Cleared collection %q", cfg.Index.Collection)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm destroying the collection")

	return cmd
}

func newReindexCmd() *cobra.Command {
	var (
		from    []string
		exclude []string
		docType string
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Drop and rebuild the collection",
		Long: `Clear the collection and open it again. With --from, the new
collection is repopulated from those directories before the command returns.`,
		Example: `  ragindex reindex --from ./docs`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(ctx, cfg, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if len(from) > 0 {
				s.indexer.EnableReplay(directorySources(from, exclude, docType))
			}
			if err := s.indexer.Backend().ReindexCollection(ctx, cfg.Index.Collection); err != nil {
				return err
			}
			n, err := s.indexer.Count(ctx)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Reindexed %q: %d chunks", cfg.Index.Collection, n)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&from, "from", nil, "Directories to repopulate from")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Glob patterns to skip")
	cmd.Flags().StringVar(&docType, "type", "", "Value for the type metadata field")

	return cmd
}

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of chunks in the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(ctx, cfg, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.indexer.Count(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}

// statusInfo is the JSON form of the status command.
type statusInfo struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	DataRoot   string `json:"data_root"`
	Provider   string `json:"embeddings_provider"`
	Model      string `json:"embeddings_model"`
	Dimensions int    `json:"dimensions"`
	Chunks     int    `json:"chunks"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active backend, collection and embedder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(ctx, cfg, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.indexer.Count(ctx)
			if err != nil {
				return err
			}
			info := statusInfo{
				Backend:    string(s.indexer.Backend().Type()),
				Collection: s.indexer.Backend().Collection(),
				DataRoot:   cfg.Index.DataRoot,
				Provider:   cfg.Embeddings.Provider,
				Model:      s.embedder.ModelName(),
				Dimensions: s.embedder.Dimensions(),
				Chunks:     n,
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			out := output.New(cmd.OutOrStdout())
			out.KeyValue("backend", info.Backend)
			out.KeyValue("collection", info.Collection)
			out.KeyValue("data root", info.DataRoot)
			out.KeyValue("embeddings", fmt.Sprintf("%s (%s, %d dims)", info.Provider, info.Model, info.Dimensions))
			out.KeyValue("chunks", info.Chunks)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
