package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/output"
)

func newDeleteCmd() *cobra.Command {
	var (
		docID string
		where string
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete chunks by document id or metadata filter",
		Example: `  ragindex delete --doc guides/setup.md
  ragindex delete --where '{"projectId":"old"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (docID == "") == (where == "") {
				return fmt.Errorf("exactly one of --doc or --where is required")
			}
			return runDelete(cmd, docID, where)
		},
	}

	cmd.Flags().StringVar(&docID, "doc", "", "Delete every chunk of this docId")
	cmd.Flags().StringVar(&where, "where", "", "Delete every chunk matching this JSON filter")

	return cmd
}

func runDelete(cmd *cobra.Command, docID, where string) error {
	ctx := cmd.Context()
	filter, err := parseFilter(where)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	if docID != "" {
		err = s.indexer.DeleteDocument(ctx, docID)
	} else {
		err = s.indexer.Delete(ctx, filter)
	}
	if err != nil {
		return err
	}

	remaining, err := s.indexer.Count(ctx)
	if err != nil {
		return err
	}
	output.New(cmd.OutOrStdout()).Successf("Deleted; %d chunks remain in %q", remaining, cfg.Index.Collection)
	return nil
}
