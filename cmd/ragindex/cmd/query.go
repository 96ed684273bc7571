package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/output"
	"github.com/Aman-CERP/ragindex/internal/store"
)

func newQueryCmd() *cobra.Command {
	var (
		limit      int
		where      string
		jsonOutput bool
		maxLen     int
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Find the chunks nearest to a query",
		Long: `Embed the query and return the nearest chunks, best first.

--where takes a JSON equality filter over metadata, for example
'{"projectId":"handbook"}' or '{"$and":[{"type":"guide"},{"docId":"a.md"}]}'.`,
		Example: `  ragindex query "how do I rotate keys"
  ragindex query "deploy" --limit 3 --where '{"type":"runbook"}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(where)
			if err != nil {
				return err
			}
			return runQuery(cmd, strings.Join(args, " "), filter, limit, jsonOutput, maxLen)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVar(&where, "where", "", "JSON metadata filter")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().IntVar(&maxLen, "max-len", 300, "Truncate displayed text to this many characters (0 = no limit)")

	return cmd
}

func runQuery(cmd *cobra.Command, text string, filter store.Filter, limit int, jsonOutput bool, maxLen int) error {
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

	results, err := s.indexer.Query(ctx, text, filter, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		if results == nil {
			results = []store.QueryResult{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	out := output.New(cmd.OutOrStdout())
	if len(results) == 0 {
		out.Warning("No results")
		return nil
	}
	for i, r := range results {
		out.Hit(i+1, r.ID, r.Text, r.Score, r.Metadata, maxLen)
	}
	return nil
}
