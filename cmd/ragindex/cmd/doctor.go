package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/preflight"
	"github.com/Aman-CERP/ragindex/internal/store"
)

func newDoctorCmd() *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured backend and embedder work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, jsonOutput, verbose)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")

	return cmd
}

func runDoctor(cmd *cobra.Command, jsonOutput, verbose bool) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checks := []preflight.Check{
		preflight.DataRoot(cfg.Index.DataRoot),
		preflight.DiskSpace(cfg.Index.DataRoot, preflight.MinDiskSpaceBytes),
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		checks = append(checks, failed("embedder", err, false))
	} else {
		defer embedder.Close()
		checks = append(checks, preflight.Embedder(embedder))

		backend, err := store.New(store.BackendType(cfg.Index.Backend), embedder, embed.HeuristicTokenCounter{}, storeOptions(cfg))
		if err != nil {
			checks = append(checks, failed("backend", err, true))
		} else {
			defer backend.Close()
			checks = append(checks, preflight.Backend(backend, cfg.Index.Collection))
		}
	}

	checker := preflight.New(preflight.WithOutput(cmd.OutOrStdout()), preflight.WithVerbose(verbose))
	results := checker.Run(ctx, checks...)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"status": checker.SummaryStatus(results),
			"checks": results,
		}); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	if checker.HasCriticalFailures(results) {
		return fmt.Errorf("system check failed")
	}
	return nil
}

// failed reports a component that could not even be constructed.
func failed(name string, err error, required bool) preflight.Check {
	return func(context.Context) preflight.CheckResult {
		return preflight.CheckResult{
			Name:     name,
			Status:   preflight.StatusFail,
			Message:  err.Error(),
			Required: required,
		}
	}
}
