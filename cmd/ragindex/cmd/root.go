// Package cmd provides the CLI commands for ragindex.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/logging"
	"github.com/Aman-CERP/ragindex/internal/profiling"
	"github.com/Aman-CERP/ragindex/pkg/version"
)

// Global flags, shared by every subcommand.
var (
	flagDir        string
	flagCollection string
	flagBackend    string
	flagProject    string
	debugMode      bool

	profileCfg     profiling.Config
	profileSession *profiling.Session
	loggingCleanup func()
)

// NewRootCmd creates the root command for the ragindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragindex",
		Short: "Vector retrieval index with pluggable backends",
		Long: `ragindex chunks text documents, embeds them and stores them in a
vector index for retrieval-augmented generation.

Backends: hnsw (embedded graph), sqlite, chroma, mongo.
Configuration is read from ~/.config/ragindex/config.yaml, .ragindex.yaml
in the project directory, .env and RAGINDEX_* environment variables.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("ragindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flagDir, "dir", ".", "Project directory to load configuration from")
	cmd.PersistentFlags().StringVarP(&flagCollection, "collection", "c", "", "Collection name (overrides config)")
	cmd.PersistentFlags().StringVarP(&flagBackend, "backend", "b", "", "Backend: hnsw, sqlite, chroma, mongo (overrides config)")
	cmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "Default projectId for ingested documents")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.ragindex/logs/")

	cmd.PersistentFlags().StringVar(&profileCfg.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileCfg.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileCfg.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newCountCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging installs the default logger and starts any
// requested profiles. Without --debug only warnings reach stderr so command
// output stays readable.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.Config{Level: "warn", WriteToStderr: true}
	if debugMode {
		cfg = logging.DebugConfig()
	}

	cleanup, err := logging.SetupDefault(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup

	if debugMode {
		slog.Info("debug_logging_enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	if profileCfg.Enabled() {
		s, err := profiling.Start(profileCfg)
		if err != nil {
			return err
		}
		profileSession = s
	}
	return nil
}

func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profileSession != nil {
		err = profileSession.Stop()
		profileSession = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
	}
	return err
}
