// Package cli provides the hydro-sentinel command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/config"
	"github.com/sweeney/hydro-sentinel/internal/logging"
	"github.com/sweeney/hydro-sentinel/internal/snapshot"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	outputText bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "hydro-sentinel",
		Short: "Unsupervised anomaly detection for hydropower generation readings",
		Long: `hydro-sentinel scores hydropower sensor readings with an isolation forest
before they are recorded, and watches for drift, under-generation and
operator feedback in the background.

Commands:
  hydro-sentinel serve       # Run the daemon
  hydro-sentinel train       # Train on synthetic data and save the model
  hydro-sentinel generate    # Write a labelled synthetic dataset
  hydro-sentinel evaluate    # Benchmark detection on synthetic data`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML config (defaults when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().BoolVar(&g.outputText, "text", false, "Human-readable text output (default is JSON)")

	root.AddCommand(
		newServeCommand(g),
		newTrainCommand(g),
		newGenerateCommand(g),
		newEvaluateCommand(g),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hydro-sentinel", Version)
		},
	}
}

// load reads the config and builds the logger.
func (g *globals) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// openStore builds the configured snapshot store.
func openStore(ctx context.Context, p config.PersistenceConfig) (snapshot.Store, error) {
	switch p.Backend {
	case config.BackendS3:
		return snapshot.NewS3Store(ctx, p.S3)
	case config.BackendMemory:
		return snapshot.NewMemoryStore(), nil
	default:
		return snapshot.NewFileStore(p.Dir)
	}
}

// output writes result as indented JSON, or with %+v when --text is set.
func (g *globals) output(w io.Writer, result interface{}) error {
	if g.outputText {
		_, err := fmt.Fprintf(w, "%+v\n", result)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
