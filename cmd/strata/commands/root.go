package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/strata/pkg/config"
	"github.com/openfroyo/strata/pkg/engine"
	"github.com/openfroyo/strata/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	rootPath   string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - layered package property resolution",
		Long: `Strata resolves packages that inherit from one another.

Each package may declare ancestors in its manifest. Strata orders them into
an inheritance chain, finds which package answers for an entity, merges
properties across the chain and caches the results until the files they
were computed from change.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", "", "packages directory (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPackagesCommand())
	rootCmd.AddCommand(newChainCommand())
	rootCmd.AddCommand(newAncestorsCommand())
	rootCmd.AddCommand(newDescendantsCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newPropsCommand())
	rootCmd.AddCommand(newEntityCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// loadConfig reads the configuration named by --config, or the one found in
// the --root directory or the working directory.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configPath != "":
		cfg, err = config.Load(configPath)
	case rootPath != "":
		cfg, err = config.LoadDir(rootPath)
	default:
		cfg, err = config.LoadDir(".")
	}
	if err != nil {
		return nil, err
	}

	if rootPath != "" && configPath != "" {
		abs, err := filepath.Abs(rootPath)
		if err != nil {
			return nil, err
		}
		cfg.Root = abs
		cfg.CacheDir = ""
		cfg.ApplyDefaults("")
		cfg.ApplyEnv()
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// openWorkspace loads the configuration and opens the workspace with its
// telemetry. The returned function closes both.
func openWorkspace(ctx context.Context) (*engine.Workspace, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	tel.Logger = tel.Logger.WithRunID(uuid.New().String())

	ws, err := engine.Open(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, err
	}

	closeFn := func() {
		if err := ws.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close workspace")
		}
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return ws, closeFn, nil
}

// printResult writes v as indented JSON with --json, or calls text otherwise.
func printResult(out io.Writer, v any, text func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

// parseValue reads a property value as JSON, falling back to a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
