package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ranierigmusella/ckan-docker/internal/config"
	"github.com/ranierigmusella/ckan-docker/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "prerun",
	Short: "CKAN container prerun: wait for dependencies and initialise CKAN",
	Long: `prerun runs before the CKAN web process starts. It waits for the CKAN
database, the datastore database, Solr and Redis, then initialises the CKAN
database, writes the plugin list into the ini file, applies datastore
permissions, provisions the sysadmin and initialises extension tables.

Without a subcommand it behaves like "prerun run".`,
	SilenceUsage: true,
	RunE:         runBootstrap,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level takes precedence over the config file and environment.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		} else if cfg.Telemetry.LogLevel != "" {
			initLogger(cfg.Telemetry.LogLevel)
		}

		app, err = buildAppContext(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}

		return nil
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogger installs the default logger. Logs go to stderr so stdout carries
// only the JSON result.
func initLogger(level string) {
	slog.SetDefault(telemetry.NewLogger(os.Stderr, level))
}
