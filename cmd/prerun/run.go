package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Wait for dependencies, initialise CKAN once and exit",
	Long: `Run executes the prerun sequence once: dependency checks, database
init, plugin sync, datastore permissions, sysadmin provisioning and extension
init. With MAINTENANCE_MODE=true nothing is done.

The result is printed as JSON on stdout. The exit status is 0 when the
sequence completed (optional extension failures included) and 1 when it was
aborted.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.shutdownTelemetry()

	result, err := app.orchestrator.RunBootstrap(ctx)
	if result != nil {
		printJSON(cmd.OutOrStdout(), result)
	}
	if err != nil {
		return fmt.Errorf("prerun aborted: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"status":%q}`+"\n", orchestrator.StatusError)
	}
}
