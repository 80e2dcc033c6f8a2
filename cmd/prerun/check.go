package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ranierigmusella/ckan-docker/internal/api"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured dependency once and report",
	Long: `Check probes the CKAN database, datastore database, Solr and Redis
concurrently, one attempt each, without retries or bootstrap actions. The
result is printed as JSON and the exit status is 1 if any configured
dependency did not answer.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "overall probe deadline")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()
	defer app.shutdownTelemetry()

	probes := app.orchestrator.RunDeepHealth(ctx)
	printJSON(cmd.OutOrStdout(), probes)

	if !api.AllHealthy(probes) {
		return errors.New("one or more dependencies are unavailable")
	}
	return nil
}
