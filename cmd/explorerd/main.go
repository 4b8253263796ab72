package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/appexplore/explorerd/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "explorerd",
	Short: "Device allocation and run orchestration for automated UI exploration",
	Long: `explorerd schedules UI-exploration tasks onto a pool of Android devices:
it leases devices, drives per-device exploration runs, reconciles drift and
raises alerts for anomalies. State is mirrored into SQLite so the daemon can
restart without losing track of in-flight work.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newRecoverCmd(),
		newSubmitCmd(),
		newAlertsCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("explorerd command failed")
	}
}
