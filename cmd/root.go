package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "analytics_pipeline",
	Short: "CRM analytics event pipeline",
	Long: `A service that relays CRM business events from the transactional
outbox through Azure Service Bus into analytics rollups, with idempotent
processing, bounded retries and dead-letter recovery.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
