package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "protocols_service",
	Short: "Clinical protocol service with transactional outbox event delivery",
	Long: `A service that manages clinical protocol documents and their extracted
eligibility criteria, and reliably publishes domain events about those
changes through a transactional outbox.`,
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
