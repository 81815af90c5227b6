// Package cmd holds the vaultsim commands.
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
)

// NewRootCmd returns the vaultsim command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultsim",
		Short:         "Transfer load generator for vault ledgers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString(flagLogLevel)
			return setupLogger(level)
		},
	}
	root.PersistentFlags().String(flagLogLevel, "", "log level (debug, info, warn, error), overrides log_level")
	root.AddCommand(
		GetRunCmd(),
		GetMonitorCmd(),
		GetLedgerCmd(),
		GetEd25519Keys(),
		GetVersionCmd(),
	)
	return root
}

func setupLogger(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Caller().Logger()
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
