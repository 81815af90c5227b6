package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.com/mayachain/vaultsim/constants"
)

func GetVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the simulator version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), constants.Version)
		},
	}
}
