package main

import (
	"os"

	"gitlab.com/mayachain/vaultsim/cmd/vaultsim/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
