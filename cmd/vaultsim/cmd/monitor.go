package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/constants"
	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/watchers"
)

const (
	flagNode     = "node"
	flagKey      = "key"
	flagInterval = "interval"
	flagTimeout  = "timeout"
)

func GetMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor <vault address>",
		Short: "Deploy a balance query for a vault and print its result periodically",
		Args:  cobra.ExactArgs(1),
		RunE:  monitorBalance,
	}
	cmd.Flags().String(flagNode, "localhost:40401", "node address")
	cmd.Flags().String(flagKey, "", "hex seed or mnemonic of the deploying key")
	cmd.Flags().Duration(flagInterval, constants.WatcherInterval, "polling interval")
	cmd.Flags().Duration(flagTimeout, constants.AdminDeployTimeout, "timeout of each ledger call")
	_ = cmd.MarkFlagRequired(flagKey)
	return cmd
}

func monitorBalance(cmd *cobra.Command, args []string) error {
	addr := common.Address(args[0])
	if err := ed25519.VerifyAddress(addr); err != nil {
		return fmt.Errorf("invalid vault address: %w", err)
	}
	keyStr, _ := cmd.Flags().GetString(flagKey)
	key, err := ed25519.PrivateKeyFromString(keyStr)
	if err != nil {
		return err
	}
	node, _ := cmd.Flags().GetString(flagNode)
	interval, _ := cmd.Flags().GetDuration(flagInterval)
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := rpc.Dial(ctx, node)
	if err != nil {
		return err
	}
	client := rpc.NewClient(ch, rpc.NewPool(1), constants.PhloPrice, constants.PhloLimit)
	defer client.Close()

	out := cmd.OutOrStdout()
	w := watchers.NewBalanceWatcher(client, key, addr, interval, timeout, log.Logger)
	err = w.Execute(ctx, func(balance int64, err error) {
		now := time.Now().Format(time.RFC3339)
		if err != nil {
			fmt.Fprintf(out, "%s error: %s\n", now, err)
			return
		}
		fmt.Fprintf(out, "%s %s: %d\n", now, addr, balance)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
