package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gitlab.com/mayachain/vaultsim/config"
	"gitlab.com/mayachain/vaultsim/metrics"
	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/rpc/memledger"
	"gitlab.com/mayachain/vaultsim/simulation"
)

const (
	flagLedger      = "ledger"
	flagMetricsAddr = "metrics-addr"
	flagDuration    = "duration"
	flagSeed        = "seed"

	ledgerRemote = "remote"
	ledgerMemory = "memory"
)

func GetRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fund the users, run every node and reconcile balances",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	cmd.Flags().String(flagConfig, "config.json", "configuration file")
	cmd.Flags().String(flagLedger, ledgerRemote, "ledger to run against: remote nodes or an in-process memory ledger")
	cmd.Flags().String(flagMetricsAddr, "", "serve prometheus metrics on this address")
	cmd.Flags().Duration(flagDuration, 0, "override run_duration")
	cmd.Flags().Int64(flagSeed, 0, "override rng_seed")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed(flagLogLevel) {
		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level: %w", err)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed(flagDuration) {
		cfg.RunDuration, _ = cmd.Flags().GetDuration(flagDuration)
	}
	if cmd.Flags().Changed(flagSeed) {
		seed, _ := cmd.Flags().GetInt64(flagSeed)
		cfg.RNGSeed = &seed
	}

	var dial rpc.Dialer
	ledger, _ := cmd.Flags().GetString(flagLedger)
	switch ledger {
	case ledgerRemote:
		dial = rpc.Dial
	case ledgerMemory:
		dial = memledger.New().Dialer()
	default:
		return fmt.Errorf("unknown ledger %q", ledger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metric := metrics.NewMetric()
	if addr, _ := cmd.Flags().GetString(flagMetricsAddr); addr != "" {
		go func() {
			if err := metric.Serve(ctx, addr); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	world, err := simulation.NewWorld(cfg, dial, simulation.WithMetric(metric), simulation.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	report, err := world.Main(ctx)
	if err != nil {
		return err
	}

	report.WriteTable(cmd.OutOrStdout())
	if !report.OK() {
		return fmt.Errorf("%d of %d balances do not match", len(report.Mismatches), len(report.Balances))
	}
	return nil
}
