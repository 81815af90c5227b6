package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/rpc/memledger"
)

const (
	flagGRPCAddr = "grpc-addr"
	flagHTTPAddr = "http-addr"
)

func GetLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Serve an in-memory ledger; every listen address acts as one node",
		Args:  cobra.NoArgs,
		RunE:  serveLedger,
	}
	cmd.Flags().StringSlice(flagGRPCAddr, []string{"localhost:40401"}, "gRPC listen addresses")
	cmd.Flags().StringSlice(flagHTTPAddr, nil, "HTTP listen addresses")
	return cmd
}

func serveLedger(cmd *cobra.Command, _ []string) error {
	grpcAddrs, _ := cmd.Flags().GetStringSlice(flagGRPCAddr)
	httpAddrs, _ := cmd.Flags().GetStringSlice(flagHTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger := memledger.New()
	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range grpcAddrs {
		addr := addr
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		server := rpc.NewGRPCServer(ledger.Channel(addr))
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("serving grpc ledger")
			return server.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			server.GracefulStop()
			return nil
		})
	}

	for _, addr := range httpAddrs {
		server := &http.Server{
			Addr:              addr,
			Handler:           rpc.NewHTTPHandler(ledger.Channel(addr)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", server.Addr).Msg("serving http ledger")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
