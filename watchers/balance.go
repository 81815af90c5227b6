// Package watchers observes the ledger while, or after, a simulation runs.
package watchers

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/contract"
	"gitlab.com/mayachain/vaultsim/rpc"
)

////////////////////////////////////////////////////////////////////////////////////////
// BalanceWatcher
////////////////////////////////////////////////////////////////////////////////////////

// BalanceWatcher deploys a balance query for one vault and polls its result.
type BalanceWatcher struct {
	Addr     common.Address
	Interval time.Duration
	Timeout  time.Duration

	// setup retries
	MaxRetries    uint64
	RetryInterval time.Duration

	client *rpc.Client
	key    rpc.Signer
	logger zerolog.Logger
}

// NewBalanceWatcher returns a watcher deploying with key through client.
func NewBalanceWatcher(client *rpc.Client, key rpc.Signer, addr common.Address, interval, timeout time.Duration, logger zerolog.Logger) *BalanceWatcher {
	return &BalanceWatcher{
		Addr:          addr,
		Interval:      interval,
		Timeout:       timeout,
		MaxRetries:    5,
		RetryInterval: 500 * time.Millisecond,
		client:        client,
		key:           key,
		logger:        logger.With().Str("watcher", "balance").Str("addr", addr.String()).Logger(),
	}
}

// Setup deploys the balance query and proposes it.
func (w *BalanceWatcher) Setup(ctx context.Context) (rpc.DeployID, error) {
	term, err := contract.Render(contract.BalanceIntent(w.Addr))
	if err != nil {
		return "", err
	}
	ts := time.Now().UnixMilli()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, w.MaxRetries), ctx)

	var id rpc.DeployID
	op := func() error {
		var err error
		id, err = w.client.Deploy(ctx, w.key, term, ts, w.Timeout)
		if err != nil {
			w.logger.Warn().Err(err).Msg("balance query deploy failed")
			return err
		}
		if _, err = w.client.Propose(ctx, w.Timeout); err != nil {
			w.logger.Warn().Err(err).Msg("balance query propose failed")
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("fail to set up balance query: %w", err)
	}
	w.logger.Info().Str("deploy_id", string(id)).Msg("balance query deployed")
	return id, nil
}

// Watch reads the result of the query every interval until ctx is done.
func (w *BalanceWatcher) Watch(ctx context.Context, id rpc.DeployID, report func(balance int64, err error)) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		balance, err := w.client.GetBalanceAt(ctx, id, w.Timeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report(balance, err)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute sets up the query and watches it.
func (w *BalanceWatcher) Execute(ctx context.Context, report func(balance int64, err error)) error {
	id, err := w.Setup(ctx)
	if err != nil {
		return err
	}
	return w.Watch(ctx, id, report)
}
