package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/config"
	"gitlab.com/mayachain/vaultsim/contract"
	"gitlab.com/mayachain/vaultsim/metrics"
	"gitlab.com/mayachain/vaultsim/rpc"
)

////////////////////////////////////////////////////////////////////////////////////////
// User
////////////////////////////////////////////////////////////////////////////////////////

// User is a simulated vault owner deploying random transfers through one node.
type User struct {
	name   string
	node   string
	cfg    config.UserConfig
	key    *ed25519.PrivateKey
	addr   common.Address
	client *rpc.Client
	metric *metrics.Metric
	logger zerolog.Logger

	// lock is held for a whole batch; rng and counter are only touched under it
	lock    chan struct{}
	rng     *rand.Rand
	counter int64

	balance *atomic.Int64
}

// NewUser creates a user deploying through client. The expected balance starts at
// the configured initial balance.
func NewUser(node string, cfg config.UserConfig, seed int64, client *rpc.Client, metric *metrics.Metric, logger zerolog.Logger) (*User, error) {
	key, err := ed25519.PrivateKeyFromString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("fail to parse user key: %w", err)
	}
	addr := key.Address()
	name := cfg.Name
	if name == "" {
		name = addr.String()
	}
	return &User{
		name:    name,
		node:    node,
		cfg:     cfg,
		key:     key,
		addr:    addr,
		client:  client,
		metric:  metric,
		logger:  logger.With().Str("rev_addr", addr.String()).Str("user", name).Logger(),
		lock:    make(chan struct{}, 1),
		rng:     common.NewRand(seed),
		balance: atomic.NewInt64(cfg.InitialBalance),
	}, nil
}

// Name returns the display name of the user.
func (u *User) Name() string {
	return u.name
}

// Address returns the vault address of the user.
func (u *User) Address() common.Address {
	return u.addr
}

// InitialBalance returns the configured initial balance.
func (u *User) InitialBalance() int64 {
	return u.cfg.InitialBalance
}

// Balance returns the expected balance: the initial balance minus every confirmed
// outgoing transfer plus every committed incoming one.
func (u *User) Balance() int64 {
	return u.balance.Load()
}

// Credit adds a committed incoming transfer to the expected balance.
func (u *User) Credit(amount int64) {
	u.balance.Add(amount)
}

// Seq returns the last sequence number handed out.
func (u *User) Seq() int64 {
	u.lock <- struct{}{}
	defer u.release()
	return u.counter
}

func (u *User) acquire(ctx context.Context) error {
	select {
	case u.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *User) release() {
	<-u.lock
}

// DeployRandomTransfers deploys one batch of random transfers to the recipients and
// returns the confirmed transfers. The first failing deploy ends the batch and its
// transfers are discarded; balances of deploys confirmed before it stay decremented.
func (u *User) DeployRandomTransfers(ctx context.Context, recipients common.Addresses) (common.Transfers, error) {
	if err := u.acquire(ctx); err != nil {
		return nil, err
	}
	defer u.release()

	if len(recipients) == 0 {
		u.logger.Warn().Msg("no recipients")
		return nil, nil
	}

	size := common.RandInt(u.rng, u.cfg.BatchMin, u.cfg.BatchMax)
	before := u.balance.Load()
	u.logger.Debug().Int64("batch", size).Int64("balance", before).Msg("expected balance before batch")

	transfers := make(common.Transfers, 0, size)
	for i := int64(0); i < size; i++ {
		recipient := recipients[u.rng.Intn(len(recipients))]
		amount := common.RandInt(u.rng, u.cfg.TransferMin, u.cfg.TransferMax)
		if balance := u.balance.Load(); amount > balance {
			amount = balance
		}
		if amount <= 0 {
			u.logger.Debug().Msg("vault drained, skipping transfer")
			continue
		}

		transfer, err := u.deployTransfer(ctx, recipient, amount)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}

	after := u.balance.Load()
	u.metric.SetExpectedBalance(u.name, after)
	u.logger.Debug().
		Int("transfers", len(transfers)).
		Int64("before", before).
		Int64("after", after).
		Msg("expected balance after batch")
	return transfers, nil
}

func (u *User) deployTransfer(ctx context.Context, recipient common.Address, amount int64) (common.Transfer, error) {
	u.counter++
	seq := u.counter

	log := u.logger.With().Int64("seq", seq).Str("to", recipient.String()).Int64("amount", amount).Logger()
	if recipient == u.addr {
		log.Debug().Msg("self transfer")
	}

	fail := func(kind, err error, elapsed time.Duration) error {
		return &DeployError{
			User:      u.name,
			Node:      u.node,
			Seq:       seq,
			Recipient: recipient,
			Amount:    amount,
			Elapsed:   elapsed,
			Kind:      kind,
			Err:       err,
		}
	}

	term, err := contract.Render(contract.TransferIntent(u.addr, recipient, amount))
	if err != nil {
		u.metric.UpdateDeploy(metrics.StatusFailure, amount)
		return common.Transfer{}, fail(ErrDeployFailure, err, 0)
	}

	log.Debug().Msg("deploy transfer")
	start := time.Now()
	id, err := u.client.Deploy(ctx, u.key, term, seq, u.cfg.DeployTimeout)
	elapsed := time.Since(start)
	if err != nil {
		kind, ok := classify(ctx.Err(), err, ErrDeployTimeout, ErrDeployFailure)
		if !ok {
			u.metric.UpdateDeploy(metrics.StatusCancelled, amount)
			log.Debug().Dur("elapsed", elapsed).Msg("deploy cancelled")
			return common.Transfer{}, err
		}
		status := metrics.StatusFailure
		if kind == ErrDeployTimeout {
			status = metrics.StatusTimeout
		}
		u.metric.UpdateDeploy(status, amount)
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("deploy failed")
		return common.Transfer{}, fail(kind, err, elapsed)
	}

	u.balance.Sub(amount)
	u.metric.UpdateDeploy(metrics.StatusSuccess, amount)
	log.Debug().Str("deploy_id", string(id)).Dur("elapsed", elapsed).Msg("deploy finished")

	transfer, err := common.NewTransfer(u.addr, recipient, amount)
	if err != nil {
		return common.Transfer{}, fail(ErrDeployFailure, err, elapsed)
	}
	return transfer, nil
}
