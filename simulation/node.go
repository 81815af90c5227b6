package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/config"
	"gitlab.com/mayachain/vaultsim/metrics"
	"gitlab.com/mayachain/vaultsim/rpc"
)

// NodeOptions are the resources shared by every node of a world.
type NodeOptions struct {
	Dial      rpc.Dialer
	Pool      *rpc.Pool
	PhloPrice int64
	PhloLimit int64
	Metric    *metrics.Metric
	Logger    zerolog.Logger

	// Credit is called with the transfers of a round once its propose succeeded.
	Credit func(common.Transfers)
}

////////////////////////////////////////////////////////////////////////////////////////
// Node
////////////////////////////////////////////////////////////////////////////////////////

// Node drives the users bound to one ledger endpoint through timed rounds of a deploy
// phase and a propose phase.
type Node struct {
	cfg    config.NodeConfig
	rng    *rand.Rand
	client *rpc.Client
	users  []*User
	metric *metrics.Metric
	logger zerolog.Logger
	credit func(common.Transfers)

	rounds    *atomic.Int64
	transfers *atomic.Int64
	volume    *atomic.Int64
}

// NewNode dials the node endpoint and creates its users. Seeds of the node and every
// user must be set. The channel is closed if a user cannot be created.
func NewNode(ctx context.Context, cfg config.NodeConfig, opts NodeOptions) (*Node, error) {
	if cfg.RNGSeed == nil {
		return nil, fmt.Errorf("node %s has no rng seed", cfg.Address)
	}
	logger := opts.Logger.With().Str("rpc_addr", cfg.Address).Logger()

	ch, err := opts.Dial(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("fail to open channel to %s: %w", cfg.Address, err)
	}
	client := rpc.NewClient(ch, opts.Pool, opts.PhloPrice, opts.PhloLimit)

	users := make([]*User, 0, len(cfg.Users))
	for i, ucfg := range cfg.Users {
		if ucfg.RNGSeed == nil {
			_ = client.Close()
			return nil, fmt.Errorf("node %s: user %d has no rng seed", cfg.Address, i)
		}
		user, err := NewUser(cfg.Address, ucfg, *ucfg.RNGSeed, client, opts.Metric, logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("node %s: fail to create user %d: %w", cfg.Address, i, err)
		}
		users = append(users, user)
	}

	return &Node{
		cfg:       cfg,
		rng:       common.NewRand(*cfg.RNGSeed),
		client:    client,
		users:     users,
		metric:    opts.Metric,
		logger:    logger,
		credit:    opts.Credit,
		rounds:    atomic.NewInt64(0),
		transfers: atomic.NewInt64(0),
		volume:    atomic.NewInt64(0),
	}, nil
}

// Address returns the endpoint address.
func (n *Node) Address() string {
	return n.cfg.Address
}

// Users returns the users of the node.
func (n *Node) Users() []*User {
	return n.users
}

// Client returns the client of the node channel.
func (n *Node) Client() *rpc.Client {
	return n.client
}

// Rounds returns the number of completed rounds.
func (n *Node) Rounds() int64 {
	return n.rounds.Load()
}

// Transfers returns the number and the summed amount of confirmed transfers of
// completed deploy phases.
func (n *Node) Transfers() (count, volume int64) {
	return n.transfers.Load(), n.volume.Load()
}

// Close closes the node channel.
func (n *Node) Close() error {
	return n.client.Close()
}

// Run loops rounds until duration has elapsed. The first failure ends the loop. When a
// round ends after its deploy phase without a committed propose, the debits of that
// round are restored.
func (n *Node) Run(ctx context.Context, recipients common.Addresses, duration time.Duration) error {
	start := time.Now()
	var proposeLeft time.Duration

	for round := 1; time.Since(start) < duration; round++ {
		deployDelay := randDuration(n.rng, n.cfg.DeployMinDelay, n.cfg.DeployMaxDelay)
		proposeDelay := randDuration(n.rng, n.cfg.ProposeMinDelay, n.cfg.ProposeMaxDelay)
		log := n.logger.With().Int("round", round).Logger()

		// deploy phase
		wait := proposeLeft + deployDelay
		log.Debug().Dur("sleep", wait).Msg("sleeping before deploy phase")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		phaseStart := time.Now()
		transfers, err := n.deployPhase(ctx, recipients)
		if err != nil {
			return n.fail(ctx, round, PhaseDeploy, err)
		}
		elapsed := time.Since(phaseStart)
		n.metric.ObservePhase(metrics.PhaseDeploy, elapsed)
		n.transfers.Add(int64(len(transfers)))
		n.volume.Add(transfers.Total())
		deployLeft := leftover(n.cfg.DeployFixedDuration, elapsed)
		log.Info().
			Int("transfers", len(transfers)).
			Int64("volume", transfers.Total()).
			Dur("elapsed", elapsed).
			Dur("leftover", deployLeft).
			Msg("deploy phase finished")

		// propose phase
		wait = deployLeft + proposeDelay
		log.Debug().Dur("sleep", wait).Msg("sleeping before propose phase")
		if err := sleep(ctx, wait); err != nil {
			n.refund(round, transfers)
			return err
		}
		elapsed, err = n.propose(ctx, round)
		if err != nil {
			n.refund(round, transfers)
			return n.fail(ctx, round, PhasePropose, err)
		}
		n.metric.ObservePhase(metrics.PhasePropose, elapsed)
		if n.credit != nil {
			n.credit(transfers)
		}
		proposeLeft = leftover(n.cfg.ProposeFixedDuration, elapsed)
		n.rounds.Inc()
		log.Info().Dur("elapsed", elapsed).Dur("leftover", proposeLeft).Msg("propose phase finished")
	}
	return nil
}

// fail wraps a round failure. Cancellation from outside is returned as is.
func (n *Node) fail(ctx context.Context, round int, phase string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	n.logger.Error().Err(err).Int("round", round).Str("phase", phase).Msg("round failed")
	return &NodeError{Node: n.cfg.Address, Round: round, Phase: phase, Err: err}
}

// refund restores the debits of a round whose propose did not commit.
func (n *Node) refund(round int, transfers common.Transfers) {
	if len(transfers) == 0 {
		return
	}
	for _, t := range transfers {
		for _, user := range n.users {
			if user.Address() == t.Sender {
				user.Credit(t.Amount)
				break
			}
		}
	}
	n.logger.Warn().
		Int("round", round).
		Int("transfers", len(transfers)).
		Int64("volume", transfers.Total()).
		Msg("round not committed, debits restored")
}

// deployPhase runs one batch per user. The first failing user cancels the others.
func (n *Node) deployPhase(ctx context.Context, recipients common.Addresses) (common.Transfers, error) {
	batches := make([]common.Transfers, len(n.users))
	tasks := make([]func(context.Context) error, len(n.users))
	for i, user := range n.users {
		i, user := i, user
		tasks[i] = func(ctx context.Context) error {
			transfers, err := user.DeployRandomTransfers(ctx, recipients)
			batches[i] = transfers
			return err
		}
	}
	if err := firstFailure(ctx, tasks...); err != nil {
		return nil, err
	}

	var transfers common.Transfers
	for _, batch := range batches {
		transfers = append(transfers, batch...)
	}
	return transfers, nil
}

func (n *Node) propose(ctx context.Context, round int) (time.Duration, error) {
	n.logger.Debug().Int("round", round).Msg("propose")
	start := time.Now()
	hash, err := n.client.Propose(ctx, n.cfg.ProposeTimeout)
	elapsed := time.Since(start)
	if err != nil {
		kind, ok := classify(ctx.Err(), err, ErrProposeTimeout, ErrProposeFailure)
		if !ok {
			n.metric.UpdatePropose(elapsed, metrics.StatusCancelled)
			return elapsed, err
		}
		status := metrics.StatusFailure
		if kind == ErrProposeTimeout {
			status = metrics.StatusTimeout
		}
		n.metric.UpdatePropose(elapsed, status)
		return elapsed, &ProposeError{Node: n.cfg.Address, Round: round, Elapsed: elapsed, Kind: kind, Err: err}
	}
	n.metric.UpdatePropose(elapsed, metrics.StatusSuccess)
	n.logger.Debug().Int("round", round).Str("block", string(hash)).Msg("proposed")
	return elapsed, nil
}

// leftover is the unused part of a fixed phase duration, never negative.
func leftover(fixed, elapsed time.Duration) time.Duration {
	if elapsed >= fixed {
		return 0
	}
	return fixed - elapsed
}

func randDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	return time.Duration(common.RandInt(rng, int64(min), int64(max)))
}
