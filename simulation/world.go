// Package simulation generates transfer load against a cluster of ledger nodes. A
// World funds the users of every Node from a genesis vault, runs the nodes
// concurrently and reconciles the expected balances with the ledger afterwards.
package simulation

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/config"
	"gitlab.com/mayachain/vaultsim/contract"
	"gitlab.com/mayachain/vaultsim/metrics"
	"gitlab.com/mayachain/vaultsim/rpc"
)

// Option configures a World.
type Option func(*World)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *World) { w.logger = logger }
}

// WithMetric sets the collectors the run reports to.
func WithMetric(metric *metrics.Metric) Option {
	return func(w *World) { w.metric = metric }
}

// WithPool sets the worker pool of blocking transport calls.
func WithPool(pool *rpc.Pool) Option {
	return func(w *World) { w.pool = pool }
}

////////////////////////////////////////////////////////////////////////////////////////
// World
////////////////////////////////////////////////////////////////////////////////////////

// World is one simulation run.
type World struct {
	cfg    config.Config
	seed   int64
	runID  string
	dial   rpc.Dialer
	pool   *rpc.Pool
	metric *metrics.Metric
	logger zerolog.Logger

	admin        *ed25519.PrivateKey
	adminCounter int64

	nodes  []*Node
	users  []*User
	byAddr map[common.Address]*User
}

// NewWorld prepares a run. Missing seeds are derived from the cluster seed and
// missing user names are generated; cfg is not modified.
func NewWorld(cfg *config.Config, dial rpc.Dialer, opts ...Option) (*World, error) {
	admin, err := ed25519.PrivateKeyFromString(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("fail to parse admin key: %w", err)
	}

	w := &World{
		cfg:    copyConfig(cfg),
		runID:  uuid.NewString(),
		dial:   dial,
		admin:  admin,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pool == nil {
		w.pool = rpc.NewPool(w.cfg.PoolSize)
	}
	if w.metric == nil {
		w.metric = metrics.NewMetric()
	}
	w.logger = w.logger.With().Str("run_id", w.runID).Logger()
	w.seed = resolveSeeds(&w.cfg)
	nameUsers(&w.cfg)
	return w, nil
}

// RunID returns the id of the run.
func (w *World) RunID() string {
	return w.runID
}

// Seed returns the cluster seed the run was derived from.
func (w *World) Seed() int64 {
	return w.seed
}

// Config returns the resolved configuration.
func (w *World) Config() config.Config {
	return w.cfg
}

// Nodes returns the opened nodes.
func (w *World) Nodes() []*Node {
	return w.nodes
}

// Users returns the users of every node in config order.
func (w *World) Users() []*User {
	return w.users
}

// Open dials every node. Nodes opened before a failure are closed again.
func (w *World) Open(ctx context.Context) error {
	if len(w.nodes) > 0 {
		return fmt.Errorf("world is already open")
	}
	opts := NodeOptions{
		Dial:      w.dial,
		Pool:      w.pool,
		PhloPrice: w.cfg.PhloPrice,
		PhloLimit: w.cfg.PhloLimit,
		Metric:    w.metric,
		Logger:    w.logger,
		Credit:    w.credit,
	}
	w.byAddr = make(map[common.Address]*User)
	for _, ncfg := range w.cfg.Nodes {
		node, err := NewNode(ctx, ncfg, opts)
		if err != nil {
			if cerr := w.Close(); cerr != nil {
				w.logger.Error().Err(cerr).Msg("fail to close nodes")
			}
			return err
		}
		w.nodes = append(w.nodes, node)
		w.users = append(w.users, node.Users()...)
		for _, user := range node.Users() {
			w.byAddr[user.Address()] = user
		}
	}
	w.logger.Info().Int("nodes", len(w.nodes)).Int("users", len(w.users)).Int64("seed", w.seed).Msg("world opened")
	return nil
}

// Close closes every node channel.
func (w *World) Close() error {
	var result error
	for _, node := range w.nodes {
		if err := node.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("fail to close %s: %w", node.Address(), err))
		}
	}
	w.nodes = nil
	w.users = nil
	w.byAddr = nil
	return result
}

// credit applies committed transfers to the expected balances of their recipients.
func (w *World) credit(transfers common.Transfers) {
	for _, t := range transfers {
		if user, ok := w.byAddr[t.Recipient]; ok {
			user.Credit(t.Amount)
		}
	}
}

func (w *World) adminClient() (*rpc.Client, time.Duration, error) {
	if len(w.nodes) == 0 {
		return nil, 0, fmt.Errorf("world is not open")
	}
	return w.nodes[0].Client(), w.nodes[0].cfg.ProposeTimeout, nil
}

func (w *World) adminDeploy(ctx context.Context, client *rpc.Client, intent contract.Intent) (rpc.DeployID, error) {
	term, err := contract.Render(intent)
	if err != nil {
		return "", err
	}
	w.adminCounter++
	return client.Deploy(ctx, w.admin, term, w.adminCounter, w.cfg.AdminDeployTimeout)
}

// Initialize creates the genesis vault with the funding amount and transfers the
// initial balance of every user out of it, with one propose after each step.
func (w *World) Initialize(ctx context.Context) error {
	client, proposeTimeout, err := w.adminClient()
	if err != nil {
		return err
	}

	balances := make([]int64, len(w.users))
	for i, user := range w.users {
		balances[i] = user.InitialBalance()
	}
	funding := FundingAmount(w.cfg.FeeMarginFactor, balances...)
	adminAddr := w.admin.Address()

	w.logger.Info().Str("addr", adminAddr.String()).Int64("balance", funding).Msg("initializing genesis vault")
	if _, err := w.adminDeploy(ctx, client, contract.GenesisVaultIntent(adminAddr, funding)); err != nil {
		return fmt.Errorf("fail to deploy genesis vault: %w", err)
	}
	if _, err := client.Propose(ctx, proposeTimeout); err != nil {
		return fmt.Errorf("fail to propose genesis vault: %w", err)
	}

	for _, user := range w.users {
		amount := user.InitialBalance()
		if amount == 0 {
			continue
		}
		w.logger.Info().Str("to", user.Address().String()).Str("user", user.Name()).Int64("amount", amount).Msg("funding vault")
		if _, err := w.adminDeploy(ctx, client, contract.TransferIntent(adminAddr, user.Address(), amount)); err != nil {
			return fmt.Errorf("fail to fund %s: %w", user.Name(), err)
		}
	}
	if _, err := client.Propose(ctx, proposeTimeout); err != nil {
		return fmt.Errorf("fail to propose funding transfers: %w", err)
	}
	return nil
}

// Run runs every node for the configured duration with all users as recipients. The
// first failing node cancels the others.
func (w *World) Run(ctx context.Context) error {
	if len(w.nodes) == 0 {
		return fmt.Errorf("world is not open")
	}
	recipients := make(common.Addresses, len(w.users))
	for i, user := range w.users {
		recipients[i] = user.Address()
	}

	w.logger.Info().Dur("duration", w.cfg.RunDuration).Msg("starting nodes")
	start := time.Now()
	tasks := make([]func(context.Context) error, len(w.nodes))
	for i, node := range w.nodes {
		node := node
		tasks[i] = func(ctx context.Context) error {
			return node.Run(ctx, recipients, w.cfg.RunDuration)
		}
	}
	err := firstFailure(ctx, tasks...)

	for _, node := range w.nodes {
		count, volume := node.Transfers()
		w.logger.Info().
			Str("rpc_addr", node.Address()).
			Int64("rounds", node.Rounds()).
			Int64("transfers", count).
			Int64("volume", volume).
			Msg("node finished")
	}
	if err != nil {
		w.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("run aborted")
		return err
	}
	w.logger.Info().Dur("elapsed", time.Since(start)).Msg("run finished")
	return nil
}

// Main opens the world, funds the users, runs the nodes and reconciles. The nodes are
// closed on every path.
func (w *World) Main(ctx context.Context) (report *Report, err error) {
	if err := w.Open(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := w.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := w.Run(ctx); err != nil {
		return nil, err
	}
	return w.Reconcile(ctx)
}

////////////////////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////////////////////

// FundingAmount returns ceil(factor * sum(balances)), computed exactly on the
// decimal representation of factor.
func FundingAmount(factor float64, balances ...int64) int64 {
	sum := new(big.Int)
	for _, b := range balances {
		sum.Add(sum, big.NewInt(b))
	}
	f, ok := new(big.Rat).SetString(strconv.FormatFloat(factor, 'f', -1, 64))
	if !ok {
		f = new(big.Rat).SetFloat64(factor)
	}
	product := f.Mul(f, new(big.Rat).SetInt(sum))
	quo, rem := new(big.Int).QuoRem(product.Num(), product.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Int64()
}

func copyConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Nodes = make([]config.NodeConfig, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		n.Users = append([]config.UserConfig(nil), n.Users...)
		out.Nodes[i] = n
	}
	return out
}

// resolveSeeds draws one child seed per node, then one per user, in config order, and
// assigns it where no seed is configured. It returns the cluster seed.
func resolveSeeds(cfg *config.Config) int64 {
	seed := time.Now().UnixNano()
	if cfg.RNGSeed != nil {
		seed = *cfg.RNGSeed
	}
	rng := common.NewRand(seed)
	nodeSeeds := common.ChildSeeds(rng, len(cfg.Nodes))
	userSeeds := common.ChildSeeds(rng, cfg.UserCount())
	index := 0
	for i := range cfg.Nodes {
		if cfg.Nodes[i].RNGSeed == nil {
			cfg.Nodes[i].RNGSeed = &nodeSeeds[i]
		}
		for j := range cfg.Nodes[i].Users {
			if cfg.Nodes[i].Users[j].RNGSeed == nil {
				cfg.Nodes[i].Users[j].RNGSeed = &userSeeds[index]
			}
			index++
		}
	}
	return seed
}

func nameUsers(cfg *config.Config) {
	names := common.NewPhoneticNames(cfg.UserCount(), " ")
	index := 0
	for i := range cfg.Nodes {
		for j := range cfg.Nodes[i].Users {
			if cfg.Nodes[i].Users[j].Name == "" {
				cfg.Nodes[i].Users[j].Name = names.Name(index)
			}
			index++
		}
	}
}
