// Package memledger is an in-process ledger. Every endpoint keeps its own deploy pool
// and a propose on an endpoint commits that pool into the shared chain, so a single
// Ledger can stand in for a whole cluster in tests and dry runs.
package memledger

import (
	"context"
	stded25519 "crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/contract"
	"gitlab.com/mayachain/vaultsim/rpc"
)

var (
	ErrClosed         = errors.New("channel closed")
	ErrUnknownDeploy  = errors.New("unknown deploy")
	ErrNotIncluded    = errors.New("deploy not yet included in a block")
	ErrBadSignature   = errors.New("invalid deploy signature")
	ErrNotBalanceTerm = errors.New("deploy is not a balance query")
)

// DeployHook runs before a deploy is accepted; a non-nil error rejects it.
type DeployHook func(ctx context.Context, endpoint string, req rpc.DeployRequest) error

// ProposeHook runs before a block is created; a non-nil error fails the propose.
type ProposeHook func(ctx context.Context, endpoint string) error

// Block is a committed block.
type Block struct {
	Height   int64
	Hash     rpc.BlockHash
	Endpoint string
	Deploys  []rpc.DeployID
}

type deploy struct {
	id       rpc.DeployID
	req      rpc.DeployRequest
	deployer common.Address
	height   int64 // zero while pending
	balance  int64
	failure  string
}

////////////////////////////////////////////////////////////////////////////////////////
// Ledger
////////////////////////////////////////////////////////////////////////////////////////

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	vaults  map[common.Address]int64
	deploys map[rpc.DeployID]*deploy
	pending map[string][]*deploy
	blocks  []Block
	open    int

	deployHook  DeployHook
	proposeHook ProposeHook
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		vaults:  make(map[common.Address]int64),
		deploys: make(map[rpc.DeployID]*deploy),
		pending: make(map[string][]*deploy),
	}
}

// OnDeploy installs a deploy hook.
func (l *Ledger) OnDeploy(hook DeployHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deployHook = hook
}

// OnPropose installs a propose hook.
func (l *Ledger) OnPropose(hook ProposeHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposeHook = hook
}

// Channel opens a channel to the endpoint.
func (l *Ledger) Channel(endpoint string) rpc.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open++
	return &channel{ledger: l, endpoint: endpoint}
}

// Dialer returns a dialer opening channels on this ledger.
func (l *Ledger) Dialer() rpc.Dialer {
	return func(_ context.Context, address string) (rpc.Channel, error) {
		return l.Channel(address), nil
	}
}

// OpenChannels returns the number of channels not yet closed.
func (l *Ledger) OpenChannels() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Balance returns the committed balance of a vault.
func (l *Ledger) Balance(addr common.Address) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.vaults[addr]
	return balance, ok
}

// SetBalance overwrites the balance of a vault.
func (l *Ledger) SetBalance(addr common.Address, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vaults[addr] = balance
}

// Blocks returns a copy of the chain.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Block(nil), l.blocks...)
}

// Pending returns the number of deploys waiting on the endpoint.
func (l *Ledger) Pending(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending[endpoint])
}

// Failures returns the execution failures of committed deploys by id.
func (l *Ledger) Failures() map[rpc.DeployID]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	failures := make(map[rpc.DeployID]string)
	for id, d := range l.deploys {
		if d.failure != "" {
			failures[id] = d.failure
		}
	}
	return failures
}

func (l *Ledger) deploy(ctx context.Context, endpoint string, req rpc.DeployRequest) (rpc.DeployID, error) {
	l.mu.Lock()
	hook := l.deployHook
	l.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, endpoint, req); err != nil {
			return "", err
		}
	}

	pub, err := hex.DecodeString(req.Deployer)
	if err != nil || len(pub) != stded25519.PublicKeySize {
		return "", fmt.Errorf("invalid deployer %q", req.Deployer)
	}
	if !stded25519.Verify(pub, req.SigningHash(), req.Sig) {
		return "", ErrBadSignature
	}
	if err := req.Intent.Validate(); err != nil {
		return "", fmt.Errorf("invalid deploy term: %w", err)
	}

	id := rpc.DeployID(hex.EncodeToString(req.Sig))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.deploys[id]; ok {
		return id, nil
	}
	d := &deploy{id: id, req: req, deployer: ed25519.AddressFromPubKey(pub)}
	l.deploys[id] = d
	l.pending[endpoint] = append(l.pending[endpoint], d)
	return id, nil
}

func (l *Ledger) propose(ctx context.Context, endpoint string) (rpc.BlockHash, error) {
	l.mu.Lock()
	hook := l.proposeHook
	l.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, endpoint); err != nil {
			return "", err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	height := int64(len(l.blocks)) + 1
	pending := l.pending[endpoint]
	delete(l.pending, endpoint)

	ids := make([]rpc.DeployID, 0, len(pending))
	for _, d := range pending {
		l.execute(d)
		d.height = height
		ids = append(ids, d.id)
	}

	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, fmt.Sprint(height))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	hash := rpc.BlockHash(hex.EncodeToString(sum[:]))

	l.blocks = append(l.blocks, Block{Height: height, Hash: hash, Endpoint: endpoint, Deploys: ids})
	return hash, nil
}

// execute applies a deploy to the vaults. Failed transfers leave balances unchanged.
func (l *Ledger) execute(d *deploy) {
	intent := d.req.Intent
	switch intent.Kind {
	case contract.KindCreateGenesisVault:
		if _, ok := l.vaults[intent.To]; !ok {
			l.vaults[intent.To] = intent.Amount
		}
	case contract.KindTransfer:
		switch {
		case intent.From != d.deployer:
			d.failure = "deployer does not own the source vault"
		case l.vaults[intent.From] < intent.Amount:
			d.failure = "insufficient funds"
		default:
			l.vaults[intent.From] -= intent.Amount
			l.vaults[intent.To] += intent.Amount
		}
	case contract.KindGetBalance:
		d.balance = l.vaults[intent.To]
	}
}

func (l *Ledger) balanceAt(id rpc.DeployID) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deploys[id]
	switch {
	case !ok:
		return 0, ErrUnknownDeploy
	case d.height == 0:
		return 0, ErrNotIncluded
	case d.req.Intent.Kind != contract.KindGetBalance:
		return 0, ErrNotBalanceTerm
	}
	return d.balance, nil
}

////////////////////////////////////////////////////////////////////////////////////////
// channel
////////////////////////////////////////////////////////////////////////////////////////

type channel struct {
	ledger   *Ledger
	endpoint string

	mu     sync.Mutex
	closed bool
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) Deploy(ctx context.Context, req rpc.DeployRequest) (rpc.DeployID, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.ledger.deploy(ctx, c.endpoint, req)
}

func (c *channel) Propose(ctx context.Context) (rpc.BlockHash, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.ledger.propose(ctx, c.endpoint)
}

func (c *channel) GetBalanceAt(_ context.Context, id rpc.DeployID) (int64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	return c.ledger.balanceAt(id)
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	c.ledger.mu.Lock()
	c.ledger.open--
	c.ledger.mu.Unlock()
	return nil
}
