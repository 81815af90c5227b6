package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"gitlab.com/mayachain/vaultsim/contract"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError is returned when an operation exceeds its own timeout. Cancellation of
// the caller's context is reported as the context error instead.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

////////////////////////////////////////////////////////////////////////////////////////
// Pool
////////////////////////////////////////////////////////////////////////////////////////

// Pool bounds the number of blocking transport calls in flight. A call holds its slot
// until the transport returns, even when the caller has stopped waiting.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool returns a pool with size workers.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return int(p.size)
}

// Do runs fn on a worker. It returns when fn returns, the timeout elapses or ctx is
// done, whichever comes first. A zero timeout only waits on ctx.
func (p *Pool) Do(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	var terr *TimeoutError
	if timeout > 0 {
		terr = &TimeoutError{Op: op, Timeout: timeout}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, terr)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return doneErr(ctx, terr)
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return doneErr(ctx, terr)
		}
		return err
	case <-ctx.Done():
		return doneErr(ctx, terr)
	}
}

func doneErr(ctx context.Context, terr *TimeoutError) error {
	if terr != nil && context.Cause(ctx) == error(terr) {
		return terr
	}
	return ctx.Err()
}

////////////////////////////////////////////////////////////////////////////////////////
// Client
////////////////////////////////////////////////////////////////////////////////////////

// Client dispatches the calls of one Channel onto a Pool.
type Client struct {
	ch        Channel
	pool      *Pool
	phloPrice int64
	phloLimit int64
}

// NewClient wraps ch. Phlo price and limit are attached to every deploy.
func NewClient(ch Channel, pool *Pool, phloPrice, phloLimit int64) *Client {
	return &Client{ch: ch, pool: pool, phloPrice: phloPrice, phloLimit: phloLimit}
}

// Deploy signs and submits term with the given timestamp.
func (c *Client) Deploy(ctx context.Context, key Signer, term contract.Term, ts int64, timeout time.Duration) (DeployID, error) {
	req := DeployRequest{
		Deployer:     key.PubKeyHex(),
		Term:         term.Source,
		Intent:       term.Intent,
		Timestamp:    ts,
		PhloPrice:    c.phloPrice,
		PhloLimit:    c.phloLimit,
		SigAlgorithm: "ed25519",
	}
	req.Sig = key.Sign(req.SigningHash())

	var id DeployID
	err := c.pool.Do(ctx, "deploy", timeout, func(ctx context.Context) error {
		var err error
		id, err = c.ch.Deploy(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Propose asks the node to commit its pending deploys into a block.
func (c *Client) Propose(ctx context.Context, timeout time.Duration) (BlockHash, error) {
	var hash BlockHash
	err := c.pool.Do(ctx, "propose", timeout, func(ctx context.Context) error {
		var err error
		hash, err = c.ch.Propose(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// GetBalanceAt reads the balance computed by a get balance deploy.
func (c *Client) GetBalanceAt(ctx context.Context, id DeployID, timeout time.Duration) (int64, error) {
	var balance int64
	err := c.pool.Do(ctx, "get balance", timeout, func(ctx context.Context) error {
		var err error
		balance, err = c.ch.GetBalanceAt(ctx, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	return c.ch.Close()
}
