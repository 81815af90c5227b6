// Package rpc is the boundary with ledger nodes. A Channel is a blocking transport to a
// single node; Client dispatches Channel calls onto a bounded Pool with a timeout per
// operation.
package rpc

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/contract"
)

////////////////////////////////////////////////////////////////////////////////////////
// Types
////////////////////////////////////////////////////////////////////////////////////////

// DeployID identifies an accepted deploy.
type DeployID string

// BlockHash identifies a proposed block.
type BlockHash string

// DeployRequest is a signed deploy. Phlo price and limit are passed through untouched.
type DeployRequest struct {
	Deployer        string          `json:"deployer"`
	Term            string          `json:"term"`
	Intent          contract.Intent `json:"intent"`
	Timestamp       int64           `json:"timestamp"`
	PhloPrice       int64           `json:"phlo_price"`
	PhloLimit       int64           `json:"phlo_limit"`
	ValidAfterBlock int64           `json:"valid_after_block_number"`
	Sig             []byte          `json:"sig"`
	SigAlgorithm    string          `json:"sig_algorithm"`
}

// SigningHash is the digest covered by the signature.
func (d *DeployRequest) SigningHash() []byte {
	payload := fmt.Sprintf("%s|%d|%d|%d|%d", d.Term, d.Timestamp, d.PhloPrice, d.PhloLimit, d.ValidAfterBlock)
	sum := blake2b.Sum256([]byte(payload))
	return sum[:]
}

// Signer is a deploy credential.
type Signer interface {
	PubKeyHex() string
	Sign(data []byte) []byte
	Address() common.Address
}

// Channel is a blocking transport to one ledger node. Implementations should honor ctx
// but are not required to; Client enforces timeouts regardless.
type Channel interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployID, error)
	Propose(ctx context.Context) (BlockHash, error)
	GetBalanceAt(ctx context.Context, id DeployID) (int64, error)
	Close() error
}

// Dialer opens a Channel to a node address.
type Dialer func(ctx context.Context, address string) (Channel, error)

////////////////////////////////////////////////////////////////////////////////////////
// Dial
////////////////////////////////////////////////////////////////////////////////////////

// DefaultRetryMax is the retry budget of HTTP channels opened by Dial.
const DefaultRetryMax = 3

// Dial selects the transport from the address scheme: http:// and https:// use the
// HTTP channel, grpc:// or a bare host:port use gRPC.
func Dial(ctx context.Context, address string) (Channel, error) {
	switch {
	case strings.HasPrefix(address, "http://"), strings.HasPrefix(address, "https://"):
		return NewHTTPChannel(address, DefaultRetryMax), nil
	case strings.HasPrefix(address, "grpc://"):
		return NewGRPCChannel(ctx, strings.TrimPrefix(address, "grpc://"))
	case strings.Contains(address, "://"):
		return nil, fmt.Errorf("unsupported node address %s", address)
	default:
		return NewGRPCChannel(ctx, address)
	}
}
