package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	methodDeploy  = "/vault.v1.DeployService/DoDeploy"
	methodPropose = "/vault.v1.ProposeService/Propose"
	methodBalance = "/vault.v1.DeployService/BalanceAtDeployId"
)

////////////////////////////////////////////////////////////////////////////////////////
// GRPCChannel
////////////////////////////////////////////////////////////////////////////////////////

// GRPCChannel is a Channel over one gRPC connection.
type GRPCChannel struct {
	address string
	conn    *grpc.ClientConn
}

var _ Channel = &GRPCChannel{}

// NewGRPCChannel opens an insecure connection to address.
func NewGRPCChannel(ctx context.Context, address string, opts ...grpc.DialOption) (*GRPCChannel, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to dial %s", address)
	}
	return &GRPCChannel{address: address, conn: conn}, nil
}

// Deploy submits a signed deploy.
func (c *GRPCChannel) Deploy(ctx context.Context, req DeployRequest) (DeployID, error) {
	var resp deployResponse
	if err := c.conn.Invoke(ctx, methodDeploy, &req, &resp); err != nil {
		return "", errors.Wrapf(err, "deploy to %s failed", c.address)
	}
	if resp.Error != "" {
		return "", errors.Errorf("deploy rejected by %s: %s", c.address, resp.Error)
	}
	return resp.DeployID, nil
}

// Propose asks the node to create a block.
func (c *GRPCChannel) Propose(ctx context.Context) (BlockHash, error) {
	var resp proposeResponse
	if err := c.conn.Invoke(ctx, methodPropose, &proposeRequest{}, &resp); err != nil {
		return "", errors.Wrapf(err, "propose on %s failed", c.address)
	}
	if resp.Error != "" {
		return "", errors.Errorf("propose rejected by %s: %s", c.address, resp.Error)
	}
	return resp.BlockHash, nil
}

// GetBalanceAt reads the balance returned by a get balance deploy.
func (c *GRPCChannel) GetBalanceAt(ctx context.Context, id DeployID) (int64, error) {
	var resp balanceResponse
	if err := c.conn.Invoke(ctx, methodBalance, &balanceRequest{DeployID: id}, &resp); err != nil {
		return 0, errors.Wrapf(err, "balance query on %s failed", c.address)
	}
	if resp.Error != "" {
		return 0, errors.Errorf("balance query rejected by %s: %s", c.address, resp.Error)
	}
	if resp.Balance == nil {
		return 0, errors.Errorf("no balance for deploy %s on %s", id, c.address)
	}
	return *resp.Balance, nil
}

// Close releases the connection.
func (c *GRPCChannel) Close() error {
	return c.conn.Close()
}

////////////////////////////////////////////////////////////////////////////////////////
// Server
////////////////////////////////////////////////////////////////////////////////////////

// NewGRPCServer serves ch with the JSON codec so that a Channel (usually an in-memory
// ledger) can stand in for a node.
func NewGRPCServer(ch Channel) *grpc.Server {
	return grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "no method in stream")
		}
		ctx := stream.Context()

		switch method {
		case methodDeploy:
			var req DeployRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			id, err := ch.Deploy(ctx, req)
			return stream.SendMsg(&deployResponse{DeployID: id, Error: errString(err)})
		case methodPropose:
			var req proposeRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			hash, err := ch.Propose(ctx)
			return stream.SendMsg(&proposeResponse{BlockHash: hash, Error: errString(err)})
		case methodBalance:
			var req balanceRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			resp := balanceResponse{}
			balance, err := ch.GetBalanceAt(ctx, req.DeployID)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Balance = &balance
			}
			return stream.SendMsg(&resp)
		default:
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
	}))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
