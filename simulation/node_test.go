package simulation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	. "gopkg.in/check.v1"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/config"
	"gitlab.com/mayachain/vaultsim/metrics"
	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/rpc/memledger"
)

type NodeSuite struct {
	ledger    *memledger.Ledger
	recipient common.Address
}

var _ = Suite(&NodeSuite{})

func (s *NodeSuite) SetUpTest(c *C) {
	s.ledger = memledger.New()
	s.recipient = common.Address(addressOf(c, hexKey(0x99)))
}

func (s *NodeSuite) newNode(c *C, cfg config.NodeConfig, credit func(common.Transfers)) *Node {
	node, err := NewNode(context.Background(), cfg, NodeOptions{
		Dial:      s.ledger.Dialer(),
		Pool:      rpc.NewPool(4),
		PhloPrice: 1,
		PhloLimit: 1000,
		Metric:    metrics.NewMetric(),
		Logger:    zerolog.Nop(),
		Credit:    credit,
	})
	c.Assert(err, IsNil)
	return node
}

func (s *NodeSuite) TestLeftoverClampsAtZero(c *C) {
	c.Check(leftover(30*time.Second, 40*time.Second), Equals, time.Duration(0))
	c.Check(leftover(30*time.Second, 30*time.Second), Equals, time.Duration(0))
	c.Check(leftover(30*time.Second, 10*time.Second), Equals, 20*time.Second)
	c.Check(leftover(0, time.Millisecond), Equals, time.Duration(0))
}

func (s *NodeSuite) TestRandDurationInRange(c *C) {
	rng := common.NewRand(1)
	for i := 0; i < 100; i++ {
		d := randDuration(rng, time.Millisecond, 5*time.Millisecond)
		c.Assert(d >= time.Millisecond && d <= 5*time.Millisecond, Equals, true)
	}
	c.Check(randDuration(rng, time.Second, time.Second), Equals, time.Second)
}

func (s *NodeSuite) TestRoundCompensatesDeployPhase(c *C) {
	cfg := nodeConfig("node0", userConfig(1, 1000))
	cfg.DeployFixedDuration = 40 * time.Millisecond
	node := s.newNode(c, cfg, nil)
	defer node.Close()

	var credited common.Transfers
	node.credit = func(ts common.Transfers) { credited = append(credited, ts...) }

	start := time.Now()
	err := node.Run(context.Background(), common.Addresses{s.recipient}, 10*time.Millisecond)
	c.Assert(err, IsNil)
	c.Check(time.Since(start) >= 40*time.Millisecond, Equals, true)
	c.Check(node.Rounds(), Equals, int64(1))
	c.Check(s.ledger.Blocks(), HasLen, 1)

	count, volume := node.Transfers()
	c.Check(count > 0, Equals, true)
	c.Check(int64(len(credited)), Equals, count)
	c.Check(credited.Total(), Equals, volume)
	c.Check(node.Users()[0].Balance(), Equals, 1000-volume)
}

func (s *NodeSuite) TestProposeFailureEndsNode(c *C) {
	s.ledger.OnPropose(func(context.Context, string) error {
		return errors.New("no new deploys")
	})
	node := s.newNode(c, nodeConfig("node0", userConfig(1, 1000)), nil)
	defer node.Close()

	err := node.Run(context.Background(), common.Addresses{s.recipient}, time.Minute)
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, ErrProposeFailure), Equals, true)

	var nerr *NodeError
	c.Assert(errors.As(err, &nerr), Equals, true)
	c.Check(nerr.Node, Equals, "node0")
	c.Check(nerr.Phase, Equals, PhasePropose)
	c.Check(nerr.Round, Equals, 1)

	var perr *ProposeError
	c.Assert(errors.As(err, &perr), Equals, true)
	c.Check(perr.Round, Equals, 1)
	c.Check(node.Rounds(), Equals, int64(0))
	c.Check(node.Users()[0].Seq() > 0, Equals, true)
	c.Check(node.Users()[0].Balance(), Equals, int64(1000))
}

func (s *NodeSuite) TestProposeTimeout(c *C) {
	s.ledger.OnPropose(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := nodeConfig("node0", userConfig(1, 1000))
	cfg.ProposeTimeout = 20 * time.Millisecond
	credited := false
	node := s.newNode(c, cfg, func(common.Transfers) { credited = true })
	defer node.Close()

	start := time.Now()
	err := node.Run(context.Background(), common.Addresses{s.recipient}, time.Minute)
	c.Check(errors.Is(err, ErrProposeTimeout), Equals, true)
	c.Check(time.Since(start) < time.Second, Equals, true)
	c.Check(credited, Equals, false)
	c.Check(node.Users()[0].Balance(), Equals, int64(1000))
}

func (s *NodeSuite) TestCancelledBeforeProposeRestoresDebits(c *C) {
	cfg := nodeConfig("node0", userConfig(1, 1000))
	cfg.ProposeMinDelay, cfg.ProposeMaxDelay = time.Minute, time.Minute
	node := s.newNode(c, cfg, nil)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := node.Run(ctx, common.Addresses{s.recipient}, time.Hour)
	c.Check(err, Equals, context.DeadlineExceeded)

	count, volume := node.Transfers()
	c.Check(count > 0, Equals, true)
	c.Check(volume > 0, Equals, true)
	c.Check(node.Users()[0].Balance(), Equals, int64(1000))
	c.Check(s.ledger.Blocks(), HasLen, 0)
}

func (s *NodeSuite) TestDeployFailureEndsNode(c *C) {
	s.ledger.OnDeploy(func(context.Context, string, rpc.DeployRequest) error {
		return errors.New("rejected")
	})
	node := s.newNode(c, nodeConfig("node0", userConfig(1, 1000), userConfig(2, 1000)), nil)
	defer node.Close()

	err := node.Run(context.Background(), common.Addresses{s.recipient}, time.Minute)
	c.Check(errors.Is(err, ErrDeployFailure), Equals, true)

	var nerr *NodeError
	c.Assert(errors.As(err, &nerr), Equals, true)
	c.Check(nerr.Phase, Equals, PhaseDeploy)
	var derr *DeployError
	c.Assert(errors.As(err, &derr), Equals, true)
	c.Check(derr.Node, Equals, "node0")
	c.Check(s.ledger.Blocks(), HasLen, 0)
	for _, user := range node.Users() {
		c.Check(user.Balance(), Equals, int64(1000))
	}
}

func (s *NodeSuite) TestFailingUserCancelsSibling(c *C) {
	failing, err := ed25519.PrivateKeyFromString(hexKey(1))
	c.Assert(err, IsNil)

	var once sync.Once
	blocked := make(chan struct{})
	s.ledger.OnDeploy(func(ctx context.Context, _ string, req rpc.DeployRequest) error {
		if req.Deployer == failing.PubKeyHex() {
			select {
			case <-blocked:
			case <-ctx.Done():
				return ctx.Err()
			}
			return errors.New("rejected")
		}
		once.Do(func() { close(blocked) })
		<-ctx.Done()
		return ctx.Err()
	})
	node := s.newNode(c, nodeConfig("node0", userConfig(1, 1000), userConfig(2, 1000)), nil)
	defer node.Close()

	start := time.Now()
	err = node.Run(context.Background(), common.Addresses{s.recipient}, time.Minute)
	c.Check(time.Since(start) < 500*time.Millisecond, Equals, true)
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, ErrDeployFailure), Equals, true)
	c.Check(errors.Is(err, context.Canceled), Equals, false)

	var derr *DeployError
	c.Assert(errors.As(err, &derr), Equals, true)
	c.Check(derr.User, Equals, failing.Address().String())
	c.Check(derr.Seq, Equals, int64(1))

	sibling := node.Users()[1]
	c.Check(sibling.Seq(), Equals, int64(1))
	c.Check(sibling.Balance(), Equals, int64(1000))
	c.Check(node.Users()[0].Balance(), Equals, int64(1000))
	c.Check(s.ledger.Pending("node0"), Equals, 0)
}

func (s *NodeSuite) TestCancelledWhileSleeping(c *C) {
	cfg := nodeConfig("node0", userConfig(1, 1000))
	cfg.DeployMinDelay, cfg.DeployMaxDelay = time.Minute, time.Minute
	node := s.newNode(c, cfg, nil)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := node.Run(ctx, common.Addresses{s.recipient}, time.Hour)
	c.Check(err, Equals, context.DeadlineExceeded)
	var nerr *NodeError
	c.Check(errors.As(err, &nerr), Equals, false)
}

func (s *NodeSuite) TestCloseReleasesChannel(c *C) {
	node := s.newNode(c, nodeConfig("node0", userConfig(1, 1000)), nil)
	c.Check(s.ledger.OpenChannels(), Equals, 1)
	c.Assert(node.Close(), IsNil)
	c.Check(s.ledger.OpenChannels(), Equals, 0)
}

func (s *NodeSuite) TestBadUserKeyClosesChannel(c *C) {
	bad := userConfig(2, 10)
	bad.Key = "not a key"
	_, err := NewNode(context.Background(), nodeConfig("node0", userConfig(1, 10), bad), NodeOptions{
		Dial:   s.ledger.Dialer(),
		Pool:   rpc.NewPool(1),
		Metric: metrics.NewMetric(),
		Logger: zerolog.Nop(),
	})
	c.Check(err, NotNil)
	c.Check(s.ledger.OpenChannels(), Equals, 0)
}
