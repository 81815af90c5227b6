package simulation

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "gopkg.in/check.v1"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/rpc/memledger"
)

type WorldSuite struct {
	ledger *memledger.Ledger
}

var _ = Suite(&WorldSuite{})

func (s *WorldSuite) SetUpTest(c *C) {
	s.ledger = memledger.New()
}

func (s *WorldSuite) TestFundingAmount(c *C) {
	c.Check(FundingAmount(1.2, 100, 200, 700), Equals, int64(1200))
	c.Check(FundingAmount(1.2, 1001), Equals, int64(1202))
	c.Check(FundingAmount(1, 5, 6), Equals, int64(11))
	c.Check(FundingAmount(1.5), Equals, int64(0))
}

func (s *WorldSuite) TestSeedsAndNames(c *C) {
	cfg := clusterConfig(
		nodeConfig("node0", userConfig(1, 10), userConfig(2, 10)),
		nodeConfig("node1", userConfig(3, 10)),
	)
	cfg.Nodes[0].RNGSeed = nil
	cfg.Nodes[1].RNGSeed = nil
	cfg.Nodes[0].Users[0].RNGSeed = nil
	cfg.Nodes[1].Users[0].Name = "custom"

	a := newTestWorld(c, s.ledger, cfg).Config()
	b := newTestWorld(c, s.ledger, cfg).Config()

	c.Assert(a.Nodes[0].RNGSeed, NotNil)
	c.Check(*a.Nodes[0].RNGSeed, Equals, *b.Nodes[0].RNGSeed)
	c.Check(*a.Nodes[1].RNGSeed, Equals, *b.Nodes[1].RNGSeed)
	c.Check(*a.Nodes[0].Users[0].RNGSeed, Equals, *b.Nodes[0].Users[0].RNGSeed)
	c.Check(*a.Nodes[0].Users[1].RNGSeed, Equals, int64(2))
	c.Check(a.Nodes[0].Users[0].Name, Equals, "Alfa")
	c.Check(a.Nodes[0].Users[1].Name, Equals, "Bravo")
	c.Check(a.Nodes[1].Users[0].Name, Equals, "custom")

	// the caller's config is untouched
	c.Check(cfg.Nodes[0].RNGSeed, IsNil)
	c.Check(cfg.Nodes[0].Users[0].Name, Equals, "")
}

func (s *WorldSuite) TestInitializeFundsUsers(c *C) {
	cfg := clusterConfig(
		nodeConfig("node0", userConfig(1, 100), userConfig(2, 200)),
		nodeConfig("node1", userConfig(3, 700)),
	)
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(context.Background()), IsNil)
	defer world.Close()

	c.Assert(world.Initialize(context.Background()), IsNil)
	c.Check(s.ledger.Blocks(), HasLen, 2)

	admin, err := ed25519.PrivateKeyFromHex(cfg.AdminKey)
	c.Assert(err, IsNil)
	balance, _ := s.ledger.Balance(admin.Address())
	c.Check(balance, Equals, int64(200))
	for _, user := range world.Users() {
		balance, _ := s.ledger.Balance(user.Address())
		c.Check(balance, Equals, user.InitialBalance())
	}
}

func (s *WorldSuite) TestOneRoundTransfer(c *C) {
	a := userConfig(1, 1000)
	a.BatchMin, a.BatchMax = 1, 1
	a.TransferMin, a.TransferMax = 100, 100
	node0 := nodeConfig("node0", a)
	node0.DeployFixedDuration = 30 * time.Millisecond
	cfg := clusterConfig(node0, nodeConfig("node1", userConfig(2, 1000)))

	ctx := context.Background()
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(ctx), IsNil)
	defer world.Close()
	c.Assert(world.Initialize(ctx), IsNil)

	userA, userB := world.Users()[0], world.Users()[1]
	err := world.Nodes()[0].Run(ctx, common.Addresses{userB.Address()}, 10*time.Millisecond)
	c.Assert(err, IsNil)
	c.Check(world.Nodes()[0].Rounds(), Equals, int64(1))

	c.Check(userA.Balance(), Equals, int64(900))
	c.Check(userB.Balance(), Equals, int64(1100))

	report, err := world.Reconcile(ctx)
	c.Assert(err, IsNil)
	c.Check(report.OK(), Equals, true)
	c.Assert(report.Balances, HasLen, 2)
	c.Check(report.Balances[0].Observed, Equals, int64(900))
	c.Check(report.Balances[1].Observed, Equals, int64(1100))
}

func (s *WorldSuite) TestProposeTimeoutCancelsSiblings(c *C) {
	busy := nodeConfig("node0", userConfig(1, 1000))
	idle := nodeConfig("node1")
	idle.ProposeTimeout = 30 * time.Millisecond
	cfg := clusterConfig(busy, idle)
	cfg.RunDuration = time.Minute

	ctx := context.Background()
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(ctx), IsNil)
	c.Assert(world.Initialize(ctx), IsNil)

	s.ledger.OnDeploy(func(ctx context.Context, endpoint string, _ rpc.DeployRequest) error {
		if endpoint == "node0" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	s.ledger.OnPropose(func(ctx context.Context, endpoint string) error {
		if endpoint == "node1" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	start := time.Now()
	err := world.Run(ctx)
	c.Check(time.Since(start) < time.Second, Equals, true)
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, ErrProposeTimeout), Equals, true)

	var nerr *NodeError
	c.Assert(errors.As(err, &nerr), Equals, true)
	c.Check(nerr.Node, Equals, "node1")
	c.Check(nerr.Phase, Equals, PhasePropose)

	for _, user := range world.Users() {
		c.Check(user.Balance(), Equals, user.InitialBalance())
	}
	c.Assert(world.Close(), IsNil)
	c.Check(s.ledger.OpenChannels(), Equals, 0)
}

func (s *WorldSuite) TestProposeTimeoutRestoresRoundDebits(c *C) {
	alfa := userConfig(1, 1000)
	alfa.BatchMin, alfa.BatchMax = 1, 1
	alfa.TransferMin, alfa.TransferMax = 100, 100
	busy := nodeConfig("node0", alfa)
	busy.ProposeTimeout = 30 * time.Millisecond
	sleepy := nodeConfig("node1", userConfig(2, 1000))
	sleepy.DeployMinDelay, sleepy.DeployMaxDelay = time.Minute, time.Minute
	cfg := clusterConfig(busy, sleepy)
	cfg.RunDuration = time.Minute

	ctx := context.Background()
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(ctx), IsNil)
	c.Assert(world.Initialize(ctx), IsNil)

	s.ledger.OnPropose(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := world.Run(ctx)
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, ErrProposeTimeout), Equals, true)

	var nerr *NodeError
	c.Assert(errors.As(err, &nerr), Equals, true)
	c.Check(nerr.Node, Equals, "node0")

	// the deploy was confirmed but never committed
	user := world.Users()[0]
	c.Check(user.Seq(), Equals, int64(1))
	c.Check(s.ledger.Pending("node0"), Equals, 1)
	c.Check(user.Balance(), Equals, int64(1000))
	onLedger, ok := s.ledger.Balance(user.Address())
	c.Check(ok, Equals, true)
	c.Check(onLedger, Equals, int64(1000))
	c.Check(world.Users()[1].Balance(), Equals, int64(1000))

	c.Assert(world.Close(), IsNil)
}

func (s *WorldSuite) TestMain(c *C) {
	node0 := nodeConfig("node0", userConfig(1, 1000), userConfig(2, 1000))
	node1 := nodeConfig("node1", userConfig(3, 1000), userConfig(4, 1000))
	node0.DeployFixedDuration, node0.ProposeFixedDuration = 10*time.Millisecond, 10*time.Millisecond
	node1.DeployFixedDuration, node1.ProposeFixedDuration = 5*time.Millisecond, 15*time.Millisecond
	cfg := clusterConfig(node0, node1)
	cfg.RunDuration = 80 * time.Millisecond

	world := newTestWorld(c, s.ledger, cfg)
	report, err := world.Main(context.Background())
	c.Assert(err, IsNil)
	c.Check(report.RunID, Equals, world.RunID())
	c.Check(report.OK(), Equals, true, Commentf("%v", report.Mismatches))
	c.Check(report.Balances, HasLen, 4)
	c.Check(s.ledger.Failures(), HasLen, 0)
	c.Check(s.ledger.OpenChannels(), Equals, 0)

	var total int64
	for _, b := range report.Balances {
		total += b.Expected
	}
	c.Check(total, Equals, int64(4000))
}

func (s *WorldSuite) TestReconcileReportsMismatches(c *C) {
	cfg := clusterConfig(nodeConfig("node0", userConfig(1, 100), userConfig(2, 100)))
	ctx := context.Background()
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(ctx), IsNil)
	defer world.Close()
	c.Assert(world.Initialize(ctx), IsNil)

	s.ledger.SetBalance(world.Users()[1].Address(), 5)
	report, err := world.Reconcile(ctx)
	c.Assert(err, IsNil)
	c.Check(report.OK(), Equals, false)
	c.Assert(report.Mismatches, HasLen, 1)
	c.Check(report.Mismatches[0].User, Equals, "Bravo")
	c.Check(report.Mismatches[0].Expected, Equals, int64(100))
	c.Check(report.Mismatches[0].Observed, Equals, int64(5))
	c.Check(report.Mismatches[0].Error(), Matches, ".*expected 100, observed 5")

	var buf bytes.Buffer
	report.WriteTable(&buf)
	c.Check(buf.String(), Matches, "(?s).*Bravo.*off by -95.*")
}

func (s *WorldSuite) TestReconcileQueryFailure(c *C) {
	cfg := clusterConfig(nodeConfig("node0", userConfig(1, 100)))
	ctx := context.Background()
	world := newTestWorld(c, s.ledger, cfg)
	c.Assert(world.Open(ctx), IsNil)
	defer world.Close()
	c.Assert(world.Initialize(ctx), IsNil)

	s.ledger.OnPropose(func(context.Context, string) error {
		return errors.New("node down")
	})
	report, err := world.Reconcile(ctx)
	c.Assert(err, IsNil)
	c.Assert(report.Mismatches, HasLen, 1)
	c.Check(report.Mismatches[0].Err, NotNil)
	c.Check(report.Mismatches[0].Error(), Matches, ".*balance query failed.*node down")
}

func (s *WorldSuite) TestOpenClosesOnFailure(c *C) {
	cfg := clusterConfig(nodeConfig("node0", userConfig(1, 100)), nodeConfig("bad"))
	dial := func(ctx context.Context, address string) (rpc.Channel, error) {
		if address == "bad" {
			return nil, errors.New("connection refused")
		}
		return s.ledger.Dialer()(ctx, address)
	}
	world, err := NewWorld(cfg, dial)
	c.Assert(err, IsNil)
	err = world.Open(context.Background())
	c.Check(err, ErrorMatches, ".*connection refused")
	c.Check(s.ledger.OpenChannels(), Equals, 0)
	c.Check(world.Nodes(), HasLen, 0)

	_, err = world.Reconcile(context.Background())
	c.Check(err, NotNil)
}
