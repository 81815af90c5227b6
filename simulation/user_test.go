package simulation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	. "gopkg.in/check.v1"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/rpc"
	"gitlab.com/mayachain/vaultsim/rpc/memledger"
)

type UserSuite struct {
	recipient common.Address
}

var _ = Suite(&UserSuite{})

func (s *UserSuite) SetUpSuite(c *C) {
	s.recipient = common.Address(addressOf(c, hexKey(0x99)))
}

func (s *UserSuite) TestBalanceTracksConfirmedTransfers(c *C) {
	ctx := context.Background()
	ledger := memledger.New()
	cfg := userConfig(1, 5000)
	cfg.BatchMin, cfg.BatchMax = 3, 3
	user := newTestUser(c, ledger, cfg)
	ledger.SetBalance(user.Address(), 5000)
	client := rpc.NewClient(ledger.Channel("node0"), rpc.NewPool(1), 1, 1000)

	var all common.Transfers
	for i := 0; i < 6; i++ {
		transfers, err := user.DeployRandomTransfers(ctx, common.Addresses{s.recipient})
		c.Assert(err, IsNil)
		for _, t := range transfers {
			c.Check(t.Sender, Equals, user.Address())
			c.Check(t.Recipient, Equals, s.recipient)
			c.Check(t.Amount > 0, Equals, true)
		}
		all = append(all, transfers...)
		c.Check(user.Balance() >= 0, Equals, true)

		_, err = client.Propose(ctx, 0)
		c.Assert(err, IsNil)
	}

	c.Check(user.Balance(), Equals, 5000-all.Total())
	observed, _ := ledger.Balance(user.Address())
	c.Check(observed, Equals, user.Balance())
	c.Check(ledger.Failures(), HasLen, 0)
}

func (s *UserSuite) TestFailedAttemptsConsumeSequenceNumbers(c *C) {
	ctx := context.Background()
	ledger := memledger.New()
	cfg := userConfig(2, 100)
	cfg.BatchMin, cfg.BatchMax = 5, 5
	cfg.TransferMin, cfg.TransferMax = 1, 1
	user := newTestUser(c, ledger, cfg)

	calls := atomic.NewInt64(0)
	ledger.OnDeploy(func(context.Context, string, rpc.DeployRequest) error {
		if calls.Inc() == 3 {
			return errors.New("node unavailable")
		}
		return nil
	})

	transfers, err := user.DeployRandomTransfers(ctx, common.Addresses{s.recipient})
	c.Assert(err, NotNil)
	c.Check(transfers, IsNil)
	c.Check(errors.Is(err, ErrDeployFailure), Equals, true)
	c.Check(errors.Is(err, ErrDeployTimeout), Equals, false)
	var derr *DeployError
	c.Assert(errors.As(err, &derr), Equals, true)
	c.Check(derr.Seq, Equals, int64(3))
	c.Check(derr.Amount, Equals, int64(1))
	c.Check(user.Seq(), Equals, int64(3))
	c.Check(user.Balance(), Equals, int64(98))

	transfers, err = user.DeployRandomTransfers(ctx, common.Addresses{s.recipient})
	c.Assert(err, IsNil)
	c.Check(transfers, HasLen, 5)
	c.Check(user.Seq(), Equals, int64(8))
	c.Check(user.Balance(), Equals, int64(93))
}

func (s *UserSuite) TestSequenceIsDeployTimestamp(c *C) {
	ledger := memledger.New()
	cfg := userConfig(3, 100)
	cfg.BatchMin, cfg.BatchMax = 4, 4
	cfg.TransferMin, cfg.TransferMax = 1, 1
	user := newTestUser(c, ledger, cfg)

	var stamps []int64
	ledger.OnDeploy(func(_ context.Context, _ string, req rpc.DeployRequest) error {
		stamps = append(stamps, req.Timestamp)
		return nil
	})
	_, err := user.DeployRandomTransfers(context.Background(), common.Addresses{s.recipient})
	c.Assert(err, IsNil)
	c.Check(stamps, DeepEquals, []int64{1, 2, 3, 4})
}

func (s *UserSuite) TestDeployTimeout(c *C) {
	ledger := memledger.New()
	cfg := userConfig(4, 100)
	cfg.DeployTimeout = 20 * time.Millisecond
	user := newTestUser(c, ledger, cfg)

	ledger.OnDeploy(func(ctx context.Context, _ string, _ rpc.DeployRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	_, err := user.DeployRandomTransfers(context.Background(), common.Addresses{s.recipient})
	c.Check(errors.Is(err, ErrDeployTimeout), Equals, true)
	c.Check(errors.Is(err, rpc.ErrTimeout), Equals, true)
	c.Check(time.Since(start) < time.Second, Equals, true)
	c.Check(user.Balance(), Equals, int64(100))
	c.Check(user.Seq(), Equals, int64(1))
}

func (s *UserSuite) TestCancellationLeavesBalance(c *C) {
	ledger := memledger.New()
	user := newTestUser(c, ledger, userConfig(5, 100))

	ledger.OnDeploy(func(ctx context.Context, _ string, _ rpc.DeployRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	transfers, err := user.DeployRandomTransfers(ctx, common.Addresses{s.recipient})
	c.Check(transfers, IsNil)
	c.Check(errors.Is(err, context.DeadlineExceeded), Equals, true)
	var derr *DeployError
	c.Check(errors.As(err, &derr), Equals, false)
	c.Check(user.Balance(), Equals, int64(100))
}

func (s *UserSuite) TestDrainedVaultSkipsTransfers(c *C) {
	ledger := memledger.New()
	user := newTestUser(c, ledger, userConfig(6, 0))

	transfers, err := user.DeployRandomTransfers(context.Background(), common.Addresses{s.recipient})
	c.Assert(err, IsNil)
	c.Check(transfers, HasLen, 0)
	c.Check(user.Seq(), Equals, int64(0))
	c.Check(user.Balance(), Equals, int64(0))
}

func (s *UserSuite) TestAmountsAreClamped(c *C) {
	ledger := memledger.New()
	cfg := userConfig(7, 10)
	cfg.BatchMin, cfg.BatchMax = 3, 3
	cfg.TransferMin, cfg.TransferMax = 500, 1000
	user := newTestUser(c, ledger, cfg)

	transfers, err := user.DeployRandomTransfers(context.Background(), common.Addresses{s.recipient})
	c.Assert(err, IsNil)
	c.Assert(transfers, HasLen, 1)
	c.Check(transfers[0].Amount, Equals, int64(10))
	c.Check(user.Balance(), Equals, int64(0))
	c.Check(user.Seq(), Equals, int64(1))
}

func (s *UserSuite) TestSameSeedSameTransfers(c *C) {
	recipients := common.Addresses{
		s.recipient,
		common.Address(addressOf(c, hexKey(0x98))),
		common.Address(addressOf(c, hexKey(0x97))),
	}
	run := func() common.Transfers {
		user := newTestUser(c, memledger.New(), userConfig(8, 3000))
		var all common.Transfers
		for i := 0; i < 3; i++ {
			transfers, err := user.DeployRandomTransfers(context.Background(), recipients)
			c.Assert(err, IsNil)
			all = append(all, transfers...)
		}
		return all
	}
	first := run()
	c.Check(first, Not(HasLen), 0)
	c.Check(run(), DeepEquals, first)
}

func (s *UserSuite) TestCredit(c *C) {
	user := newTestUser(c, memledger.New(), userConfig(9, 10))
	user.Credit(15)
	c.Check(user.Balance(), Equals, int64(25))
	c.Check(user.InitialBalance(), Equals, int64(10))
}
