package simulation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	. "gopkg.in/check.v1"
)

type GroupSuite struct{}

var _ = Suite(&GroupSuite{})

func (s *GroupSuite) TestFirstFailureCancelsSiblings(c *C) {
	boom := errors.New("boom")
	cancelled := atomic.NewInt64(0)
	completed := atomic.NewInt64(0)

	tasks := make([]func(context.Context) error, 5)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) error {
			if i == 2 {
				time.Sleep(10 * time.Millisecond)
				return boom
			}
			select {
			case <-time.After(50 * time.Millisecond):
				completed.Inc()
				return nil
			case <-ctx.Done():
				cancelled.Inc()
				return ctx.Err()
			}
		}
	}

	start := time.Now()
	err := firstFailure(context.Background(), tasks...)
	elapsed := time.Since(start)

	c.Assert(err, Equals, boom)
	c.Check(elapsed < 40*time.Millisecond, Equals, true, Commentf("elapsed %s", elapsed))
	c.Check(cancelled.Load(), Equals, int64(4))
	c.Check(completed.Load(), Equals, int64(0))
}

func (s *GroupSuite) TestAllSucceed(c *C) {
	count := atomic.NewInt64(0)
	task := func(context.Context) error {
		count.Inc()
		return nil
	}
	c.Assert(firstFailure(context.Background(), task, task, task), IsNil)
	c.Check(count.Load(), Equals, int64(3))
	c.Assert(firstFailure(context.Background()), IsNil)
}

func (s *GroupSuite) TestSleep(c *C) {
	c.Check(sleep(context.Background(), 0), IsNil)
	c.Check(sleep(context.Background(), time.Millisecond), IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	c.Check(sleep(ctx, time.Minute), Equals, context.Canceled)
	c.Check(time.Since(start) < time.Second, Equals, true)
}
