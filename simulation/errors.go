package simulation

import (
	"errors"
	"fmt"
	"time"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/rpc"
)

// Failure kinds. Every error returned by a User or Node matches exactly one of these
// with errors.Is, unless the run was cancelled from outside.
var (
	ErrDeployTimeout  = errors.New("deploy timeout")
	ErrDeployFailure  = errors.New("deploy failure")
	ErrProposeTimeout = errors.New("propose timeout")
	ErrProposeFailure = errors.New("propose failure")
)

// Phases of a node round.
const (
	PhaseDeploy  = "deploy"
	PhasePropose = "propose"
)

// DeployError is a failed transfer deploy.
type DeployError struct {
	User      string
	Node      string
	Seq       int64
	Recipient common.Address
	Amount    int64
	Elapsed   time.Duration
	Kind      error
	Err       error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("%s: user %s on %s, seq %d, %d to %s after %s: %s",
		e.Kind, e.User, e.Node, e.Seq, e.Amount, e.Recipient, e.Elapsed, e.Err)
}

func (e *DeployError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ProposeError is a failed propose.
type ProposeError struct {
	Node    string
	Round   int
	Elapsed time.Duration
	Kind    error
	Err     error
}

func (e *ProposeError) Error() string {
	return fmt.Sprintf("%s: node %s, round %d, after %s: %s", e.Kind, e.Node, e.Round, e.Elapsed, e.Err)
}

func (e *ProposeError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NodeError ends the round loop of a node.
type NodeError struct {
	Node  string
	Round int
	Phase string
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed in %s phase of round %d: %s", e.Node, e.Phase, e.Round, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// classify maps a transport error to a failure kind. ok is false when the error is
// the cancellation of the caller's context, which is not a failure of the operation.
func classify(ctxErr, err, timeoutKind, failureKind error) (kind error, ok bool) {
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		return timeoutKind, true
	case ctxErr != nil:
		return nil, false
	default:
		return failureKind, true
	}
}

// Mismatch is a user whose observed balance differs from the tracked one, or could
// not be read. It is collected into a Report, never returned.
type Mismatch struct {
	Balance
}

func (m Mismatch) Error() string {
	if m.Err != nil {
		return fmt.Sprintf("user %s (%s): balance query failed: %s", m.User, m.Address, m.Err)
	}
	return fmt.Sprintf("user %s (%s): expected %d, observed %d", m.User, m.Address, m.Expected, m.Observed)
}
