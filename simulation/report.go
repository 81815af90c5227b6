package simulation

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"gitlab.com/mayachain/vaultsim/common"
	"gitlab.com/mayachain/vaultsim/contract"
	"gitlab.com/mayachain/vaultsim/rpc"
)

// Balance is the expected and observed balance of one user.
type Balance struct {
	User     string
	Address  common.Address
	Expected int64
	Observed int64
	Err      error
}

// Matches returns true when the balance was read and equals the expected one.
func (b Balance) Matches() bool {
	return b.Err == nil && b.Expected == b.Observed
}

// Report is the outcome of a reconciliation.
type Report struct {
	RunID      string
	Balances   []Balance
	Mismatches []Mismatch
}

// OK returns true when every balance matches.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// WriteTable renders the report.
func (r *Report) WriteTable(out io.Writer) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"User", "Address", "Expected", "Observed", "Status"})
	for _, b := range r.Balances {
		observed := strconv.FormatInt(b.Observed, 10)
		status := "ok"
		switch {
		case b.Err != nil:
			observed = "-"
			status = b.Err.Error()
		case !b.Matches():
			status = fmt.Sprintf("off by %d", b.Observed-b.Expected)
		}
		table.Append([]string{b.User, b.Address.String(), strconv.FormatInt(b.Expected, 10), observed, status})
	}
	table.Render()
}

// Reconcile reads the ledger balance of every user through the first node and
// compares it with the expected balance. Query failures are reported per user as
// mismatches; the returned error is only set when the world is not open.
func (w *World) Reconcile(ctx context.Context) (*Report, error) {
	client, proposeTimeout, err := w.adminClient()
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: w.runID, Balances: make([]Balance, len(w.users))}
	ids := make([]rpc.DeployID, len(w.users))
	for i, user := range w.users {
		report.Balances[i] = Balance{User: user.Name(), Address: user.Address(), Expected: user.Balance()}
		id, err := w.adminDeploy(ctx, client, contract.BalanceIntent(user.Address()))
		if err != nil {
			report.Balances[i].Err = fmt.Errorf("fail to deploy balance query: %w", err)
			continue
		}
		ids[i] = id
	}

	if _, err := client.Propose(ctx, proposeTimeout); err != nil {
		for i := range report.Balances {
			if report.Balances[i].Err == nil {
				report.Balances[i].Err = fmt.Errorf("fail to propose balance queries: %w", err)
			}
		}
	}

	for i := range report.Balances {
		b := &report.Balances[i]
		if b.Err == nil {
			b.Observed, b.Err = client.GetBalanceAt(ctx, ids[i], w.cfg.AdminDeployTimeout)
		}
		if !b.Matches() {
			report.Mismatches = append(report.Mismatches, Mismatch{Balance: *b})
		}
		w.logger.Info().
			Str("user", b.User).
			Int64("expected", b.Expected).
			Int64("observed", b.Observed).
			AnErr("query_error", b.Err).
			Msg("reconciled balance")
	}

	w.metric.SetMismatches(len(report.Mismatches))
	return report, nil
}
