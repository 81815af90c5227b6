// Package contract renders vault deploy terms. A rendered Term keeps the Intent it was
// rendered from so that in-process ledgers can apply it without parsing source.
package contract

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"gitlab.com/mayachain/vaultsim/common"
)

//go:embed templates/*.rho.tpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.rho.tpl"))

////////////////////////////////////////////////////////////////////////////////////////
// Intent
////////////////////////////////////////////////////////////////////////////////////////

// Kind selects the template of an intent.
type Kind string

const (
	KindCreateGenesisVault Kind = "create_genesis_vault"
	KindTransfer           Kind = "transfer"
	KindGetBalance         Kind = "get_balance"
)

func (k Kind) template() string {
	return string(k) + ".rho.tpl"
}

// Intent is the parameter mapping of a deploy. From is unused by genesis vault
// creation and balance queries; To is the vault that is created, credited or queried.
type Intent struct {
	Kind   Kind           `json:"kind"`
	From   common.Address `json:"from,omitempty"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount,omitempty"`
}

// TransferIntent moves amount from one vault to another.
func TransferIntent(from, to common.Address, amount int64) Intent {
	return Intent{Kind: KindTransfer, From: from, To: to, Amount: amount}
}

// GenesisVaultIntent creates the vault at addr holding balance.
func GenesisVaultIntent(addr common.Address, balance int64) Intent {
	return Intent{Kind: KindCreateGenesisVault, To: addr, Amount: balance}
}

// BalanceIntent queries the balance of the vault at addr.
func BalanceIntent(addr common.Address) Intent {
	return Intent{Kind: KindGetBalance, To: addr}
}

// Validate checks that the intent has the parameters its template needs.
func (i Intent) Validate() error {
	switch i.Kind {
	case KindTransfer:
		if i.From.IsEmpty() {
			return fmt.Errorf("transfer intent has no sender")
		}
		if i.Amount <= 0 {
			return fmt.Errorf("transfer amount must be positive, got %d", i.Amount)
		}
	case KindCreateGenesisVault:
		if i.Amount < 0 {
			return fmt.Errorf("genesis balance must be non-negative, got %d", i.Amount)
		}
	case KindGetBalance:
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	if i.To.IsEmpty() {
		return fmt.Errorf("%s intent has no vault address", i.Kind)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////
// Term
////////////////////////////////////////////////////////////////////////////////////////

// Term is rendered deploy source.
type Term struct {
	Source string
	Intent Intent
}

// Render renders the template of the intent.
func Render(intent Intent) (Term, error) {
	if err := intent.Validate(); err != nil {
		return Term{}, err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, intent.Kind.template(), intent); err != nil {
		return Term{}, fmt.Errorf("fail to render %s: %w", intent.Kind, err)
	}
	return Term{Source: buf.String(), Intent: intent}, nil
}
