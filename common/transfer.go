// Package common holds addresses, transfers and seed derivation shared by every
// simulator package.
package common

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////////////
// Address
////////////////////////////////////////////////////////////////////////////////////////

// Address is a vault address on the ledger.
type Address string

// NoAddress is the empty address.
const NoAddress = Address("")

// IsEmpty returns true when the address has no content.
func (a Address) IsEmpty() bool {
	return strings.TrimSpace(a.String()) == ""
}

func (a Address) String() string {
	return string(a)
}

// Addresses is a list of vault addresses.
type Addresses []Address

// Contains returns true if addr is in the list.
func (as Addresses) Contains(addr Address) bool {
	for _, a := range as {
		if a == addr {
			return true
		}
	}
	return false
}

////////////////////////////////////////////////////////////////////////////////////////
// Transfer
////////////////////////////////////////////////////////////////////////////////////////

// Transfer is a confirmed transfer deploy.
type Transfer struct {
	Sender    Address
	Recipient Address
	Amount    int64
}

// NewTransfer returns a transfer, amount must be positive.
func NewTransfer(sender, recipient Address, amount int64) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	return Transfer{Sender: sender, Recipient: recipient, Amount: amount}, nil
}

// IsSelf returns true when sender and recipient are the same vault.
func (t Transfer) IsSelf() bool {
	return t.Sender == t.Recipient
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s → %s (%d)", t.Sender, t.Recipient, t.Amount)
}

// Transfers is a list of transfers.
type Transfers []Transfer

// Total returns the sum of all transfer amounts.
func (ts Transfers) Total() int64 {
	var total int64
	for _, t := range ts {
		total += t.Amount
	}
	return total
}
