package ledger

import (
	"errors"
	"time"

	"launchpad.org/internal/ids"
)

// Money is an asset amount in minor units (octas). No floats anywhere.
type Money struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Account holds per-asset balances. The launchpad escrow is a regular account;
// custody is nothing more than balances parked under its identifier.
type Account struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Balances  map[string]int64 `json:"balances"` // asset code -> minor units
}

// Transaction is a completed transfer between two accounts.
type Transaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	FromAccountID  string    `json:"from_account_id"`
	ToAccountID    string    `json:"to_account_id"`
	Asset          string    `json:"asset"`
	Amount         int64     `json:"amount"` // minor units
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"` // monotonic sequence number
}

var (
	ErrNotFound          = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidAsset      = errors.New("invalid asset")
)

func newID() string {
	return ids.New()
}
