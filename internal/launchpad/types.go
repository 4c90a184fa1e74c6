package launchpad

import (
	"errors"
	"time"
)

// SaleMode selects who may contribute while the sale window is open.
type SaleMode string

const (
	// ModeOpen is first-come-first-served: any account may contribute.
	ModeOpen SaleMode = "open"
	// ModeWhitelisted restricts contributions to the sale's whitelist.
	ModeWhitelisted SaleMode = "whitelisted"
)

// AssetPair carries the caller-declared asset identities for an operation.
// Both must match the identities recorded at sale creation or the operation
// aborts with ErrAssetMismatch.
type AssetPair struct {
	Base    string `json:"base"`
	Payment string `json:"payment"`
}

// SaleParams is everything the creator supplies to launch a sale.
// Amounts are payment-asset minor units; Price carries an implicit 1e8 scale.
type SaleParams struct {
	Name         string    `json:"name"`
	BaseAsset    string    `json:"base_asset"`
	PaymentAsset string    `json:"payment_asset"`
	Price        int64     `json:"price"`
	MinBuy       int64     `json:"min_buy"`
	MaxBuy       int64     `json:"max_buy"`
	Softcap      int64     `json:"softcap"`
	Hardcap      int64     `json:"hardcap"`
	Mode         SaleMode  `json:"mode"`
	Whitelist    []string  `json:"whitelist,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	// Display metadata; settlement never consults any of it.
	Links              []string `json:"links,omitempty"`
	VestingDescription string   `json:"vesting_description,omitempty"`
	VestingPercentages []uint64 `json:"vesting_percentages,omitempty"`
}

// Sale is a point-in-time snapshot of a sale record.
type Sale struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	CreatedAt    time.Time `json:"created_at"`
	Name         string    `json:"name"`
	BaseAsset    string    `json:"base_asset"`
	PaymentAsset string    `json:"payment_asset"`
	Price        int64     `json:"price"`
	MinBuy       int64     `json:"min_buy"`
	MaxBuy       int64     `json:"max_buy"`
	Softcap      int64     `json:"softcap"`
	Hardcap      int64     `json:"hardcap"`
	Mode         SaleMode  `json:"mode"`
	Whitelist    []string  `json:"whitelist,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	TotalRaised  int64     `json:"total_raised"`
	Finalized    bool      `json:"finalized"`

	Links              []string `json:"links,omitempty"`
	VestingDescription string   `json:"vesting_description,omitempty"`
	VestingPercentages []uint64 `json:"vesting_percentages,omitempty"`

	// Contributors is a legacy field kept for API compatibility; nothing
	// reads it and enforcement goes through the contribution mapping.
	//
	// Deprecated: use GetContributedAmount / ListParticipations.
	Contributors []string `json:"contributors,omitempty"`
}

// Participation is one append-only log entry recorded per contribution.
// Informational only; no enforcement path reads it.
type Participation struct {
	SaleID    string    `json:"sale_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrSaleNotFound           = errors.New("sale not found")
	ErrInvalidParams          = errors.New("invalid sale parameters")
	ErrAssetMismatch          = errors.New("asset identities do not match the sale")
	ErrCapExceeded            = errors.New("contribution exceeds cap")
	ErrBelowMinimum           = errors.New("contribution below minimum buy")
	ErrNotWhitelisted         = errors.New("buyer is not whitelisted")
	ErrNotOpenForContribution = errors.New("sale is not open for contribution")
	ErrNotReadyToClaim        = errors.New("sale is not ready to claim")
	ErrNotEligibleForRefund   = errors.New("sale is not eligible for refund")
	ErrAccountNotFound        = errors.New("no contribution recorded for account")
	ErrRefundAmountTooHigh    = errors.New("refund amount exceeds contribution")
	ErrAlreadyFinalized       = errors.New("sale already finalized")
	ErrUnauthorized           = errors.New("caller is not the sale owner")
	ErrSaleNotYetEnded        = errors.New("sale has not ended yet")
	ErrAmountOverflow         = errors.New("settlement amount overflows 64 bits")
)
