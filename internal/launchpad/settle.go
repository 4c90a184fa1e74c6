package launchpad

import (
	"math"

	"github.com/gaze-network/uint128"
)

// PriceScale is the fixed-point denominator for sale prices: a price of
// 1*PriceScale means one payment minor unit buys one base minor unit.
const PriceScale = 100_000_000

// SettlementAmount returns floor(amount*price/PriceScale). The intermediate
// product can exceed 64 bits for large caps, so it is computed in 128 bits.
func SettlementAmount(amount, price int64) (int64, error) {
	if amount < 0 || price < 0 {
		return 0, ErrAmountOverflow
	}
	v := uint128.From64(uint64(amount)).Mul64(uint64(price)).Div64(PriceScale)
	if v.Hi != 0 || v.Lo > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	return int64(v.Lo), nil
}
