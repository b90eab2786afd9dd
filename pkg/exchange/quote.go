// Package exchange converts between the native currency and YD token
// units using the on-chain rate. All math is integer math on base units;
// results truncate toward zero so a quote can never over-credit.
package exchange

import (
	"errors"
	"math/big"
)

// TokenDecimals is the YD token precision.
const TokenDecimals = 18

// ErrInvalidRate is returned when the exchange rate is zero or negative.
var ErrInvalidRate = errors.New("invalid exchange rate")

var tokenScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// QuoteTokensForNative returns floor(native * 10^18 / ratePerToken) in
// token base units. The rate must be read fresh from the ledger at quote
// time; slippage between quote and transaction submission is the
// caller's policy, not handled here.
func QuoteTokensForNative(native, ratePerToken *big.Int) (*big.Int, error) {
	if ratePerToken == nil || ratePerToken.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	if native == nil || native.Sign() < 0 {
		return nil, errors.New("native amount must be non-negative")
	}
	out := new(big.Int).Mul(native, tokenScale)
	return out.Quo(out, ratePerToken), nil
}
