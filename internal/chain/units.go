package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimals between the native unit and wei
const NativeDecimals = 18

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidTokenID = errors.New("invalid token id")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ToWei converts a native-unit amount (e.g. 1.5 ETH) to its smallest unit.
// Amounts finer than one wei are rejected rather than rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	wei := amount.Shift(NativeDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, NativeDecimals)
	}
	return wei.BigInt(), nil
}

// FromWei converts a wei amount back to native units
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -NativeDecimals)
}

// ParseTokenID parses a base 10 or 0x-prefixed uint256 token id
func ParseTokenID(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	id, ok := new(big.Int).SetString(raw, base)
	if !ok || id.Sign() < 0 || id.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenID, raw)
	}
	return id, nil
}
