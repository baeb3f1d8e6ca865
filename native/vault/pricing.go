package vault

import (
	"fmt"
	"math/big"
)

var oneE18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ApplyFee splits amount into (fee, net) using a basis-point percentage with
// truncating division, so fee+net always equals amount exactly.
func ApplyFee(amount *big.Int, feeBps uint32) (fee, net *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if feeBps > BasisPoints {
		return nil, nil, ErrFeeTooHigh
	}
	fee = new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(BasisPoints))
	net = new(big.Int).Sub(amount, fee)
	return fee, net, nil
}

// ToUSD converts an 18-decimal token amount to an 18-decimal USD value at the
// given 18-decimal rate, multiplying before dividing.
func ToUSD(amount, rate *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrRateZero
	}
	out := new(big.Int).Mul(amount, rate)
	return out.Quo(out, oneE18), nil
}

// FromUSD converts an 18-decimal USD value to an 18-decimal token amount at
// the given 18-decimal rate, multiplying before dividing.
func FromUSD(usd, rate *big.Int) (*big.Int, error) {
	if usd == nil || usd.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrRateZero
	}
	out := new(big.Int).Mul(usd, oneE18)
	return out.Quo(out, rate), nil
}

// RescaleDown converts an 18-decimal amount to the token's native decimals.
// Caller-supplied amounts must survive the conversion losslessly; any dropped
// digit fails with ErrInvalidRounding rather than silently changing value.
func RescaleDown(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if decimals > AmountDecimals {
		return nil, fmt.Errorf("vault: unsupported token decimals %d", decimals)
	}
	if decimals == AmountDecimals {
		return new(big.Int).Set(amount), nil
	}
	factor := pow10(AmountDecimals - decimals)
	native, rem := new(big.Int).QuoRem(amount, factor, new(big.Int))
	if rem.Sign() != 0 {
		return nil, ErrInvalidRounding
	}
	return native, nil
}

// RescaleUp converts a token-native amount back to 18 decimals.
func RescaleUp(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if decimals > AmountDecimals {
		return nil, fmt.Errorf("vault: unsupported token decimals %d", decimals)
	}
	if decimals == AmountDecimals {
		return new(big.Int).Set(amount), nil
	}
	return new(big.Int).Mul(amount, pow10(AmountDecimals-decimals)), nil
}

// Truncate drops the digits of an 18-decimal amount that the token's native
// precision cannot represent. Used on engine-computed payouts so the dust
// stays with the vault instead of being invented for the recipient.
func Truncate(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if decimals >= AmountDecimals {
		return new(big.Int).Set(amount), nil
	}
	factor := pow10(AmountDecimals - decimals)
	out := new(big.Int).Quo(amount, factor)
	return out.Mul(out, factor), nil
}

// withinDeviation reports whether next stays within tolBps basis points of
// prev in either direction. A movement landing exactly on the boundary is
// accepted.
func withinDeviation(prev, next *big.Int, tolBps uint32) bool {
	if prev == nil || prev.Sign() == 0 {
		return true
	}
	if next == nil {
		return false
	}
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff)
	lhs := new(big.Int).Mul(diff, big.NewInt(BasisPoints))
	rhs := new(big.Int).Mul(new(big.Int).Abs(prev), big.NewInt(int64(tolBps)))
	return lhs.Cmp(rhs) <= 0
}
