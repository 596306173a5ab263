package model

import (
	"errors"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the house token (USDT).
const Decimals = 6

var (
	// ErrOverflow is returned when an addition or product does not fit in
	// an Amount.
	ErrOverflow = errors.New("model: amount overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("model: amount underflow")

	// ErrDivisionByZero is returned by MulDiv when the divisor is zero.
	ErrDivisionByZero = errors.New("model: division by zero")
)

// Amount is a token quantity in the ledger's smallest unit
// (1 USDT = 1_000_000). Arithmetic on Amount is checked: it fails
// instead of wrapping.
type Amount uint64

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// SaturatingSub returns a-b, or zero when b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	if b > a {
		return 0
	}
	return a - b
}

// Decimal returns the amount as an integer decimal in base units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), 0)
}

// Tokens returns the amount in whole tokens, e.g. 1_500_000 → 1.5.
func (a Amount) Tokens() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -Decimals)
}

// MulDiv computes floor(a*b/c) without intermediate overflow.
func MulDiv(a, b, c Amount) (Amount, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	q, _ := a.Decimal().Mul(b.Decimal()).QuoRem(c.Decimal(), 0)
	bi := q.BigInt()
	if !bi.IsUint64() {
		return 0, ErrOverflow
	}
	return Amount(bi.Uint64()), nil
}

// Sum adds all amounts, failing on overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return 0, err
		}
	}
	return total, nil
}
