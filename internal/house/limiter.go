// Package house implements the house risk limits applied to every wager:
// the pool must be above its operating floor, and no single wager may be
// able to pay out more than a fixed fraction of the current reserve.
//
// The limit is re-evaluated against a freshly read reserve each time a
// wager is placed or increased (double-down, split, extra ball), never
// against a value captured earlier.
package house

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/casinohouse/accounting-engine/internal/model"
)

var (
	// ErrBelowOperatingReserve is returned when the pool is too small to
	// take bets at all.
	ErrBelowOperatingReserve = errors.New("house: pool reserve below operating minimum")

	// ErrMaxPayoutExceeded is returned when a wager's maximum possible
	// payout exceeds the allowed fraction of the reserve.
	ErrMaxPayoutExceeded = errors.New("house: max payout exceeds house limit")
)

// Limiter enforces the house limits.
type Limiter struct {
	// MinOperatingReserve is the reserve the pool must exceed to accept
	// any bet.
	MinOperatingReserve model.Amount

	// MaxPayoutBps is the maximum payout of a single wager, in basis
	// points of the reserve. 1000 = 10%.
	MaxPayoutBps int64
}

// NewLimiter creates a limiter. Non-positive bps falls back to 10%.
func NewLimiter(minOperatingReserve model.Amount, maxPayoutBps int64) *Limiter {
	if maxPayoutBps <= 0 {
		maxPayoutBps = 1000
	}
	if maxPayoutBps > 10_000 {
		maxPayoutBps = 10_000
	}
	return &Limiter{
		MinOperatingReserve: minOperatingReserve,
		MaxPayoutBps:        maxPayoutBps,
	}
}

// CanAcceptBets reports whether reserve is above the operating floor.
func (l *Limiter) CanAcceptBets(reserve model.Amount) bool {
	return reserve > l.MinOperatingReserve
}

// MaxAllowedPayout is floor(reserve * MaxPayoutBps / 10000).
func (l *Limiter) MaxAllowedPayout(reserve model.Amount) model.Amount {
	return model.Amount(reserve.Decimal().
		Mul(decimal.NewFromInt(l.MaxPayoutBps)).
		Div(decimal.NewFromInt(10_000)).
		Floor().
		BigInt().Uint64())
}

// CheckWager validates a wager whose largest possible payout is maxPayout
// against the given reserve.
func (l *Limiter) CheckWager(maxPayout, reserve model.Amount) error {
	if !l.CanAcceptBets(reserve) {
		return ErrBelowOperatingReserve
	}
	if maxPayout > l.MaxAllowedPayout(reserve) {
		return ErrMaxPayoutExceeded
	}
	return nil
}
