// Package ledger implements the Harmony Points earn/spend rules.
//
// A user's HarmonyPoints counters are only ever changed through Credit and
// Debit, which keep Balance == Earned - Spent; SetMultiplier touches only the
// multiplier. Callers are responsible for serializing mutations of the same
// user's summary (see store and synergy); the functions here are pure and
// perform no locking.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient harmony points balance")

	// ErrInvalidAmount is returned for negative credits and non-positive debits.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrLedgerCorrupted means Balance != Earned - Spent. This can only come
	// from a concurrency bug and needs manual reconciliation.
	ErrLedgerCorrupted = errors.New("ledger: balance invariant violated")
)

// New returns an empty ledger for userID with a neutral multiplier.
func New(userID string) model.HarmonyPoints {
	return model.HarmonyPoints{
		UserID:     userID,
		Multiplier: decimal.NewFromInt(1),
	}
}

// Verify checks the ledger invariants.
func Verify(hp model.HarmonyPoints) error {
	if hp.Balance != hp.Earned-hp.Spent {
		return fmt.Errorf("%w: user %s balance=%d earned=%d spent=%d",
			ErrLedgerCorrupted, hp.UserID, hp.Balance, hp.Earned, hp.Spent)
	}
	if hp.Balance < 0 || hp.Total != hp.Earned {
		return fmt.Errorf("%w: user %s balance=%d total=%d earned=%d",
			ErrLedgerCorrupted, hp.UserID, hp.Balance, hp.Total, hp.Earned)
	}
	return nil
}

// CreditAmount computes floor(amount × multiplier × ledgerMultiplier).
// A zero ledger multiplier is treated as 1.
func CreditAmount(amount, multiplier, ledgerMultiplier decimal.Decimal) int64 {
	if ledgerMultiplier.IsZero() {
		ledgerMultiplier = decimal.NewFromInt(1)
	}
	return amount.Mul(multiplier).Mul(ledgerMultiplier).Floor().IntPart()
}

// Credit adds floor(amount × multiplier × hp.Multiplier) to the ledger and
// returns the points actually credited.
func Credit(hp *model.HarmonyPoints, amount, multiplier decimal.Decimal) (int64, error) {
	if amount.IsNegative() || multiplier.IsNegative() {
		return 0, fmt.Errorf("%w: credit %s x %s", ErrInvalidAmount, amount, multiplier)
	}
	if err := Verify(*hp); err != nil {
		return 0, err
	}
	actual := CreditAmount(amount, multiplier, hp.Multiplier)
	hp.Total += actual
	hp.Earned += actual
	hp.Balance += actual
	return actual, nil
}

// SetMultiplier replaces the ledger's standing multiplier. It must be
// positive; balances already credited are not rescaled.
func SetMultiplier(hp *model.HarmonyPoints, m decimal.Decimal) error {
	if !m.IsPositive() {
		return fmt.Errorf("%w: multiplier %s", ErrInvalidAmount, m)
	}
	if err := Verify(*hp); err != nil {
		return err
	}
	hp.Multiplier = m
	return nil
}

// Debit spends amount points. On any error hp is left unchanged.
func Debit(hp *model.HarmonyPoints, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit %d", ErrInvalidAmount, amount)
	}
	if err := Verify(*hp); err != nil {
		return err
	}
	if hp.Balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, hp.Balance, amount)
	}
	hp.Balance -= amount
	hp.Spent += amount
	return nil
}
