package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HarmonyPoints is a user's ledger summary. Balance always equals
// Earned - Spent; Total counts everything ever earned.
type HarmonyPoints struct {
	UserID     string          `json:"user_id" db:"user_id"`
	Total      int64           `json:"total" db:"total"`
	Balance    int64           `json:"balance" db:"balance"`
	Earned     int64           `json:"earned" db:"earned"`
	Spent      int64           `json:"spent" db:"spent"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
}

// EntryType is the accounting side of a points ledger row.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Reasons recorded on ledger rows.
const (
	ReasonExchange = "exchange"
	ReasonMission  = "mission"
	ReasonReferral = "referral"
	ReasonManual   = "manual"
	ReasonSpend    = "spend"
)

// PointsEntry is an immutable Harmony Points ledger row.
type PointsEntry struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Type           EntryType `json:"type" db:"type"`
	Reason         string    `json:"reason" db:"reason"`
	Amount         int64     `json:"amount" db:"amount"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
