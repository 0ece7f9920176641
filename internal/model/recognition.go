package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GlobalRecognition is a badge definition, optionally annotated with a
// user's earned status.
type GlobalRecognition struct {
	BadgeID               string      `json:"badge_id"`
	Name                  string      `json:"name"`
	Description           string      `json:"description"`
	Criteria              []string    `json:"criteria"`
	ProjectsRequired      []ProjectID `json:"projects_required"`
	HarmonyPointsRequired int64       `json:"harmony_points_required"`
	Earned                bool        `json:"earned"`
	EarnedAt              *time.Time  `json:"earned_at,omitempty"`
}

// BadgeAward records that a user earned a badge. There is at most one
// award per (user, badge) and it is never removed.
type BadgeAward struct {
	UserID   string    `json:"user_id" db:"user_id"`
	BadgeID  string    `json:"badge_id" db:"badge_id"`
	EarnedAt time.Time `json:"earned_at" db:"earned_at"`
}

// ReferralStatus is the lifecycle of a SmartReferral.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralConfirmed ReferralStatus = "confirmed"
	ReferralRejected  ReferralStatus = "rejected"
)

// SmartReferral links a referrer to a referee over a set of shared projects.
type SmartReferral struct {
	ID                 string         `json:"id" db:"id"`
	ReferrerID         string         `json:"referrer_id" db:"referrer_id"`
	RefereeID          string         `json:"referee_id" db:"referee_id"`
	ProjectsShared     []ProjectID    `json:"projects_shared" db:"projects_shared"`
	BonusTokens        int64          `json:"bonus_tokens" db:"bonus_tokens"`
	HarmonyPointsBonus int64          `json:"harmony_points_bonus" db:"harmony_points_bonus"`
	Status             ReferralStatus `json:"status" db:"status"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ImpactInvestment is a derived-metrics record computed once at creation.
type ImpactInvestment struct {
	ID                  string          `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	ProjectID           ProjectID       `json:"project_id" db:"project_id"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	InvestmentDate      time.Time       `json:"investment_date" db:"investment_date"`
	ExpectedReturns     decimal.Decimal `json:"expected_returns" db:"expected_returns"`
	ActualReturns       decimal.Decimal `json:"actual_returns" db:"actual_returns"`
	EnvironmentalImpact decimal.Decimal `json:"environmental_impact" db:"environmental_impact"`
}
