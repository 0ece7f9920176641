// Package model defines the core domain types shared across the synergy engine.
// Rates, multipliers and fractional amounts use shopspring/decimal; settled token
// and point quantities are whole numbers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectID identifies one of the Gaia projects that issues its own token.
type ProjectID string

const (
	HeartOfGaia          ProjectID = "heart-of-gaia"
	SeedSplitter         ProjectID = "seed-splitter"
	CleanWater           ProjectID = "clean-water"
	CoralReefRestoration ProjectID = "coral-reef-restoration"
	EarthAquariumShrooms ProjectID = "earth-aquarium-shrooms"
	RailingEnergy        ProjectID = "railing-energy"
	FreezeCapital        ProjectID = "freeze-capital"
)

// Token sources recorded on ProjectToken.Source.
const (
	SourceExchange = "exchange"
	SourceMission  = "mission"
	SourceReferral = "referral"
)

// ProjectToken is one reward or exchange output appended to a user's holdings.
// Once recorded it is never modified or deleted.
type ProjectToken struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	ProjectID    ProjectID `json:"project_id" db:"project_id"`
	TokenType    string    `json:"token_type" db:"token_type"`
	Amount       int64     `json:"amount" db:"amount"`
	EarnedAt     time.Time `json:"earned_at" db:"earned_at"`
	Source       string    `json:"source" db:"source"`
	Transferable bool      `json:"transferable" db:"transferable"`
}

// UserProfile is what the profile provider knows about a user: the overall
// level and the skill level reached in each project.
type UserProfile struct {
	UserID string            `json:"user_id"`
	Level  int               `json:"level"`
	Skills map[ProjectID]int `json:"skills"`
}

// Breakdown records every factor of an exchange so a result can be audited.
type Breakdown struct {
	Base            decimal.Decimal `json:"base"`
	BonusMultiplier decimal.Decimal `json:"bonus_multiplier"`
	LevelBonus      decimal.Decimal `json:"level_bonus"`
	EventMultiplier decimal.Decimal `json:"event_multiplier"`
	SkillBonus      decimal.Decimal `json:"skill_bonus"`
	SkillTransfers  []string        `json:"skill_transfers,omitempty"`
}

// Exchange is the immutable record of one executed token exchange.
type Exchange struct {
	ID                    string          `json:"id" db:"id"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	UserID                string          `json:"user_id" db:"user_id"`
	SourceProject         ProjectID       `json:"source_project" db:"source_project"`
	TargetProject         ProjectID       `json:"target_project" db:"target_project"`
	BaseAmount            decimal.Decimal `json:"base_amount" db:"base_amount"`
	ResultAmount          int64           `json:"result_amount" db:"result_amount"`
	HarmonyPointsCredited int64           `json:"harmony_points_credited" db:"harmony_points_credited"`
	Breakdown             Breakdown       `json:"breakdown" db:"breakdown"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}
