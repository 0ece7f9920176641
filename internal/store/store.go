// Package store defines the persistence interface for the synergy engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when an idempotency key or a unique
	// record (one referral per referee) is inserted twice.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Reads are served directly. Every write goes through Update so that a
// ledger mutation and everything recorded alongside it (ledger rows, tokens,
// participation, mission state) commit together or not at all.
type Store interface {
	Reader

	// Update runs fn as one atomic unit of work. If fn returns an error
	// nothing it wrote is persisted. fn may be invoked more than once when
	// the backend retries a serialization failure, so it must derive all
	// writes from what it reads through tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// PutProfile creates or replaces a user profile.
	PutProfile(ctx context.Context, p *model.UserProfile) error
}

// Reader is the read side of the store.
type Reader interface {
	// --- Profiles ---

	// GetProfile returns ErrNotFound for unknown users.
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)

	// --- Harmony Points ---

	// GetHarmonyPoints returns an empty ledger for users that never earned.
	GetHarmonyPoints(ctx context.Context, userID string) (*model.HarmonyPoints, error)

	// ListPointsEntries returns a user's ledger rows, oldest first.
	ListPointsEntries(ctx context.Context, userID string) ([]model.PointsEntry, error)

	// GetPointsEntryByKey finds a ledger row by idempotency key.
	GetPointsEntryByKey(ctx context.Context, userID, key string) (*model.PointsEntry, error)

	// --- Exchanges and holdings ---

	// GetExchangeByKey finds an exchange by idempotency key.
	GetExchangeByKey(ctx context.Context, userID, key string) (*model.Exchange, error)

	// GetHoldings returns every token appended to the user, oldest first.
	GetHoldings(ctx context.Context, userID string) ([]model.ProjectToken, error)

	// GetParticipation returns the projects the user has taken part in.
	GetParticipation(ctx context.Context, userID string) ([]model.ProjectID, error)

	// --- Missions ---

	// GetMissionState returns the state of a mission; missions nobody has
	// joined yet come back active and empty.
	GetMissionState(ctx context.Context, missionID string) (*model.MissionState, error)

	// GetCompletedMissions returns the IDs of missions the user completed.
	GetCompletedMissions(ctx context.Context, userID string) ([]string, error)

	// --- Recognition, referrals, investments ---

	ListBadgeAwards(ctx context.Context, userID string) ([]model.BadgeAward, error)
	GetReferral(ctx context.Context, id string) (*model.SmartReferral, error)
	ListInvestments(ctx context.Context, userID string) ([]model.ImpactInvestment, error)
}

// Tx is the view of the store inside one Update. Getters lock the rows
// they return until the unit of work ends.
type Tx interface {
	// HarmonyPoints returns the user's ledger for update, creating an empty
	// one if needed.
	HarmonyPoints(userID string) (*model.HarmonyPoints, error)
	SaveHarmonyPoints(hp *model.HarmonyPoints) error

	// AppendPointsEntry returns ErrDuplicateKey when the entry's
	// idempotency key was already used by the same user.
	AppendPointsEntry(e *model.PointsEntry) error

	// InsertExchange returns ErrDuplicateKey when the exchange's
	// idempotency key was already used by the same user.
	InsertExchange(x *model.Exchange) error

	AppendTokens(tokens ...model.ProjectToken) error
	AddParticipation(userID string, projects ...model.ProjectID) error

	// MissionState returns the mission's state for update.
	MissionState(missionID string) (*model.MissionState, error)
	SaveMissionState(st *model.MissionState) error

	// AwardBadge records an award unless the user already holds the badge.
	// It reports whether a new award was written.
	AwardBadge(a model.BadgeAward) (bool, error)

	// InsertReferral returns ErrDuplicateKey if the referee already has one.
	InsertReferral(r *model.SmartReferral) error
	// Referral returns a referral for update.
	Referral(id string) (*model.SmartReferral, error)
	SaveReferral(r *model.SmartReferral) error

	InsertInvestment(inv *model.ImpactInvestment) error
}
