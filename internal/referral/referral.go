// Package referral implements the SmartReferral lifecycle:
// pending → confirmed | rejected. Resolution is one-way.
package referral

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	ErrSelfReferral    = errors.New("referral: user cannot refer themselves")
	ErrAlreadyResolved = errors.New("referral: already resolved")
	ErrNoProjects      = errors.New("referral: at least one shared project is required")
	ErrMissingUser     = errors.New("referral: referrer and referee are required")
)

// Policy sets the rewards handed out when a referral is confirmed.
type Policy struct {
	HarmonyPointsBonus     int64 // credited to the referrer
	BonusTokensPerProject  int64 // appended to the referee per shared project
	TokenType              string
	TransferableBonusToken bool
}

// DefaultPolicy returns the standard referral rewards.
func DefaultPolicy() Policy {
	return Policy{
		HarmonyPointsBonus:    500,
		BonusTokensPerProject: 50,
		TokenType:             "referral-bonus",
	}
}

// New creates a pending referral. Duplicate projects are collapsed.
func New(p Policy, referrerID, refereeID string, projects []model.ProjectID, now time.Time) (model.SmartReferral, error) {
	if referrerID == "" || refereeID == "" {
		return model.SmartReferral{}, ErrMissingUser
	}
	if referrerID == refereeID {
		return model.SmartReferral{}, fmt.Errorf("%w: %s", ErrSelfReferral, referrerID)
	}

	shared := dedupe(projects)
	if len(shared) == 0 {
		return model.SmartReferral{}, ErrNoProjects
	}

	return model.SmartReferral{
		ID:                 uuid.New().String(),
		ReferrerID:         referrerID,
		RefereeID:          refereeID,
		ProjectsShared:     shared,
		BonusTokens:        p.BonusTokensPerProject * int64(len(shared)),
		HarmonyPointsBonus: p.HarmonyPointsBonus,
		Status:             model.ReferralPending,
		CreatedAt:          now,
	}, nil
}

// Confirm resolves a pending referral and returns the tokens owed to the
// referee. The referrer's points are r.HarmonyPointsBonus.
func Confirm(p Policy, r *model.SmartReferral, now time.Time) ([]model.ProjectToken, error) {
	if err := resolve(r, model.ReferralConfirmed, now); err != nil {
		return nil, err
	}

	per := r.BonusTokens / int64(len(r.ProjectsShared))
	tokens := make([]model.ProjectToken, 0, len(r.ProjectsShared))
	for _, project := range r.ProjectsShared {
		tokens = append(tokens, model.ProjectToken{
			ID:           uuid.New().String(),
			UserID:       r.RefereeID,
			ProjectID:    project,
			TokenType:    p.TokenType,
			Amount:       per,
			EarnedAt:     now,
			Source:       model.SourceReferral,
			Transferable: p.TransferableBonusToken,
		})
	}
	return tokens, nil
}

// Reject resolves a pending referral without rewards.
func Reject(r *model.SmartReferral, now time.Time) error {
	return resolve(r, model.ReferralRejected, now)
}

func resolve(r *model.SmartReferral, status model.ReferralStatus, now time.Time) error {
	if r.Status != model.ReferralPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, r.ID, r.Status)
	}
	r.Status = status
	r.ResolvedAt = &now
	return nil
}

func dedupe(projects []model.ProjectID) []model.ProjectID {
	seen := make(map[model.ProjectID]bool, len(projects))
	var out []model.ProjectID
	for _, p := range projects {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
