// Package mission implements the join/complete state machine for
// cross-project missions. Definitions come from the catalog; the functions
// here only mutate the MissionState they are handed, so callers decide how
// that state is persisted and serialized.
package mission

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	ErrMissionFull      = errors.New("mission: participant cap reached")
	ErrMissionExpired   = errors.New("mission: expired")
	ErrAlreadyJoined    = errors.New("mission: user already joined")
	ErrNotParticipant   = errors.New("mission: user has not joined")
	ErrAlreadyCompleted = errors.New("mission: reward already claimed")
)

// NewState returns the initial state for def.
func NewState(def model.CrossProjectMission) model.MissionState {
	return model.MissionState{MissionID: def.ID, Status: model.MissionActive}
}

// Expired reports whether now is past the mission window. The window end
// itself is still open.
func Expired(def model.CrossProjectMission, now time.Time) bool {
	return now.After(def.ExpiresAt())
}

// Status derives the status at now. Expiry wins over full.
func Status(def model.CrossProjectMission, st model.MissionState, now time.Time) model.MissionStatus {
	switch {
	case Expired(def, now):
		return model.MissionExpired
	case len(st.Participants) >= def.MaxParticipants:
		return model.MissionFull
	default:
		return model.MissionActive
	}
}

// Join adds userID to st. Checks run in a fixed order: expired, already
// joined, full. A rejected join never adds a participant.
func Join(def model.CrossProjectMission, st *model.MissionState, userID string, now time.Time) error {
	if Expired(def, now) {
		st.Status = model.MissionExpired
		return fmt.Errorf("%w: %s ended at %s", ErrMissionExpired, def.ID, def.ExpiresAt().Format(time.RFC3339))
	}
	if st.HasParticipant(userID) {
		return fmt.Errorf("%w: %s in %s", ErrAlreadyJoined, userID, def.ID)
	}
	if len(st.Participants) >= def.MaxParticipants {
		st.Status = model.MissionFull
		return fmt.Errorf("%w: %s has %d/%d", ErrMissionFull, def.ID, len(st.Participants), def.MaxParticipants)
	}

	st.Participants = append(st.Participants, userID)
	st.Status = Status(def, *st, now)
	return nil
}

// Complete marks userID as finished and returns the reward bundle to hand
// out. A user can complete a mission once, only after joining and only
// inside the mission window.
func Complete(def model.CrossProjectMission, st *model.MissionState, userID string, now time.Time) (model.RewardBundle, error) {
	if !st.HasParticipant(userID) {
		return model.RewardBundle{}, fmt.Errorf("%w: %s in %s", ErrNotParticipant, userID, def.ID)
	}
	if st.HasCompleted(userID) {
		return model.RewardBundle{}, fmt.Errorf("%w: %s in %s", ErrAlreadyCompleted, userID, def.ID)
	}
	if Expired(def, now) {
		st.Status = model.MissionExpired
		return model.RewardBundle{}, fmt.Errorf("%w: %s ended at %s", ErrMissionExpired, def.ID, def.ExpiresAt().Format(time.RFC3339))
	}

	st.Completed = append(st.Completed, userID)
	return Rewards(def, userID, now), nil
}

// Rewards materializes the mission's reward definitions as tokens owned by
// userID.
func Rewards(def model.CrossProjectMission, userID string, now time.Time) model.RewardBundle {
	tokens := make([]model.ProjectToken, 0, len(def.Rewards))
	for _, r := range def.Rewards {
		tokens = append(tokens, model.ProjectToken{
			ID:           uuid.New().String(),
			UserID:       userID,
			ProjectID:    r.ProjectID,
			TokenType:    r.TokenType,
			Amount:       r.Amount,
			EarnedAt:     now,
			Source:       model.SourceMission,
			Transferable: r.Transferable,
		})
	}
	return model.RewardBundle{
		MissionID:     def.ID,
		UserID:        userID,
		Tokens:        tokens,
		HarmonyPoints: def.HarmonyPointsReward,
	}
}

// View combines a definition with its state at now.
func View(def model.CrossProjectMission, st model.MissionState, now time.Time) model.MissionView {
	return model.MissionView{
		CrossProjectMission: def,
		Participants:        len(st.Participants),
		Status:              Status(def, st, now),
	}
}
