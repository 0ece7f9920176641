package model

import "time"

// MissionStatus is the lifecycle state of a cross-project mission.
type MissionStatus string

const (
	MissionActive  MissionStatus = "active"
	MissionFull    MissionStatus = "full"
	MissionExpired MissionStatus = "expired"
)

// RewardToken is one line of a mission's fixed reward bundle.
type RewardToken struct {
	ProjectID    ProjectID `json:"project_id"`
	TokenType    string    `json:"token_type"`
	Amount       int64     `json:"amount"`
	Transferable bool      `json:"transferable"`
}

// CrossProjectMission is the read-only definition of a mission.
type CrossProjectMission struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	RequiredProjects    []ProjectID   `json:"required_projects"`
	Rewards             []RewardToken `json:"rewards"`
	HarmonyPointsReward int64         `json:"harmony_points_reward"`
	Duration            time.Duration `json:"duration"`
	ActivatedAt         time.Time     `json:"activated_at"`
	MaxParticipants     int           `json:"max_participants"`
}

// ExpiresAt is the end of the mission window.
func (m CrossProjectMission) ExpiresAt() time.Time {
	return m.ActivatedAt.Add(m.Duration)
}

// MissionState is the mutable part of a mission: who joined and who finished.
type MissionState struct {
	MissionID    string        `json:"mission_id" db:"mission_id"`
	Participants []string      `json:"participants" db:"participants"`
	Completed    []string      `json:"completed" db:"completed"`
	Status       MissionStatus `json:"status" db:"status"`
}

// HasParticipant reports whether userID joined.
func (s MissionState) HasParticipant(userID string) bool {
	return contains(s.Participants, userID)
}

// HasCompleted reports whether userID already claimed the reward bundle.
func (s MissionState) HasCompleted(userID string) bool {
	return contains(s.Completed, userID)
}

// Clone returns a deep copy safe to mutate.
func (s MissionState) Clone() MissionState {
	c := s
	c.Participants = append([]string(nil), s.Participants...)
	c.Completed = append([]string(nil), s.Completed...)
	return c
}

// MissionView joins a definition with its current state for API responses.
type MissionView struct {
	CrossProjectMission
	Participants int           `json:"participants"`
	Status       MissionStatus `json:"status"`
}

// RewardBundle is what a user receives for completing a mission.
type RewardBundle struct {
	MissionID     string         `json:"mission_id"`
	UserID        string         `json:"user_id"`
	Tokens        []ProjectToken `json:"tokens"`
	HarmonyPoints int64          `json:"harmony_points"`
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
