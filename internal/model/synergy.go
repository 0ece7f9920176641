package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UnlockKind tags the variant held by an UnlockCondition.
type UnlockKind string

const (
	UnlockMinLevel         UnlockKind = "min_level"
	UnlockCompletedMission UnlockKind = "completed_mission"
)

// UnlockCondition gates a synergy. Exactly the fields of its Kind are set:
// min_level uses Project and Level, completed_mission uses MissionID.
type UnlockCondition struct {
	Kind      UnlockKind `json:"kind"`
	Project   ProjectID  `json:"project,omitempty"`
	Level     int        `json:"level,omitempty"`
	MissionID string     `json:"mission_id,omitempty"`
}

// MinLevel requires a skill level of at least level in project.
func MinLevel(project ProjectID, level int) UnlockCondition {
	return UnlockCondition{Kind: UnlockMinLevel, Project: project, Level: level}
}

// CompletedMission requires the mission to have been completed by the user.
func CompletedMission(missionID string) UnlockCondition {
	return UnlockCondition{Kind: UnlockCompletedMission, MissionID: missionID}
}

// String renders the condition the way the dashboard shows it.
func (c UnlockCondition) String() string {
	switch c.Kind {
	case UnlockMinLevel:
		return fmt.Sprintf("Level %d in %s", c.Level, c.Project)
	case UnlockCompletedMission:
		return fmt.Sprintf("Complete mission %s", c.MissionID)
	default:
		return fmt.Sprintf("unknown condition %q", string(c.Kind))
	}
}

// TokenSynergy is a directed exchange relationship between two project tokens.
// S→T and T→S are independent entries.
type TokenSynergy struct {
	SourceProject    ProjectID         `json:"source_project"`
	TargetProject    ProjectID         `json:"target_project"`
	ExchangeRate     decimal.Decimal   `json:"exchange_rate"`
	BonusMultiplier  decimal.Decimal   `json:"bonus_multiplier"`
	UnlockConditions []UnlockCondition `json:"unlock_conditions"`
}

// SkillTarget is either a specific project or every project.
// The zero value matches nothing.
type SkillTarget struct {
	all     bool
	project ProjectID
}

// AllProjects matches every target project.
func AllProjects() SkillTarget { return SkillTarget{all: true} }

// TargetProject matches exactly p.
func TargetProject(p ProjectID) SkillTarget { return SkillTarget{project: p} }

// IsAll reports whether the target is the wildcard.
func (t SkillTarget) IsAll() bool { return t.all }

// Project returns the specific project, or "" for the wildcard.
func (t SkillTarget) Project() ProjectID { return t.project }

// Matches reports whether an exchange into target qualifies.
func (t SkillTarget) Matches(target ProjectID) bool {
	if t.all {
		return true
	}
	return t.project != "" && t.project == target
}

func (t SkillTarget) String() string {
	if t.all {
		return "all"
	}
	return string(t.project)
}

// ParseSkillTarget reads the external form: "all" or a project ID.
func ParseSkillTarget(s string) (SkillTarget, error) {
	switch s {
	case "":
		return SkillTarget{}, fmt.Errorf("model: empty skill target")
	case "all":
		return AllProjects(), nil
	default:
		return TargetProject(ProjectID(s)), nil
	}
}

func (t SkillTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *SkillTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSkillTarget(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SkillTransfer grants a percentage bonus on exchanges out of SourceProject
// when the user holds at least Level in that project.
type SkillTransfer struct {
	ID              string          `json:"id"`
	SourceProject   ProjectID       `json:"source_project"`
	Target          SkillTarget     `json:"target_project"`
	SkillType       string          `json:"skill_type"`
	Level           int             `json:"level"`
	BonusPercentage decimal.Decimal `json:"bonus_percentage"`
	Description     string          `json:"description"`
}

// EventBonus is a time-boxed campaign multiplier for a subset of projects.
type EventBonus struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Multiplier         decimal.Decimal `json:"multiplier"`
	ApplicableProjects []ProjectID     `json:"applicable_projects"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	Conditions         []string        `json:"conditions"`
}

// ActiveAt reports whether now falls in [StartDate, EndDate).
func (e EventBonus) ActiveAt(now time.Time) bool {
	return !now.Before(e.StartDate) && now.Before(e.EndDate)
}

// AppliesTo reports whether the campaign covers project.
func (e EventBonus) AppliesTo(project ProjectID) bool {
	for _, p := range e.ApplicableProjects {
		if p == project {
			return true
		}
	}
	return false
}
