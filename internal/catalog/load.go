package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gaia/synergy-engine/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

// Default returns the catalog shipped with the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file. An empty path selects Default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f fileCatalog
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	defs, err := f.definitions()
	if err != nil {
		return nil, err
	}
	return New(defs)
}

// --- YAML document shape ---

type fileCatalog struct {
	Synergies      []fileSynergy `yaml:"synergies"`
	SkillTransfers []fileSkill   `yaml:"skill_transfers"`
	Events         []fileEvent   `yaml:"events"`
	Missions       []fileMission `yaml:"missions"`
	Badges         []fileBadge   `yaml:"badges"`
}

type fileSynergy struct {
	Source          string          `yaml:"source"`
	Target          string          `yaml:"target"`
	ExchangeRate    float64         `yaml:"exchange_rate"`
	BonusMultiplier float64         `yaml:"bonus_multiplier"`
	Unlock          []fileCondition `yaml:"unlock"`
}

type fileCondition struct {
	Kind      string `yaml:"kind"`
	Project   string `yaml:"project"`
	Level     int    `yaml:"level"`
	MissionID string `yaml:"mission_id"`
}

type fileSkill struct {
	ID              string  `yaml:"id"`
	Source          string  `yaml:"source"`
	Target          string  `yaml:"target"`
	SkillType       string  `yaml:"skill_type"`
	Level           int     `yaml:"level"`
	BonusPercentage float64 `yaml:"bonus_percentage"`
	Description     string  `yaml:"description"`
}

type fileEvent struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Multiplier  float64  `yaml:"multiplier"`
	Projects    []string `yaml:"projects"`
	Start       string   `yaml:"start"`
	End         string   `yaml:"end"`
	Conditions  []string `yaml:"conditions"`
}

type fileReward struct {
	Project      string `yaml:"project"`
	TokenType    string `yaml:"token_type"`
	Amount       int64  `yaml:"amount"`
	Transferable bool   `yaml:"transferable"`
}

type fileMission struct {
	ID                  string       `yaml:"id"`
	Title               string       `yaml:"title"`
	Description         string       `yaml:"description"`
	RequiredProjects    []string     `yaml:"required_projects"`
	Rewards             []fileReward `yaml:"rewards"`
	HarmonyPointsReward int64        `yaml:"harmony_points_reward"`
	Duration            string       `yaml:"duration"`
	ActivatedAt         string       `yaml:"activated_at"`
	MaxParticipants     int          `yaml:"max_participants"`
}

type fileBadge struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	Description           string   `yaml:"description"`
	Criteria              []string `yaml:"criteria"`
	ProjectsRequired      []string `yaml:"projects_required"`
	HarmonyPointsRequired int64    `yaml:"harmony_points_required"`
}

func (f fileCatalog) definitions() (Definitions, error) {
	var defs Definitions

	for _, s := range f.Synergies {
		syn := model.TokenSynergy{
			SourceProject:   model.ProjectID(s.Source),
			TargetProject:   model.ProjectID(s.Target),
			ExchangeRate:    decimal.NewFromFloat(s.ExchangeRate),
			BonusMultiplier: decimal.NewFromFloat(s.BonusMultiplier),
		}
		for _, c := range s.Unlock {
			syn.UnlockConditions = append(syn.UnlockConditions, model.UnlockCondition{
				Kind:      model.UnlockKind(c.Kind),
				Project:   model.ProjectID(c.Project),
				Level:     c.Level,
				MissionID: c.MissionID,
			})
		}
		defs.Synergies = append(defs.Synergies, syn)
	}

	for _, s := range f.SkillTransfers {
		target, err := model.ParseSkillTarget(s.Target)
		if err != nil {
			return Definitions{}, fmt.Errorf("%w: skill transfer %s: %v", ErrInvalidCatalog, s.ID, err)
		}
		defs.SkillTransfers = append(defs.SkillTransfers, model.SkillTransfer{
			ID:              s.ID,
			SourceProject:   model.ProjectID(s.Source),
			Target:          target,
			SkillType:       s.SkillType,
			Level:           s.Level,
			BonusPercentage: decimal.NewFromFloat(s.BonusPercentage),
			Description:     s.Description,
		})
	}

	for _, e := range f.Events {
		start, err := time.Parse(time.RFC3339, e.Start)
		if err != nil {
			return Definitions{}, fmt.Errorf("%w: event %s start: %v", ErrInvalidCatalog, e.ID, err)
		}
		end, err := time.Parse(time.RFC3339, e.End)
		if err != nil {
			return Definitions{}, fmt.Errorf("%w: event %s end: %v", ErrInvalidCatalog, e.ID, err)
		}
		defs.Events = append(defs.Events, model.EventBonus{
			ID:                 e.ID,
			Name:               e.Name,
			Description:        e.Description,
			Multiplier:         decimal.NewFromFloat(e.Multiplier),
			ApplicableProjects: projectIDs(e.Projects),
			StartDate:          start.UTC(),
			EndDate:            end.UTC(),
			Conditions:         e.Conditions,
		})
	}

	for _, m := range f.Missions {
		d, err := time.ParseDuration(m.Duration)
		if err != nil {
			return Definitions{}, fmt.Errorf("%w: mission %s duration: %v", ErrInvalidCatalog, m.ID, err)
		}
		activated, err := time.Parse(time.RFC3339, m.ActivatedAt)
		if err != nil {
			return Definitions{}, fmt.Errorf("%w: mission %s activated_at: %v", ErrInvalidCatalog, m.ID, err)
		}
		mission := model.CrossProjectMission{
			ID:                  m.ID,
			Title:               m.Title,
			Description:         m.Description,
			RequiredProjects:    projectIDs(m.RequiredProjects),
			HarmonyPointsReward: m.HarmonyPointsReward,
			Duration:            d,
			ActivatedAt:         activated.UTC(),
			MaxParticipants:     m.MaxParticipants,
		}
		for _, r := range m.Rewards {
			mission.Rewards = append(mission.Rewards, model.RewardToken{
				ProjectID:    model.ProjectID(r.Project),
				TokenType:    r.TokenType,
				Amount:       r.Amount,
				Transferable: r.Transferable,
			})
		}
		defs.Missions = append(defs.Missions, mission)
	}

	for _, b := range f.Badges {
		defs.Badges = append(defs.Badges, model.GlobalRecognition{
			BadgeID:               b.ID,
			Name:                  b.Name,
			Description:           b.Description,
			Criteria:              b.Criteria,
			ProjectsRequired:      projectIDs(b.ProjectsRequired),
			HarmonyPointsRequired: b.HarmonyPointsRequired,
		})
	}

	return defs, nil
}

func projectIDs(ss []string) []model.ProjectID {
	out := make([]model.ProjectID, 0, len(ss))
	for _, s := range ss {
		out = append(out, model.ProjectID(s))
	}
	return out
}
