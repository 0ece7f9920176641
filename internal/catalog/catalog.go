// Package catalog holds the process-wide, read-only configuration of the
// synergy engine: exchange pairs, skill transfers, bonus campaigns, mission
// definitions and badges. A Catalog is built once at startup and never
// mutated afterwards, so it is safe for concurrent use without locking.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	// ErrUnknownPair is returned when no synergy exists for a (source, target) pair.
	ErrUnknownPair = errors.New("catalog: unknown synergy pair")

	// ErrUnknownMission is returned for mission IDs missing from the catalog.
	ErrUnknownMission = errors.New("catalog: unknown mission")

	// ErrInvalidCatalog is returned when definitions fail validation.
	ErrInvalidCatalog = errors.New("catalog: invalid definitions")
)

var one = decimal.NewFromInt(1)

// Definitions is the raw content of a catalog before validation.
type Definitions struct {
	Synergies      []model.TokenSynergy
	SkillTransfers []model.SkillTransfer
	Events         []model.EventBonus
	Missions       []model.CrossProjectMission
	Badges         []model.GlobalRecognition
}

type pair struct {
	source, target model.ProjectID
}

// Catalog answers lookups over validated Definitions.
type Catalog struct {
	synergies map[pair]model.TokenSynergy
	defs      Definitions
	missions  map[string]model.CrossProjectMission
}

// New validates defs and builds a Catalog.
func New(defs Definitions) (*Catalog, error) {
	c := &Catalog{
		synergies: make(map[pair]model.TokenSynergy, len(defs.Synergies)),
		missions:  make(map[string]model.CrossProjectMission, len(defs.Missions)),
	}

	for _, m := range defs.Missions {
		if err := validateMission(m); err != nil {
			return nil, err
		}
		if _, dup := c.missions[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate mission %s", ErrInvalidCatalog, m.ID)
		}
		c.missions[m.ID] = m
	}

	for _, s := range defs.Synergies {
		if err := c.validateSynergy(s); err != nil {
			return nil, err
		}
		k := pair{s.SourceProject, s.TargetProject}
		if _, dup := c.synergies[k]; dup {
			return nil, fmt.Errorf("%w: duplicate synergy %s->%s", ErrInvalidCatalog, s.SourceProject, s.TargetProject)
		}
		c.synergies[k] = s
	}

	seen := make(map[string]bool)
	for _, st := range defs.SkillTransfers {
		if err := validateSkillTransfer(st); err != nil {
			return nil, err
		}
		if seen["skill:"+st.ID] {
			return nil, fmt.Errorf("%w: duplicate skill transfer %s", ErrInvalidCatalog, st.ID)
		}
		seen["skill:"+st.ID] = true
	}

	for _, e := range defs.Events {
		if err := validateEvent(e); err != nil {
			return nil, err
		}
		if seen["event:"+e.ID] {
			return nil, fmt.Errorf("%w: duplicate event %s", ErrInvalidCatalog, e.ID)
		}
		seen["event:"+e.ID] = true
	}

	for _, b := range defs.Badges {
		if b.BadgeID == "" {
			return nil, fmt.Errorf("%w: badge without id", ErrInvalidCatalog)
		}
		if b.HarmonyPointsRequired < 0 {
			return nil, fmt.Errorf("%w: badge %s requires negative points", ErrInvalidCatalog, b.BadgeID)
		}
		if seen["badge:"+b.BadgeID] {
			return nil, fmt.Errorf("%w: duplicate badge %s", ErrInvalidCatalog, b.BadgeID)
		}
		seen["badge:"+b.BadgeID] = true
	}

	c.defs = defs
	return c, nil
}

// Lookup returns the synergy for source→target.
func (c *Catalog) Lookup(source, target model.ProjectID) (model.TokenSynergy, error) {
	s, ok := c.synergies[pair{source, target}]
	if !ok {
		return model.TokenSynergy{}, fmt.Errorf("%w: %s->%s", ErrUnknownPair, source, target)
	}
	return s, nil
}

// Synergies returns every synergy, ordered by source then target.
func (c *Catalog) Synergies() []model.TokenSynergy {
	out := make([]model.TokenSynergy, 0, len(c.synergies))
	for _, s := range c.synergies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceProject != out[j].SourceProject {
			return out[i].SourceProject < out[j].SourceProject
		}
		return out[i].TargetProject < out[j].TargetProject
	})
	return out
}

// SkillTransfers returns all skill transfer definitions in catalog order.
func (c *Catalog) SkillTransfers() []model.SkillTransfer {
	return append([]model.SkillTransfer(nil), c.defs.SkillTransfers...)
}

// FindApplicable returns the skill transfers that qualify for an exchange
// from source into target given the user's per-project skill levels.
func (c *Catalog) FindApplicable(source, target model.ProjectID, skills map[model.ProjectID]int) []model.SkillTransfer {
	var out []model.SkillTransfer
	for _, st := range c.defs.SkillTransfers {
		if st.SourceProject != source {
			continue
		}
		if skills[st.SourceProject] < st.Level {
			continue
		}
		if !st.Target.Matches(target) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Events returns all campaign definitions in catalog order.
func (c *Catalog) Events() []model.EventBonus {
	return append([]model.EventBonus(nil), c.defs.Events...)
}

// ActiveEvents returns the campaigns active at now.
func (c *Catalog) ActiveEvents(now time.Time) []model.EventBonus {
	var out []model.EventBonus
	for _, e := range c.defs.Events {
		if e.ActiveAt(now) {
			out = append(out, e)
		}
	}
	return out
}

// ActiveMultiplier returns the largest multiplier among campaigns active at
// now that cover project, or 1 when none does. Overlapping campaigns never
// compound.
func (c *Catalog) ActiveMultiplier(project model.ProjectID, now time.Time) decimal.Decimal {
	best := one
	for _, e := range c.defs.Events {
		if !e.ActiveAt(now) || !e.AppliesTo(project) {
			continue
		}
		if e.Multiplier.GreaterThan(best) {
			best = e.Multiplier
		}
	}
	return best
}

// Mission returns a mission definition by ID.
func (c *Catalog) Mission(id string) (model.CrossProjectMission, error) {
	m, ok := c.missions[id]
	if !ok {
		return model.CrossProjectMission{}, fmt.Errorf("%w: %s", ErrUnknownMission, id)
	}
	return m, nil
}

// Missions returns all mission definitions in catalog order.
func (c *Catalog) Missions() []model.CrossProjectMission {
	return append([]model.CrossProjectMission(nil), c.defs.Missions...)
}

// Badges returns all badge definitions in catalog order, unearned.
func (c *Catalog) Badges() []model.GlobalRecognition {
	return append([]model.GlobalRecognition(nil), c.defs.Badges...)
}

// --- validation ---

func (c *Catalog) validateSynergy(s model.TokenSynergy) error {
	if s.SourceProject == "" || s.TargetProject == "" {
		return fmt.Errorf("%w: synergy with empty project", ErrInvalidCatalog)
	}
	if s.SourceProject == s.TargetProject {
		return fmt.Errorf("%w: synergy %s->%s exchanges a token with itself", ErrInvalidCatalog, s.SourceProject, s.TargetProject)
	}
	if !s.ExchangeRate.IsPositive() {
		return fmt.Errorf("%w: synergy %s->%s exchange rate must be positive", ErrInvalidCatalog, s.SourceProject, s.TargetProject)
	}
	if s.BonusMultiplier.LessThan(one) {
		return fmt.Errorf("%w: synergy %s->%s bonus multiplier must be >= 1", ErrInvalidCatalog, s.SourceProject, s.TargetProject)
	}
	for _, cond := range s.UnlockConditions {
		switch cond.Kind {
		case model.UnlockMinLevel:
			if cond.Project == "" || cond.Level < 1 {
				return fmt.Errorf("%w: synergy %s->%s has malformed %s", ErrInvalidCatalog, s.SourceProject, s.TargetProject, cond.Kind)
			}
		case model.UnlockCompletedMission:
			if _, ok := c.missions[cond.MissionID]; !ok {
				return fmt.Errorf("%w: synergy %s->%s requires unknown mission %q", ErrInvalidCatalog, s.SourceProject, s.TargetProject, cond.MissionID)
			}
		default:
			return fmt.Errorf("%w: synergy %s->%s has unknown condition kind %q", ErrInvalidCatalog, s.SourceProject, s.TargetProject, cond.Kind)
		}
	}
	return nil
}

func validateSkillTransfer(st model.SkillTransfer) error {
	if st.ID == "" || st.SourceProject == "" {
		return fmt.Errorf("%w: skill transfer missing id or source", ErrInvalidCatalog)
	}
	if !st.Target.IsAll() && st.Target.Project() == "" {
		return fmt.Errorf("%w: skill transfer %s has no target", ErrInvalidCatalog, st.ID)
	}
	if st.Level < 1 {
		return fmt.Errorf("%w: skill transfer %s level must be >= 1", ErrInvalidCatalog, st.ID)
	}
	if st.BonusPercentage.IsNegative() {
		return fmt.Errorf("%w: skill transfer %s bonus must be >= 0", ErrInvalidCatalog, st.ID)
	}
	return nil
}

func validateEvent(e model.EventBonus) error {
	if e.ID == "" {
		return fmt.Errorf("%w: event without id", ErrInvalidCatalog)
	}
	if e.Multiplier.LessThan(one) {
		return fmt.Errorf("%w: event %s multiplier must be >= 1", ErrInvalidCatalog, e.ID)
	}
	if !e.EndDate.After(e.StartDate) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrInvalidCatalog, e.ID)
	}
	return nil
}

func validateMission(m model.CrossProjectMission) error {
	if m.ID == "" {
		return fmt.Errorf("%w: mission without id", ErrInvalidCatalog)
	}
	if m.MaxParticipants < 1 {
		return fmt.Errorf("%w: mission %s needs max_participants >= 1", ErrInvalidCatalog, m.ID)
	}
	if m.HarmonyPointsReward < 0 {
		return fmt.Errorf("%w: mission %s has negative harmony points reward", ErrInvalidCatalog, m.ID)
	}
	if m.Duration <= 0 {
		return fmt.Errorf("%w: mission %s needs a positive duration", ErrInvalidCatalog, m.ID)
	}
	for _, r := range m.Rewards {
		if r.Amount <= 0 || r.ProjectID == "" {
			return fmt.Errorf("%w: mission %s has malformed reward", ErrInvalidCatalog, m.ID)
		}
	}
	return nil
}
