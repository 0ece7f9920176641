// Package exchange computes cross-project token exchanges.
//
// The Engine is stateless: catalog data is read-only and user standing is
// passed in, so a quote is a pure function of its inputs. Catalog values are
// stored as decimals, but the pipeline itself multiplies in float64 and floors
// once at the very end, so results match other float64 implementations of the
// same formula bit for bit.
//
//	result = floor(amount × rate × bonus × levelBonus × event × skill)
//	levelBonus = 1 + level × 0.10
//	event      = max(active(source), active(target))
//	skill      = 1 + Σ applicable bonusPercentage / 100
package exchange

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/model"
)

var (
	// ErrLockedSynergy is returned when an unlock condition is not met.
	ErrLockedSynergy = errors.New("exchange: synergy is locked")

	// ErrInvalidAmount is returned for non-positive exchange amounts.
	ErrInvalidAmount = errors.New("exchange: amount must be positive")
)

var (
	one          = decimal.NewFromInt(1)
	hundred      = decimal.NewFromInt(100)
	levelStep    = decimal.NewFromFloat(0.10)
	defaultRatio = decimal.NewFromFloat(0.1)
)

// Catalog is the read-only data the engine needs.
type Catalog interface {
	Lookup(source, target model.ProjectID) (model.TokenSynergy, error)
	ActiveMultiplier(project model.ProjectID, now time.Time) decimal.Decimal
	FindApplicable(source, target model.ProjectID, skills map[model.ProjectID]int) []model.SkillTransfer
}

// Standing is what the engine knows about the requesting user.
type Standing struct {
	Level             int
	Skills            map[model.ProjectID]int
	CompletedMissions map[string]bool
}

// Quote is the outcome of a permitted exchange.
type Quote struct {
	Synergy       model.TokenSynergy
	ResultAmount  int64
	HarmonyPoints int64 // before the ledger multiplier is applied
	Breakdown     model.Breakdown
}

// Engine runs the multiplier pipeline.
type Engine struct {
	catalog Catalog
	ratio   decimal.Decimal
}

// NewEngine creates an engine. pointsPerToken is the Harmony Points credited
// per target token produced; zero or negative selects the default of 0.1.
func NewEngine(cat Catalog, pointsPerToken decimal.Decimal) *Engine {
	if !pointsPerToken.IsPositive() {
		pointsPerToken = defaultRatio
	}
	return &Engine{catalog: cat, ratio: pointsPerToken}
}

// PointsPerToken returns the configured Harmony Points ratio.
func (e *Engine) PointsPerToken() decimal.Decimal {
	return e.ratio
}

// Quote computes an exchange of amount source tokens into target tokens.
// It fails fast on unknown pairs and locked synergies.
func (e *Engine) Quote(source, target model.ProjectID, amount decimal.Decimal, st Standing, now time.Time) (*Quote, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// 1. Synergy lookup.
	syn, err := e.catalog.Lookup(source, target)
	if err != nil {
		return nil, err
	}

	// 2. Unlock conditions.
	if unmet := Unmet(syn.UnlockConditions, st); len(unmet) > 0 {
		parts := make([]string, len(unmet))
		for i, c := range unmet {
			parts[i] = c.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrLockedSynergy, strings.Join(parts, "; "))
	}

	// 3. Base conversion.
	base := amount.InexactFloat64() * syn.ExchangeRate.InexactFloat64()

	// 4. Level bonus.
	levelBonus := levelFactor(st.Level)

	// 5. Event multiplier: the better of the two sides, never their product.
	eventMult := decimal.Max(
		e.catalog.ActiveMultiplier(source, now),
		e.catalog.ActiveMultiplier(target, now),
	)

	// 6. Skill bonus: percentages stack additively.
	transfers := e.catalog.FindApplicable(source, target, st.Skills)
	skillBonus, ids := SkillBonus(transfers)

	// 7. Single floor at the end.
	product := base *
		syn.BonusMultiplier.InexactFloat64() *
		levelBonus *
		eventMult.InexactFloat64() *
		skillFactor(transfers)
	result := int64(math.Floor(product))

	// 8. Harmony Points proportional to the result.
	points := int64(math.Floor(float64(result) * e.ratio.InexactFloat64()))

	return &Quote{
		Synergy:       syn,
		ResultAmount:  result,
		HarmonyPoints: points,
		Breakdown: model.Breakdown{
			Base:            decimal.NewFromFloat(base),
			BonusMultiplier: syn.BonusMultiplier,
			LevelBonus:      LevelBonus(st.Level),
			EventMultiplier: eventMult,
			SkillBonus:      skillBonus,
			SkillTransfers:  ids,
		},
	}, nil
}

// LevelBonus returns 1 + level × 0.10. Negative levels count as zero.
func LevelBonus(level int) decimal.Decimal {
	if level < 0 {
		level = 0
	}
	return one.Add(decimal.NewFromInt(int64(level)).Mul(levelStep))
}

func levelFactor(level int) float64 {
	if level < 0 {
		level = 0
	}
	return 1 + float64(level)*0.10
}

func skillFactor(transfers []model.SkillTransfer) float64 {
	var sum float64
	for _, t := range transfers {
		sum += t.BonusPercentage.InexactFloat64()
	}
	return 1 + sum/100
}

// SkillBonus sums the bonus percentages and returns 1 + Σ/100 together with
// the IDs that contributed.
func SkillBonus(transfers []model.SkillTransfer) (decimal.Decimal, []string) {
	sum := decimal.Zero
	var ids []string
	for _, t := range transfers {
		sum = sum.Add(t.BonusPercentage)
		ids = append(ids, t.ID)
	}
	return one.Add(sum.Div(hundred)), ids
}

// Unmet returns the conditions st does not satisfy, in declaration order.
func Unmet(conds []model.UnlockCondition, st Standing) []model.UnlockCondition {
	var out []model.UnlockCondition
	for _, c := range conds {
		if !Satisfied(c, st) {
			out = append(out, c)
		}
	}
	return out
}

// Satisfied evaluates a single unlock condition. Unknown kinds are never
// satisfied.
func Satisfied(c model.UnlockCondition, st Standing) bool {
	switch c.Kind {
	case model.UnlockMinLevel:
		return st.Skills[c.Project] >= c.Level
	case model.UnlockCompletedMission:
		return st.CompletedMissions[c.MissionID]
	default:
		return false
	}
}
