// Package recognition decides which badges a user has earned.
//
// A badge is earned when the projects the user participated in cover the
// badge's ProjectsRequired and the user has earned at least
// HarmonyPointsRequired points over their lifetime. Awards are one-way:
// Evaluate only ever reports badges that were not already earned, and never
// revokes one.
package recognition

import (
	"time"

	"github.com/gaia/synergy-engine/internal/model"
)

// Participation is the set of projects a user has taken part in.
type Participation map[model.ProjectID]bool

// NewParticipation builds a set from a list of projects.
func NewParticipation(projects ...model.ProjectID) Participation {
	p := make(Participation, len(projects))
	for _, id := range projects {
		p[id] = true
	}
	return p
}

// Covers reports whether every required project is in p.
func (p Participation) Covers(required []model.ProjectID) bool {
	for _, id := range required {
		if !p[id] {
			return false
		}
	}
	return true
}

// Qualifies reports whether a user with participation p and ledger hp meets
// badge's criteria, regardless of whether it was already awarded.
func Qualifies(badge model.GlobalRecognition, p Participation, hp model.HarmonyPoints) bool {
	return hp.Earned >= badge.HarmonyPointsRequired && p.Covers(badge.ProjectsRequired)
}

// Evaluate returns the badges in defs that the user qualifies for and has
// not earned yet, stamped with now. earned is keyed by badge ID.
func Evaluate(defs []model.GlobalRecognition, earned map[string]bool, p Participation, hp model.HarmonyPoints, now time.Time) []model.GlobalRecognition {
	var out []model.GlobalRecognition
	for _, b := range defs {
		if earned[b.BadgeID] || !Qualifies(b, p, hp) {
			continue
		}
		at := now
		b.Earned = true
		b.EarnedAt = &at
		out = append(out, b)
	}
	return out
}

// Annotate marks each definition with the user's recorded award, if any.
func Annotate(defs []model.GlobalRecognition, awards []model.BadgeAward) []model.GlobalRecognition {
	byID := make(map[string]time.Time, len(awards))
	for _, a := range awards {
		byID[a.BadgeID] = a.EarnedAt
	}

	out := make([]model.GlobalRecognition, len(defs))
	for i, b := range defs {
		if at, ok := byID[b.BadgeID]; ok {
			b.Earned = true
			b.EarnedAt = &at
		} else {
			b.Earned = false
			b.EarnedAt = nil
		}
		out[i] = b
	}
	return out
}
