package recognition

import (
	"testing"
	"time"

	"github.com/gaia/synergy-engine/internal/model"
)

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

var harmonyMaster = model.GlobalRecognition{
	BadgeID: "harmony-master",
	Name:    "Harmony Master",
	ProjectsRequired: []model.ProjectID{
		model.HeartOfGaia, model.SeedSplitter, model.CleanWater,
		model.CoralReefRestoration, model.EarthAquariumShrooms,
	},
	HarmonyPointsRequired: 5000,
}

var pioneer = model.GlobalRecognition{
	BadgeID:               "gaia-pioneer",
	ProjectsRequired:      []model.ProjectID{model.HeartOfGaia},
	HarmonyPointsRequired: 500,
}

func ledgerWithEarned(earned int64) model.HarmonyPoints {
	return model.HarmonyPoints{UserID: "u1", Total: earned, Earned: earned, Balance: earned}
}

func TestEvaluate_HarmonyMasterAwardedOnce(t *testing.T) {
	defs := []model.GlobalRecognition{harmonyMaster}
	p := NewParticipation(harmonyMaster.ProjectsRequired...)
	hp := ledgerWithEarned(5000)
	earned := map[string]bool{}

	var awards int
	for i := 0; i < 5; i++ {
		for _, b := range Evaluate(defs, earned, p, hp, now) {
			if !b.Earned || b.EarnedAt == nil {
				t.Fatalf("returned badge should be marked earned: %+v", b)
			}
			earned[b.BadgeID] = true
			awards++
		}
	}
	if awards != 1 {
		t.Errorf("expected harmony-master exactly once, got %d awards", awards)
	}
}

func TestEvaluate_Criteria(t *testing.T) {
	tests := []struct {
		name   string
		p      Participation
		earned int64
		want   bool
	}{
		{"all met", NewParticipation(harmonyMaster.ProjectsRequired...), 5000, true},
		{"superset of projects", NewParticipation(append(harmonyMaster.ProjectsRequired, model.FreezeCapital)...), 9000, true},
		{"one project short", NewParticipation(harmonyMaster.ProjectsRequired[:4]...), 5000, false},
		{"one point short", NewParticipation(harmonyMaster.ProjectsRequired...), 4999, false},
		{"nothing", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate([]model.GlobalRecognition{harmonyMaster}, nil, tt.p, ledgerWithEarned(tt.earned), now)
			if (len(got) == 1) != tt.want {
				t.Errorf("expected awarded=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluate_UsesEarnedNotBalance(t *testing.T) {
	// Spending points must not take a badge out of reach.
	hp := model.HarmonyPoints{UserID: "u1", Total: 600, Earned: 600, Spent: 550, Balance: 50}
	got := Evaluate([]model.GlobalRecognition{pioneer}, nil, NewParticipation(model.HeartOfGaia), hp, now)
	if len(got) != 1 {
		t.Errorf("expected gaia-pioneer based on lifetime earnings, got %v", got)
	}
}

func TestAnnotate_NeverUnearns(t *testing.T) {
	earnedAt := now.Add(-24 * time.Hour)
	awards := []model.BadgeAward{{UserID: "u1", BadgeID: "gaia-pioneer", EarnedAt: earnedAt}}

	got := Annotate([]model.GlobalRecognition{pioneer, harmonyMaster}, awards)
	if len(got) != 2 {
		t.Fatalf("expected 2 badges, got %d", len(got))
	}
	if !got[0].Earned || got[0].EarnedAt == nil || !got[0].EarnedAt.Equal(earnedAt) {
		t.Errorf("gaia-pioneer should stay earned at %s, got %+v", earnedAt, got[0])
	}
	if got[1].Earned || got[1].EarnedAt != nil {
		t.Errorf("harmony-master should be unearned, got %+v", got[1])
	}
}
