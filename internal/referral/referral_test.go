package referral

import (
	"errors"
	"testing"
	"time"

	"github.com/gaia/synergy-engine/internal/model"
)

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	r, err := New(DefaultPolicy(), "alice", "bob",
		[]model.ProjectID{model.CleanWater, model.SeedSplitter, model.CleanWater}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != model.ReferralPending {
		t.Errorf("expected pending, got %s", r.Status)
	}
	if len(r.ProjectsShared) != 2 {
		t.Errorf("duplicate projects should collapse, got %v", r.ProjectsShared)
	}
	if r.BonusTokens != 100 {
		t.Errorf("expected 2 × 50 bonus tokens, got %d", r.BonusTokens)
	}
	if r.HarmonyPointsBonus != 500 {
		t.Errorf("expected 500 points, got %d", r.HarmonyPointsBonus)
	}
	if r.ID == "" || !r.CreatedAt.Equal(now) || r.ResolvedAt != nil {
		t.Errorf("unexpected metadata: %+v", r)
	}
}

func TestNew_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		referrer string
		referee  string
		projects []model.ProjectID
		want     error
	}{
		{"self", "alice", "alice", []model.ProjectID{model.CleanWater}, ErrSelfReferral},
		{"no projects", "alice", "bob", nil, ErrNoProjects},
		{"blank project only", "alice", "bob", []model.ProjectID{""}, ErrNoProjects},
		{"missing referee", "alice", "", []model.ProjectID{model.CleanWater}, ErrMissingUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(DefaultPolicy(), tt.referrer, tt.referee, tt.projects, now)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestConfirm_IssuesTokensToReferee(t *testing.T) {
	p := DefaultPolicy()
	r, _ := New(p, "alice", "bob", []model.ProjectID{model.CleanWater, model.HeartOfGaia}, now)

	later := now.Add(time.Hour)
	tokens, err := Confirm(p, &r, later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != model.ReferralConfirmed || r.ResolvedAt == nil || !r.ResolvedAt.Equal(later) {
		t.Errorf("unexpected referral after confirm: %+v", r)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected one token per shared project, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok.UserID != "bob" || tok.Amount != 50 || tok.Source != model.SourceReferral {
			t.Errorf("unexpected token: %+v", tok)
		}
	}
}

func TestResolve_OneWay(t *testing.T) {
	p := DefaultPolicy()

	r, _ := New(p, "alice", "bob", []model.ProjectID{model.CleanWater}, now)
	if err := Reject(&r, now); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := Confirm(p, &r, now); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("confirming a rejected referral: expected ErrAlreadyResolved, got %v", err)
	}
	if r.Status != model.ReferralRejected {
		t.Errorf("status should stay rejected, got %s", r.Status)
	}

	r2, _ := New(p, "alice", "carol", []model.ProjectID{model.CleanWater}, now)
	Confirm(p, &r2, now)
	if err := Reject(&r2, now); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("rejecting a confirmed referral: expected ErrAlreadyResolved, got %v", err)
	}
}
