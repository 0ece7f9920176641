package synergy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/catalog"
	"github.com/gaia/synergy-engine/internal/ledger"
	"github.com/gaia/synergy-engine/internal/model"
	"github.com/gaia/synergy-engine/internal/store"
	"github.com/gaia/synergy-engine/internal/synergy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

const reefMission = "reef-cleanup"

func testDefinitions() catalog.Definitions {
	return catalog.Definitions{
		Synergies: []model.TokenSynergy{
			{
				SourceProject:   model.CleanWater,
				TargetProject:   model.SeedSplitter,
				ExchangeRate:    d(0.8),
				BonusMultiplier: d(1.2),
			},
			{
				SourceProject:    model.SeedSplitter,
				TargetProject:    model.HeartOfGaia,
				ExchangeRate:     d(0.6),
				BonusMultiplier:  d(1.3),
				UnlockConditions: []model.UnlockCondition{model.MinLevel(model.SeedSplitter, 10)},
			},
			{
				SourceProject:    model.CoralReefRestoration,
				TargetProject:    model.CleanWater,
				ExchangeRate:     d(1),
				BonusMultiplier:  d(1),
				UnlockConditions: []model.UnlockCondition{model.CompletedMission(reefMission)},
			},
		},
		Missions: []model.CrossProjectMission{{
			ID:               reefMission,
			Title:            "Reef Cleanup",
			RequiredProjects: []model.ProjectID{model.CoralReefRestoration, model.CleanWater},
			Rewards: []model.RewardToken{
				{ProjectID: model.CoralReefRestoration, TokenType: "reef-token", Amount: 40, Transferable: true},
				{ProjectID: model.CleanWater, TokenType: "water-token", Amount: 10},
			},
			HarmonyPointsReward: 300,
			Duration:            72 * time.Hour,
			ActivatedAt:         now.Add(-24 * time.Hour),
			MaxParticipants:     2,
		}},
		Badges: []model.GlobalRecognition{
			{
				BadgeID:               "harmony-master",
				Name:                  "Harmony Master",
				ProjectsRequired:      []model.ProjectID{model.CleanWater, model.SeedSplitter},
				HarmonyPointsRequired: 5000,
			},
			{
				BadgeID:               "reef-friend",
				Name:                  "Reef Friend",
				ProjectsRequired:      []model.ProjectID{model.CoralReefRestoration},
				HarmonyPointsRequired: 0,
			},
		},
	}
}

// newTestEnv creates a test Service with in-memory store, fixed clock and chi router.
func newTestEnv(t *testing.T) (*synergy.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	cat, err := catalog.New(testDefinitions())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	ms := store.NewMemoryStore()
	svc := synergy.NewService(cat, ms,
		synergy.WithClock(synergy.ClockFunc(func() time.Time { return now })),
		synergy.WithPointsPerToken(d(0.1)),
	)

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func exchangeReq(user string, amount float64) synergy.ExchangeRequest {
	return synergy.ExchangeRequest{
		UserID: user,
		Source: model.CleanWater,
		Target: model.SeedSplitter,
		Amount: d(amount),
	}
}

func harmony(t *testing.T, ms *store.MemoryStore, user string) model.HarmonyPoints {
	t.Helper()
	hp, err := ms.GetHarmonyPoints(context.Background(), user)
	if err != nil {
		t.Fatalf("harmony points: %v", err)
	}
	return *hp
}

func seedProfile(t *testing.T, ms *store.MemoryStore, user string, level int, skills map[model.ProjectID]int) {
	t.Helper()
	if err := ms.PutProfile(context.Background(), &model.UserProfile{UserID: user, Level: level, Skills: skills}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

// --- Exchanges ---

func TestExchange_Scenario1(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/exchange", exchangeReq("alice", 100))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[synergy.ExchangeResult](t, w)

	if res.Exchange.ResultAmount != 96 {
		t.Errorf("expected 96 seed tokens, got %d", res.Exchange.ResultAmount)
	}
	if res.Exchange.HarmonyPointsCredited != 9 {
		t.Errorf("expected 9 points, got %d", res.Exchange.HarmonyPointsCredited)
	}
	if res.Token == nil || res.Token.Amount != 96 || res.Token.ProjectID != model.SeedSplitter {
		t.Errorf("unexpected token %+v", res.Token)
	}
	if !res.Exchange.Breakdown.Base.Equal(d(80)) {
		t.Errorf("expected base 80, got %s", res.Exchange.Breakdown.Base)
	}

	hp := harmony(t, ms, "alice")
	if hp.Balance != 9 || hp.Earned != 9 || hp.Total != 9 {
		t.Errorf("unexpected ledger %+v", hp)
	}

	holdings, _ := ms.GetHoldings(context.Background(), "alice")
	if len(holdings) != 1 || holdings[0].Source != model.SourceExchange {
		t.Errorf("expected one exchange token, got %+v", holdings)
	}

	projects, _ := ms.GetParticipation(context.Background(), "alice")
	if len(projects) != 2 {
		t.Errorf("expected participation in source and target, got %v", projects)
	}
}

func TestExchange_Scenario2_ProfileLevel(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/profiles/bob", synergy.ProfileRequest{Level: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("put profile: %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/exchange", exchangeReq("bob", 100))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[synergy.ExchangeResult](t, w)
	if res.Exchange.ResultAmount != 144 {
		t.Errorf("expected 144, got %d", res.Exchange.ResultAmount)
	}
	if hp := harmony(t, ms, "bob"); hp.Balance != 14 {
		t.Errorf("expected floor(144 × 0.1) = 14 points, got %d", hp.Balance)
	}
}

func TestExchange_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    synergy.ExchangeRequest
		status int
	}{
		{"unknown pair", synergy.ExchangeRequest{UserID: "u", Source: model.SeedSplitter, Target: model.CleanWater, Amount: d(10)}, http.StatusNotFound},
		{"locked by level", synergy.ExchangeRequest{UserID: "u", Source: model.SeedSplitter, Target: model.HeartOfGaia, Amount: d(10)}, http.StatusConflict},
		{"locked by mission", synergy.ExchangeRequest{UserID: "u", Source: model.CoralReefRestoration, Target: model.CleanWater, Amount: d(10)}, http.StatusConflict},
		{"zero amount", exchangeReq("u", 0), http.StatusBadRequest},
		{"negative amount", exchangeReq("u", -5), http.StatusBadRequest},
		{"missing user", exchangeReq("", 10), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ms, router := newTestEnv(t)

			w := do(t, router, "POST", "/api/v1/exchange", tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}

			// Nothing is written for a rejected exchange.
			if hp := harmony(t, ms, "u"); hp.Earned != 0 {
				t.Errorf("expected no credit, got %+v", hp)
			}
			if holdings, _ := ms.GetHoldings(context.Background(), "u"); len(holdings) != 0 {
				t.Errorf("expected no holdings, got %+v", holdings)
			}
		})
	}
}

func TestExchange_UnlockedBySkillLevel(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProfile(t, ms, "sage", 0, map[model.ProjectID]int{model.SeedSplitter: 10})

	w := do(t, router, "POST", "/api/v1/exchange", synergy.ExchangeRequest{
		UserID: "sage", Source: model.SeedSplitter, Target: model.HeartOfGaia, Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[synergy.ExchangeResult](t, w)
	// floor(100 × 0.6 × 1.3) = 78
	if res.Exchange.ResultAmount != 78 {
		t.Errorf("expected 78, got %d", res.Exchange.ResultAmount)
	}
}

func TestExchange_IdempotentReplay(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	req := exchangeReq("alice", 100)
	req.IdempotencyKey = "xchg-1"

	first, err := svc.ExchangeTokens(ctx, req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	second, err := svc.ExchangeTokens(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !second.Replayed || second.Exchange.ID != first.Exchange.ID {
		t.Errorf("expected replay of %s, got %+v", first.Exchange.ID, second)
	}
	if hp := harmony(t, ms, "alice"); hp.Balance != 9 {
		t.Errorf("expected a single credit of 9, got balance %d", hp.Balance)
	}
	if holdings, _ := ms.GetHoldings(ctx, "alice"); len(holdings) != 1 {
		t.Errorf("expected one token, got %d", len(holdings))
	}

	// Keys are scoped per user.
	req.UserID = "bob"
	other, err := svc.ExchangeTokens(ctx, req)
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	if other.Replayed {
		t.Error("expected a fresh exchange for another user with the same key")
	}
}

func TestExchange_IdempotencyHeader(t *testing.T) {
	_, ms, router := newTestEnv(t)

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(exchangeReq("alice", 100))
		req := httptest.NewRequest("POST", "/api/v1/exchange", &buf)
		req.Header.Set("Idempotency-Key", "hdr-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	if hp := harmony(t, ms, "alice"); hp.Balance != 9 {
		t.Errorf("expected one credit, got balance %d", hp.Balance)
	}
}

// --- Harmony Points ---

func TestCredit_AppliesMultipliers(t *testing.T) {
	_, ms, router := newTestEnv(t)

	mult := d(1.5)
	w := do(t, router, "POST", "/api/v1/harmony/alice/credit", synergy.CreditRequest{Amount: d(33), Multiplier: &mult})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[synergy.LedgerResult](t, w)
	if res.Entry.Amount != 49 {
		t.Errorf("expected floor(33 × 1.5) = 49, got %d", res.Entry.Amount)
	}
	if res.Entry.Reason != model.ReasonManual || res.Entry.Type != model.EntryCredit {
		t.Errorf("unexpected entry %+v", res.Entry)
	}

	// Missing multiplier means 1.
	do(t, router, "POST", "/api/v1/harmony/alice/credit", synergy.CreditRequest{Amount: d(10)})
	if hp := harmony(t, ms, "alice"); hp.Balance != 59 {
		t.Errorf("expected 59, got %d", hp.Balance)
	}

	w = do(t, router, "POST", "/api/v1/harmony/alice/credit", synergy.CreditRequest{Amount: d(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative credit, got %d", w.Code)
	}
}

func TestLedgerMultiplier_AppliesToLaterCredits(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.CreditHarmonyPoints(ctx, "alice", d(4), d(1), model.ReasonManual); err != nil {
		t.Fatalf("credit: %v", err)
	}

	w := do(t, router, "PUT", "/api/v1/harmony/alice/multiplier", synergy.MultiplierRequest{Multiplier: d(1.5)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	hp := decode[model.HarmonyPoints](t, w)
	if !hp.Multiplier.Equal(d(1.5)) || hp.Balance != 4 {
		t.Errorf("expected multiplier 1.5 and untouched balance 4, got %+v", hp)
	}

	res, err := svc.CreditHarmonyPoints(ctx, "alice", d(10), d(1), model.ReasonManual)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.Entry.Amount != 15 {
		t.Errorf("expected floor(10 × 1 × 1.5) = 15, got %d", res.Entry.Amount)
	}

	// Exchange credits go through the same ledger: floor(9 × 1.5) = 13.
	if _, err := svc.ExchangeTokens(ctx, exchangeReq("alice", 100)); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := harmony(t, ms, "alice"); got.Balance != 4+15+13 {
		t.Errorf("expected balance 32, got %d", got.Balance)
	}

	for _, m := range []float64{0, -2} {
		w := do(t, router, "PUT", "/api/v1/harmony/alice/multiplier", synergy.MultiplierRequest{Multiplier: d(m)})
		if w.Code != http.StatusBadRequest {
			t.Errorf("multiplier %v: expected 400, got %d", m, w.Code)
		}
	}
	if got := harmony(t, ms, "alice"); !got.Multiplier.Equal(d(1.5)) {
		t.Errorf("rejected update changed multiplier to %s", got.Multiplier)
	}
}

func TestDebit_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	if _, err := svc.CreditHarmonyPoints(context.Background(), "alice", d(50), d(1), model.ReasonManual); err != nil {
		t.Fatalf("credit: %v", err)
	}
	before := harmony(t, ms, "alice")

	w := do(t, router, "POST", "/api/v1/harmony/alice/debit", synergy.DebitRequest{Amount: 100})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	after := harmony(t, ms, "alice")
	if after.Balance != before.Balance || after.Earned != before.Earned || after.Spent != before.Spent || after.Total != before.Total {
		t.Errorf("ledger changed: before %+v after %+v", before, after)
	}
	entries, _ := ms.ListPointsEntries(context.Background(), "alice")
	if len(entries) != 1 {
		t.Errorf("expected only the credit row, got %d rows", len(entries))
	}
}

func TestDebit_ReplayDoesNotDoubleSpend(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	svc.CreditHarmonyPoints(context.Background(), "alice", d(50), d(1), "")

	for i := 0; i < 3; i++ {
		w := do(t, router, "POST", "/api/v1/harmony/alice/debit", synergy.DebitRequest{Amount: 20, IdempotencyKey: "spend-1"})
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: %d %s", i, w.Code, w.Body.String())
		}
		res := decode[synergy.LedgerResult](t, w)
		if (i > 0) != res.Replayed {
			t.Errorf("attempt %d: replayed=%v", i, res.Replayed)
		}
	}

	hp := harmony(t, ms, "alice")
	if hp.Balance != 30 || hp.Spent != 20 {
		t.Errorf("expected one debit of 20, got %+v", hp)
	}
}

func TestLedger_ConcurrentCreditsAndDebits(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	if _, err := svc.CreditHarmonyPoints(ctx, "alice", d(1000), d(1), ""); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.CreditHarmonyPoints(ctx, "alice", d(10), d(1), ""); err != nil {
				errs <- err
			}
		}()
		go func(i int) {
			defer wg.Done()
			if _, err := svc.DebitHarmonyPoints(ctx, "alice", 5, fmt.Sprintf("k-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	hp := harmony(t, ms, "alice")
	if err := ledger.Verify(hp); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
	if hp.Balance != 1250 || hp.Earned != 1500 || hp.Spent != 250 {
		t.Errorf("unexpected final ledger %+v", hp)
	}
	entries, _ := ms.ListPointsEntries(ctx, "alice")
	if len(entries) != 101 {
		t.Errorf("expected 101 ledger rows, got %d", len(entries))
	}
}

// --- Missions ---

func TestMission_CapacityScenario(t *testing.T) {
	_, _, router := newTestEnv(t)
	path := "/api/v1/missions/" + reefMission + "/join"

	for _, user := range []string{"alice", "bob"} {
		if w := do(t, router, "POST", path, synergy.MissionRequest{UserID: user}); w.Code != http.StatusOK {
			t.Fatalf("join %s: %d %s", user, w.Code, w.Body.String())
		}
	}

	w := do(t, router, "POST", path, synergy.MissionRequest{UserID: "carol"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for third join, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/missions/"+reefMission, nil)
	view := decode[model.MissionView](t, w)
	if view.Participants != 2 || view.Status != model.MissionFull {
		t.Errorf("expected 2 participants and full, got %d %s", view.Participants, view.Status)
	}
}

func TestMission_JoinErrors(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/missions/nope/join", synergy.MissionRequest{UserID: "alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown mission, got %d", w.Code)
	}

	path := "/api/v1/missions/" + reefMission + "/join"
	do(t, router, "POST", path, synergy.MissionRequest{UserID: "alice"})
	w = do(t, router, "POST", path, synergy.MissionRequest{UserID: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second join, got %d", w.Code)
	}
}

func TestMission_ExpiredJoin(t *testing.T) {
	cat, err := catalog.New(testDefinitions())
	if err != nil {
		t.Fatal(err)
	}
	late := now.Add(72 * time.Hour)
	svc := synergy.NewService(cat, store.NewMemoryStore(),
		synergy.WithClock(synergy.ClockFunc(func() time.Time { return late })))

	_, err = svc.JoinMission(context.Background(), reefMission, "alice")
	if err == nil || synergy.StatusFor(err) != http.StatusConflict {
		t.Errorf("expected expired conflict, got %v", err)
	}
}

func TestMission_CompleteUnlocksSynergy(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	ctx := context.Background()

	reefToWater := synergy.ExchangeRequest{UserID: "alice", Source: model.CoralReefRestoration, Target: model.CleanWater, Amount: d(10)}
	if _, err := svc.ExchangeTokens(ctx, reefToWater); synergy.StatusFor(err) != http.StatusConflict {
		t.Fatalf("expected locked synergy before completion, got %v", err)
	}

	w := do(t, router, "POST", "/api/v1/missions/"+reefMission+"/complete", synergy.MissionRequest{UserID: "alice"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 completing without joining, got %d", w.Code)
	}

	do(t, router, "POST", "/api/v1/missions/"+reefMission+"/join", synergy.MissionRequest{UserID: "alice"})
	w = do(t, router, "POST", "/api/v1/missions/"+reefMission+"/complete", synergy.MissionRequest{UserID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	res := decode[synergy.CompletionResult](t, w)
	if len(res.Bundle.Tokens) != 2 || res.Credited != 300 {
		t.Errorf("unexpected bundle %+v", res)
	}

	w = do(t, router, "POST", "/api/v1/missions/"+reefMission+"/complete", synergy.MissionRequest{UserID: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second completion, got %d", w.Code)
	}

	if _, err := svc.ExchangeTokens(ctx, reefToWater); err != nil {
		t.Errorf("expected synergy unlocked after completion, got %v", err)
	}

	holdings, _ := ms.GetHoldings(ctx, "alice")
	if len(holdings) != 3 {
		t.Errorf("expected 2 reward tokens and 1 exchange token, got %d", len(holdings))
	}
}

// --- Badges ---

func TestBadges_HarmonyMasterAwardedOnce(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.CreditHarmonyPoints(ctx, "alice", d(5000), d(1), ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if awards, _ := ms.ListBadgeAwards(ctx, "alice"); len(awards) != 0 {
		t.Fatalf("expected no badge without participation, got %+v", awards)
	}

	// The exchange records participation in both required projects.
	if _, err := svc.ExchangeTokens(ctx, exchangeReq("alice", 100)); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	for i := 0; i < 3; i++ {
		w := do(t, router, "GET", "/api/v1/badges/alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("badges: %d", w.Code)
		}
		badges := decode[[]model.GlobalRecognition](t, w)
		if len(badges) != 2 {
			t.Fatalf("expected every badge listed, got %d", len(badges))
		}
		for _, b := range badges {
			want := b.BadgeID == "harmony-master"
			if b.Earned != want {
				t.Errorf("badge %s earned=%v", b.BadgeID, b.Earned)
			}
			if want && (b.EarnedAt == nil || !b.EarnedAt.Equal(now)) {
				t.Errorf("expected earned_at %s, got %v", now, b.EarnedAt)
			}
		}
	}

	awards, _ := ms.ListBadgeAwards(ctx, "alice")
	if len(awards) != 1 {
		t.Errorf("expected exactly one award, got %+v", awards)
	}

	// Spending never un-earns.
	if _, err := svc.DebitHarmonyPoints(ctx, "alice", 5000, ""); err != nil {
		t.Fatalf("debit: %v", err)
	}
	badges, err := svc.GetEligibleBadges(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range badges {
		if b.BadgeID == "harmony-master" && !b.Earned {
			t.Error("badge was un-earned after spending")
		}
	}
}

// --- Referrals ---

func TestReferral_Lifecycle(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	w := do(t, router, "POST", "/api/v1/referrals", synergy.ReferralRequest{
		ReferrerID:     "alice",
		RefereeID:      "bob",
		ProjectsShared: []model.ProjectID{model.CleanWater, model.CoralReefRestoration},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	ref := decode[model.SmartReferral](t, w)
	if ref.Status != model.ReferralPending || ref.BonusTokens != 100 || ref.HarmonyPointsBonus != 500 {
		t.Errorf("unexpected referral %+v", ref)
	}

	w = do(t, router, "POST", "/api/v1/referrals", synergy.ReferralRequest{
		ReferrerID: "carol", RefereeID: "bob", ProjectsShared: []model.ProjectID{model.CleanWater},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second referral of bob, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/referrals/"+ref.ID+"/confirm", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	res := decode[synergy.ReferralResult](t, w)
	if res.Referral.Status != model.ReferralConfirmed || res.ReferrerPoints != 500 {
		t.Errorf("unexpected confirm result %+v", res)
	}

	if hp := harmony(t, ms, "alice"); hp.Balance != 500 {
		t.Errorf("expected referrer bonus 500, got %d", hp.Balance)
	}
	holdings, _ := ms.GetHoldings(ctx, "bob")
	if len(holdings) != 2 {
		t.Fatalf("expected a bonus token per shared project, got %+v", holdings)
	}
	for _, tok := range holdings {
		if tok.Amount != 50 || tok.Source != model.SourceReferral {
			t.Errorf("unexpected bonus token %+v", tok)
		}
	}

	// The referee now participates in reef restoration.
	bobBadges := decode[[]model.GlobalRecognition](t, do(t, router, "GET", "/api/v1/badges/bob", nil))
	for _, b := range bobBadges {
		if b.BadgeID == "reef-friend" && !b.Earned {
			t.Error("expected reef-friend for bob")
		}
	}

	for _, action := range []string{"confirm", "reject"} {
		w = do(t, router, "POST", "/api/v1/referrals/"+ref.ID+"/"+action, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("%s after confirm: expected 409, got %d", action, w.Code)
		}
	}
	if hp := harmony(t, ms, "alice"); hp.Balance != 500 {
		t.Errorf("expected bonus credited once, got %d", hp.Balance)
	}
}

func TestReferral_Rejections(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name   string
		req    synergy.ReferralRequest
		status int
	}{
		{"self referral", synergy.ReferralRequest{ReferrerID: "a", RefereeID: "a", ProjectsShared: []model.ProjectID{model.CleanWater}}, http.StatusBadRequest},
		{"no projects", synergy.ReferralRequest{ReferrerID: "a", RefereeID: "b"}, http.StatusBadRequest},
		{"missing referee", synergy.ReferralRequest{ReferrerID: "a", ProjectsShared: []model.ProjectID{model.CleanWater}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, "POST", "/api/v1/referrals", tt.req); w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}

	if w := do(t, router, "POST", "/api/v1/referrals/missing/confirm", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown referral, got %d", w.Code)
	}
}

// --- Investments and reads ---

func TestInvestment_Create(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/investments", synergy.InvestmentRequest{
		UserID: "alice", ProjectID: model.CleanWater, Amount: d(1000),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	inv := decode[model.ImpactInvestment](t, w)
	if !inv.ExpectedReturns.Equal(d(120)) || !inv.EnvironmentalImpact.Equal(d(2500)) || !inv.ActualReturns.IsZero() {
		t.Errorf("unexpected investment %+v", inv)
	}

	list := decode[[]model.ImpactInvestment](t, do(t, router, "GET", "/api/v1/investments/alice", nil))
	if len(list) != 1 {
		t.Errorf("expected one investment, got %d", len(list))
	}

	w = do(t, router, "POST", "/api/v1/investments", synergy.InvestmentRequest{UserID: "alice", ProjectID: model.CleanWater})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
}

func TestReads_EmptyCollectionsAreArrays(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/holdings/nobody",
		"/api/v1/harmony/nobody/entries",
		"/api/v1/investments/nobody",
		"/api/v1/events",
		"/api/v1/skill-transfers",
	} {
		w := do(t, router, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: %d", path, w.Code)
			continue
		}
		if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
			t.Errorf("%s: expected [], got %s", path, got)
		}
	}

	hp := decode[model.HarmonyPoints](t, do(t, router, "GET", "/api/v1/harmony/nobody", nil))
	if hp.Balance != 0 || !hp.Multiplier.Equal(d(1)) {
		t.Errorf("expected an empty ledger, got %+v", hp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{catalog.ErrUnknownPair, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{ledger.ErrInsufficientBalance, http.StatusConflict},
		{fmt.Errorf("debit: %w", ledger.ErrInsufficientBalance), http.StatusConflict},
		{synergy.ErrInvalidRequest, http.StatusBadRequest},
		{ledger.ErrLedgerCorrupted, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := synergy.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
