// Package synergy orchestrates token exchanges, missions, the Harmony Points
// ledger, badges, referrals and impact investments on top of a store.Store,
// and exposes them over HTTP.
//
// Ledger mutations for one user are serialized: users are sharded onto a
// fixed set of mutexes, so a user's ledger is changed by one request at a
// time while different users proceed in parallel.
package synergy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/gaia/synergy-engine/internal/catalog"
	"github.com/gaia/synergy-engine/internal/exchange"
	"github.com/gaia/synergy-engine/internal/impact"
	"github.com/gaia/synergy-engine/internal/ledger"
	"github.com/gaia/synergy-engine/internal/metrics"
	"github.com/gaia/synergy-engine/internal/mission"
	"github.com/gaia/synergy-engine/internal/model"
	"github.com/gaia/synergy-engine/internal/recognition"
	"github.com/gaia/synergy-engine/internal/referral"
	"github.com/gaia/synergy-engine/internal/store"
)

// ErrInvalidRequest is returned for malformed input that no domain rule covers.
var ErrInvalidRequest = errors.New("synergy: invalid request")

const (
	lockShards          = 64
	defaultStoreTimeout = 2 * time.Second
)

var one = decimal.NewFromInt(1)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ProfileProvider supplies a user's overall level and per-project skills.
type ProfileProvider interface {
	Profile(ctx context.Context, userID string) (*model.UserProfile, error)
}

// storeProfiles reads profiles from the store. Users without a stored
// profile are treated as level 0 with no skills.
type storeProfiles struct {
	st store.Reader
}

func (p storeProfiles) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	prof, err := p.st.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.UserProfile{UserID: userID, Skills: map[model.ProjectID]int{}}, nil
	}
	return prof, err
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithProfileProvider replaces the store-backed profile provider.
func WithProfileProvider(p ProfileProvider) Option {
	return func(s *Service) { s.profiles = p }
}

// WithHub enables WebSocket broadcasts.
func WithHub(h *WSHub) Option {
	return func(s *Service) { s.hub = h }
}

// WithPointsPerToken sets the Harmony Points credited per exchanged token.
func WithPointsPerToken(r decimal.Decimal) Option {
	return func(s *Service) { s.pointsPerToken = r }
}

// WithStoreTimeout bounds the store calls of each operation.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// WithReferralPolicy replaces referral.DefaultPolicy.
func WithReferralPolicy(p referral.Policy) Option {
	return func(s *Service) { s.referrals = p }
}

// Service handles synergy operations.
type Service struct {
	catalog        *catalog.Catalog
	engine         *exchange.Engine
	store          store.Store
	profiles       ProfileProvider
	clock          Clock
	hub            *WSHub // optional WebSocket hub for real-time broadcasts
	referrals      referral.Policy
	pointsPerToken decimal.Decimal
	storeTimeout   time.Duration

	locks [lockShards]sync.Mutex
}

// NewService creates a synergy service over a validated catalog and a store.
func NewService(cat *catalog.Catalog, st store.Store, opts ...Option) *Service {
	s := &Service{
		catalog:      cat,
		store:        st,
		profiles:     storeProfiles{st: st},
		clock:        systemClock{},
		referrals:    referral.DefaultPolicy(),
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = exchange.NewEngine(cat, s.pointsPerToken)
	return s
}

// --- Request/Response types ---

// ExchangeRequest is the JSON body for POST /exchange.
type ExchangeRequest struct {
	UserID         string          `json:"user_id"`
	Source         model.ProjectID `json:"source_project"`
	Target         model.ProjectID `json:"target_project"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ExchangeResult is returned from ExchangeTokens. Token is nil on replays
// and when the result floors to zero.
type ExchangeResult struct {
	Exchange      model.Exchange      `json:"exchange"`
	Token         *model.ProjectToken `json:"token,omitempty"`
	HarmonyPoints model.HarmonyPoints `json:"harmony_points"`
	Replayed      bool                `json:"replayed,omitempty"`
}

// LedgerResult is returned from credits and debits.
type LedgerResult struct {
	Entry         model.PointsEntry   `json:"entry"`
	HarmonyPoints model.HarmonyPoints `json:"harmony_points"`
	Replayed      bool                `json:"replayed,omitempty"`
}

// CompletionResult is returned from CompleteMission.
type CompletionResult struct {
	Bundle        model.RewardBundle  `json:"bundle"`
	Credited      int64               `json:"harmony_points_credited"`
	HarmonyPoints model.HarmonyPoints `json:"harmony_points"`
}

// ReferralResult is returned when a referral is confirmed.
type ReferralResult struct {
	Referral       model.SmartReferral  `json:"referral"`
	Tokens         []model.ProjectToken `json:"tokens"`
	ReferrerPoints int64                `json:"referrer_points_credited"`
}

// --- Exchanges ---

// ExchangeTokens converts amount of the source token into target tokens and
// credits Harmony Points for the result. Pricing failures are returned
// before anything is written. A repeated IdempotencyKey returns the stored
// exchange without a second credit.
func (s *Service) ExchangeTokens(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if req.UserID == "" || req.Source == "" || req.Target == "" {
		return nil, fmt.Errorf("%w: user_id, source_project and target_project are required", ErrInvalidRequest)
	}

	start := time.Now()

	unlock := s.lockUsers(req.UserID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if req.IdempotencyKey != "" {
		prev, err := s.store.GetExchangeByKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			metrics.ExchangesTotal.WithLabelValues("replayed").Inc()
			return s.replayExchange(ctx, prev)
		}
		if !errors.Is(err, store.ErrNotFound) {
			metrics.ExchangesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lookup exchange key: %w", err)
		}
	}

	standing, err := s.standing(ctx, req.UserID)
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.clock.Now()
	quote, err := s.engine.Quote(req.Source, req.Target, req.Amount, standing, now)
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues(exchangeOutcome(err)).Inc()
		return nil, err
	}

	var (
		res  ExchangeResult
		xchg model.Exchange
	)
	err = s.store.Update(ctx, func(tx store.Tx) error {
		res = ExchangeResult{}

		hp, entry, err := credit(tx, req.UserID, decimal.NewFromInt(quote.HarmonyPoints), one, model.ReasonExchange, now)
		if err != nil {
			return err
		}

		if quote.ResultAmount > 0 {
			tok := model.ProjectToken{
				ID:           uuid.New().String(),
				UserID:       req.UserID,
				ProjectID:    req.Target,
				TokenType:    string(req.Target) + "-token",
				Amount:       quote.ResultAmount,
				EarnedAt:     now,
				Source:       model.SourceExchange,
				Transferable: true,
			}
			if err := tx.AppendTokens(tok); err != nil {
				return err
			}
			res.Token = &tok
		}
		if err := tx.AddParticipation(req.UserID, req.Source, req.Target); err != nil {
			return err
		}

		xchg = model.Exchange{
			ID:                    uuid.New().String(),
			IdempotencyKey:        req.IdempotencyKey,
			UserID:                req.UserID,
			SourceProject:         req.Source,
			TargetProject:         req.Target,
			BaseAmount:            req.Amount,
			ResultAmount:          quote.ResultAmount,
			HarmonyPointsCredited: entry.Amount,
			Breakdown:             quote.Breakdown,
			CreatedAt:             now,
		}
		if err := tx.InsertExchange(&xchg); err != nil {
			return err
		}
		res.HarmonyPoints = *hp
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) && req.IdempotencyKey != "" {
		// A concurrent request with the same key committed first.
		prev, gerr := s.store.GetExchangeByKey(ctx, req.UserID, req.IdempotencyKey)
		if gerr == nil {
			metrics.ExchangesTotal.WithLabelValues("replayed").Inc()
			return s.replayExchange(ctx, prev)
		}
	}
	if err != nil {
		s.checkLedger(req.UserID, err)
		metrics.ExchangesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("record exchange: %w", err)
	}
	res.Exchange = xchg

	// Only catalog pairs reach here, which keeps the label set bounded.
	metrics.ExchangeLatency.WithLabelValues(string(req.Source), string(req.Target)).Observe(time.Since(start).Seconds())
	metrics.ExchangesTotal.WithLabelValues("ok").Inc()
	metrics.TokensIssued.WithLabelValues(string(req.Target), model.SourceExchange).Add(float64(quote.ResultAmount))
	metrics.PointsCredited.WithLabelValues(model.ReasonExchange).Add(float64(xchg.HarmonyPointsCredited))

	slog.Info("exchange executed",
		"exchange_id", xchg.ID,
		"user", req.UserID,
		"source", req.Source,
		"target", req.Target,
		"amount", req.Amount.String(),
		"result", xchg.ResultAmount,
		"points", xchg.HarmonyPointsCredited,
	)

	s.publish(WSMessage{
		Type:          EventExchangeExecuted,
		UserID:        req.UserID,
		SourceProject: string(req.Source),
		TargetProject: string(req.Target),
		Amount:        xchg.ResultAmount,
		Balance:       res.HarmonyPoints.Balance,
	})
	s.refreshBadges(ctx, req.UserID, now)

	return &res, nil
}

func (s *Service) replayExchange(ctx context.Context, x *model.Exchange) (*ExchangeResult, error) {
	hp, err := s.store.GetHarmonyPoints(ctx, x.UserID)
	if err != nil {
		return nil, fmt.Errorf("load harmony points: %w", err)
	}
	return &ExchangeResult{Exchange: *x, HarmonyPoints: *hp, Replayed: true}, nil
}

// standing gathers what the exchange engine needs to know about a user.
func (s *Service) standing(ctx context.Context, userID string) (exchange.Standing, error) {
	prof, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		return exchange.Standing{}, fmt.Errorf("load profile: %w", err)
	}
	done, err := s.store.GetCompletedMissions(ctx, userID)
	if err != nil {
		return exchange.Standing{}, fmt.Errorf("load completed missions: %w", err)
	}
	completed := make(map[string]bool, len(done))
	for _, id := range done {
		completed[id] = true
	}
	return exchange.Standing{
		Level:             prof.Level,
		Skills:            prof.Skills,
		CompletedMissions: completed,
	}, nil
}

func exchangeOutcome(err error) string {
	switch {
	case errors.Is(err, catalog.ErrUnknownPair):
		return "unknown_pair"
	case errors.Is(err, exchange.ErrLockedSynergy):
		return "locked"
	case errors.Is(err, exchange.ErrInvalidAmount):
		return "invalid"
	default:
		return "error"
	}
}

// --- Harmony Points ---

// CreditHarmonyPoints credits floor(amount × multiplier × ledger multiplier).
func (s *Service) CreditHarmonyPoints(ctx context.Context, userID string, amount, multiplier decimal.Decimal, reason string) (*LedgerResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if reason == "" {
		reason = model.ReasonManual
	}

	unlock := s.lockUsers(userID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	var res LedgerResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		hp, entry, err := credit(tx, userID, amount, multiplier, reason, now)
		if err != nil {
			return err
		}
		res = LedgerResult{Entry: *entry, HarmonyPoints: *hp}
		return nil
	})
	if err != nil {
		s.checkLedger(userID, err)
		return nil, fmt.Errorf("credit harmony points: %w", err)
	}

	metrics.PointsCredited.WithLabelValues(reason).Add(float64(res.Entry.Amount))
	slog.Info("harmony points credited", "user", userID, "reason", reason, "amount", res.Entry.Amount, "balance", res.HarmonyPoints.Balance)
	s.publish(WSMessage{Type: EventPointsCredited, UserID: userID, Amount: res.Entry.Amount, Balance: res.HarmonyPoints.Balance})
	s.refreshBadges(ctx, userID, now)

	return &res, nil
}

// SetLedgerMultiplier replaces the standing multiplier applied to every
// future credit for userID. Points already credited are unchanged.
func (s *Service) SetLedgerMultiplier(ctx context.Context, userID string, multiplier decimal.Decimal) (*model.HarmonyPoints, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	unlock := s.lockUsers(userID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var out model.HarmonyPoints
	err := s.store.Update(ctx, func(tx store.Tx) error {
		hp, err := tx.HarmonyPoints(userID)
		if err != nil {
			return err
		}
		if err := ledger.SetMultiplier(hp, multiplier); err != nil {
			return err
		}
		if err := tx.SaveHarmonyPoints(hp); err != nil {
			return err
		}
		out = *hp
		return nil
	})
	if err != nil {
		s.checkLedger(userID, err)
		return nil, fmt.Errorf("set ledger multiplier: %w", err)
	}

	slog.Info("ledger multiplier updated", "user", userID, "multiplier", multiplier.String())
	return &out, nil
}

// DebitHarmonyPoints spends amount points. An insufficient balance is
// rejected with ledger.ErrInsufficientBalance and changes nothing. A
// repeated key returns the first debit without spending again.
func (s *Service) DebitHarmonyPoints(ctx context.Context, userID string, amount int64, key string) (*LedgerResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	unlock := s.lockUsers(userID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if key != "" {
		prev, err := s.store.GetPointsEntryByKey(ctx, userID, key)
		if err == nil {
			return s.replayEntry(ctx, prev)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup debit key: %w", err)
		}
	}

	now := s.clock.Now()
	var res LedgerResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		hp, err := tx.HarmonyPoints(userID)
		if err != nil {
			return err
		}
		if err := ledger.Debit(hp, amount); err != nil {
			return err
		}
		if err := tx.SaveHarmonyPoints(hp); err != nil {
			return err
		}
		entry := model.PointsEntry{
			ID:             uuid.New().String(),
			UserID:         userID,
			Type:           model.EntryDebit,
			Reason:         model.ReasonSpend,
			Amount:         amount,
			BalanceAfter:   hp.Balance,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		if err := tx.AppendPointsEntry(&entry); err != nil {
			return err
		}
		res = LedgerResult{Entry: entry, HarmonyPoints: *hp}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) && key != "" {
		if prev, gerr := s.store.GetPointsEntryByKey(ctx, userID, key); gerr == nil {
			return s.replayEntry(ctx, prev)
		}
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.DebitRejections.Inc()
			return nil, err
		}
		s.checkLedger(userID, err)
		return nil, fmt.Errorf("debit harmony points: %w", err)
	}

	metrics.PointsDebited.Add(float64(amount))
	slog.Info("harmony points debited", "user", userID, "amount", amount, "balance", res.HarmonyPoints.Balance)
	s.publish(WSMessage{Type: EventPointsDebited, UserID: userID, Amount: amount, Balance: res.HarmonyPoints.Balance})

	return &res, nil
}

func (s *Service) replayEntry(ctx context.Context, e *model.PointsEntry) (*LedgerResult, error) {
	hp, err := s.store.GetHarmonyPoints(ctx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("load harmony points: %w", err)
	}
	return &LedgerResult{Entry: *e, HarmonyPoints: *hp, Replayed: true}, nil
}

// credit applies a ledger credit inside a unit of work and records its row.
func credit(tx store.Tx, userID string, amount, multiplier decimal.Decimal, reason string, now time.Time) (*model.HarmonyPoints, *model.PointsEntry, error) {
	hp, err := tx.HarmonyPoints(userID)
	if err != nil {
		return nil, nil, err
	}
	actual, err := ledger.Credit(hp, amount, multiplier)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.SaveHarmonyPoints(hp); err != nil {
		return nil, nil, err
	}
	entry := &model.PointsEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         model.EntryCredit,
		Reason:       reason,
		Amount:       actual,
		BalanceAfter: hp.Balance,
		CreatedAt:    now,
	}
	if err := tx.AppendPointsEntry(entry); err != nil {
		return nil, nil, err
	}
	return hp, entry, nil
}

// checkLedger reports invariant violations for manual reconciliation.
func (s *Service) checkLedger(userID string, err error) {
	if errors.Is(err, ledger.ErrLedgerCorrupted) {
		metrics.LedgerCorruptions.Inc()
		slog.Error("harmony points ledger corrupted", "user", userID, "err", err)
	}
}

// --- Missions ---

// JoinMission adds userID to the mission's participants.
func (s *Service) JoinMission(ctx context.Context, missionID, userID string) (*model.MissionView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	def, err := s.catalog.Mission(missionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	var st model.MissionState
	err = s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.MissionState(missionID)
		if err != nil {
			return err
		}
		if err := mission.Join(def, cur, userID, now); err != nil {
			return err
		}
		st = cur.Clone()
		return tx.SaveMissionState(cur)
	})
	if err != nil {
		metrics.MissionJoins.WithLabelValues(missionID, joinOutcome(err)).Inc()
		return nil, err
	}

	view := mission.View(def, st, now)
	metrics.MissionJoins.WithLabelValues(missionID, "ok").Inc()
	slog.Info("mission joined", "mission", missionID, "user", userID, "participants", view.Participants, "status", view.Status)

	s.publish(WSMessage{Type: EventMissionJoined, UserID: userID, MissionID: missionID, Status: string(view.Status)})
	if view.Status == model.MissionFull {
		s.publish(WSMessage{Type: EventMissionFull, MissionID: missionID, Status: string(view.Status)})
	}
	return &view, nil
}

func joinOutcome(err error) string {
	switch {
	case errors.Is(err, mission.ErrMissionFull):
		return "full"
	case errors.Is(err, mission.ErrMissionExpired):
		return "expired"
	case errors.Is(err, mission.ErrAlreadyJoined):
		return "already_joined"
	default:
		return "error"
	}
}

// CompleteMission hands out the mission's reward bundle: tokens are
// appended, the points reward is credited and the required projects are
// recorded as participated.
func (s *Service) CompleteMission(ctx context.Context, missionID, userID string) (*CompletionResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	def, err := s.catalog.Mission(missionID)
	if err != nil {
		return nil, err
	}

	unlock := s.lockUsers(userID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	var res CompletionResult
	err = s.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.MissionState(missionID)
		if err != nil {
			return err
		}
		bundle, err := mission.Complete(def, st, userID, now)
		if err != nil {
			return err
		}
		if err := tx.SaveMissionState(st); err != nil {
			return err
		}
		if err := tx.AppendTokens(bundle.Tokens...); err != nil {
			return err
		}
		if err := tx.AddParticipation(userID, def.RequiredProjects...); err != nil {
			return err
		}
		hp, entry, err := credit(tx, userID, decimal.NewFromInt(bundle.HarmonyPoints), one, model.ReasonMission, now)
		if err != nil {
			return err
		}
		res = CompletionResult{Bundle: bundle, Credited: entry.Amount, HarmonyPoints: *hp}
		return nil
	})
	if err != nil {
		s.checkLedger(userID, err)
		return nil, err
	}

	metrics.MissionCompletions.WithLabelValues(missionID).Inc()
	metrics.PointsCredited.WithLabelValues(model.ReasonMission).Add(float64(res.Credited))
	for _, tok := range res.Bundle.Tokens {
		metrics.TokensIssued.WithLabelValues(string(tok.ProjectID), model.SourceMission).Add(float64(tok.Amount))
	}
	slog.Info("mission completed", "mission", missionID, "user", userID, "tokens", len(res.Bundle.Tokens), "points", res.Credited)

	s.publish(WSMessage{Type: EventMissionCompleted, UserID: userID, MissionID: missionID, Amount: res.Credited, Balance: res.HarmonyPoints.Balance})
	s.refreshBadges(ctx, userID, now)

	return &res, nil
}

// Mission returns a mission definition with its live state.
func (s *Service) Mission(ctx context.Context, missionID string) (*model.MissionView, error) {
	def, err := s.catalog.Mission(missionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	st, err := s.store.GetMissionState(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("load mission state: %w", err)
	}
	view := mission.View(def, *st, s.clock.Now())
	return &view, nil
}

// Missions returns every mission with its live state, in catalog order.
func (s *Service) Missions(ctx context.Context) ([]model.MissionView, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	defs := s.catalog.Missions()
	out := make([]model.MissionView, 0, len(defs))
	for _, def := range defs {
		st, err := s.store.GetMissionState(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("load mission state %s: %w", def.ID, err)
		}
		out = append(out, mission.View(def, *st, now))
	}
	return out, nil
}

// --- Badges ---

// GetEligibleBadges awards any badge the user now qualifies for and returns
// every badge annotated with the user's earned status.
func (s *Service) GetEligibleBadges(ctx context.Context, userID string) ([]model.GlobalRecognition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	unlock := s.lockUsers(userID)
	defer unlock()

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	awards, err := s.awardBadges(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return recognition.Annotate(s.catalog.Badges(), awards), nil
}

// awardBadges evaluates the catalog's badges for userID, records the new
// ones and returns all of the user's awards. Callers hold the user's lock.
func (s *Service) awardBadges(ctx context.Context, userID string, now time.Time) ([]model.BadgeAward, error) {
	var (
		projects []model.ProjectID
		hp       *model.HarmonyPoints
		awards   []model.BadgeAward
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		projects, err = s.store.GetParticipation(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		hp, err = s.store.GetHarmonyPoints(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		awards, err = s.store.ListBadgeAwards(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load badge inputs: %w", err)
	}

	earned := make(map[string]bool, len(awards))
	for _, a := range awards {
		earned[a.BadgeID] = true
	}
	fresh := recognition.Evaluate(s.catalog.Badges(), earned, recognition.NewParticipation(projects...), *hp, now)
	if len(fresh) == 0 {
		return awards, nil
	}

	var added []model.BadgeAward
	err := s.store.Update(ctx, func(tx store.Tx) error {
		added = added[:0]
		for _, b := range fresh {
			a := model.BadgeAward{UserID: userID, BadgeID: b.BadgeID, EarnedAt: now}
			ok, err := tx.AwardBadge(a)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("award badges: %w", err)
	}

	for _, a := range added {
		metrics.BadgesAwarded.WithLabelValues(a.BadgeID).Inc()
		slog.Info("badge awarded", "user", userID, "badge", a.BadgeID)
		s.publish(WSMessage{Type: EventBadgeEarned, UserID: userID, BadgeID: a.BadgeID})
	}
	return append(awards, added...), nil
}

// refreshBadges runs badge evaluation after a credit. Failures are logged;
// the next evaluation picks the badge up.
func (s *Service) refreshBadges(ctx context.Context, userID string, now time.Time) {
	if _, err := s.awardBadges(ctx, userID, now); err != nil {
		slog.Warn("badge evaluation failed", "user", userID, "err", err)
	}
}

// --- Referrals ---

// CreateReferral records a pending referral. A referee can be referred once.
func (s *Service) CreateReferral(ctx context.Context, referrerID, refereeID string, projects []model.ProjectID) (*model.SmartReferral, error) {
	r, err := referral.New(s.referrals, referrerID, refereeID, projects, s.clock.Now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	err = s.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertReferral(&r)
	})
	if err != nil {
		return nil, fmt.Errorf("create referral: %w", err)
	}

	metrics.Referrals.WithLabelValues(string(model.ReferralPending)).Inc()
	slog.Info("referral created", "id", r.ID, "referrer", r.ReferrerID, "referee", r.RefereeID, "projects", len(r.ProjectsShared))
	s.publish(WSMessage{Type: EventReferralCreated, UserID: r.ReferrerID, ReferralID: r.ID, Status: string(r.Status)})
	return &r, nil
}

// ConfirmReferral credits the referrer's points bonus and appends the bonus
// tokens to the referee's holdings.
func (s *Service) ConfirmReferral(ctx context.Context, id string) (*ReferralResult, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	pending, err := s.store.GetReferral(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load referral: %w", err)
	}

	unlock := s.lockUsers(pending.ReferrerID, pending.RefereeID)
	defer unlock()

	now := s.clock.Now()
	var res ReferralResult
	err = s.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.Referral(id)
		if err != nil {
			return err
		}
		tokens, err := referral.Confirm(s.referrals, r, now)
		if err != nil {
			return err
		}
		if err := tx.SaveReferral(r); err != nil {
			return err
		}
		if err := tx.AppendTokens(tokens...); err != nil {
			return err
		}
		if err := tx.AddParticipation(r.RefereeID, r.ProjectsShared...); err != nil {
			return err
		}
		_, entry, err := credit(tx, r.ReferrerID, decimal.NewFromInt(r.HarmonyPointsBonus), one, model.ReasonReferral, now)
		if err != nil {
			return err
		}
		res = ReferralResult{Referral: *r, Tokens: tokens, ReferrerPoints: entry.Amount}
		return nil
	})
	if err != nil {
		s.checkLedger(pending.ReferrerID, err)
		return nil, fmt.Errorf("confirm referral: %w", err)
	}

	metrics.Referrals.WithLabelValues(string(model.ReferralConfirmed)).Inc()
	metrics.PointsCredited.WithLabelValues(model.ReasonReferral).Add(float64(res.ReferrerPoints))
	for _, tok := range res.Tokens {
		metrics.TokensIssued.WithLabelValues(string(tok.ProjectID), model.SourceReferral).Add(float64(tok.Amount))
	}
	slog.Info("referral confirmed", "id", id, "referrer", res.Referral.ReferrerID, "referee", res.Referral.RefereeID)

	s.publish(WSMessage{Type: EventReferralResolved, UserID: res.Referral.ReferrerID, ReferralID: id, Status: string(res.Referral.Status), Amount: res.ReferrerPoints})
	s.refreshBadges(ctx, res.Referral.ReferrerID, now)
	s.refreshBadges(ctx, res.Referral.RefereeID, now)

	return &res, nil
}

// RejectReferral closes a pending referral without rewards.
func (s *Service) RejectReferral(ctx context.Context, id string) (*model.SmartReferral, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	var out model.SmartReferral
	err := s.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.Referral(id)
		if err != nil {
			return err
		}
		if err := referral.Reject(r, now); err != nil {
			return err
		}
		out = *r
		return tx.SaveReferral(r)
	})
	if err != nil {
		return nil, fmt.Errorf("reject referral: %w", err)
	}

	metrics.Referrals.WithLabelValues(string(model.ReferralRejected)).Inc()
	slog.Info("referral rejected", "id", id)
	s.publish(WSMessage{Type: EventReferralResolved, UserID: out.ReferrerID, ReferralID: id, Status: string(out.Status)})
	return &out, nil
}

// --- Impact investments ---

// CreateInvestment records an impact investment and the user's
// participation in its project.
func (s *Service) CreateInvestment(ctx context.Context, userID string, project model.ProjectID, amount decimal.Decimal) (*model.ImpactInvestment, error) {
	inv, err := impact.NewInvestment(userID, project, amount, s.clock.Now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	err = s.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertInvestment(&inv); err != nil {
			return err
		}
		return tx.AddParticipation(userID, project)
	})
	if err != nil {
		return nil, fmt.Errorf("create investment: %w", err)
	}

	slog.Info("impact investment created", "id", inv.ID, "user", userID, "project", project, "amount", amount.String())
	return &inv, nil
}

// --- helpers ---

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// lockUsers takes the lock shards of every user in a fixed order and
// returns the matching unlock.
func (s *Service) lockUsers(userIDs ...string) func() {
	idx := make([]int, 0, len(userIDs))
	for _, id := range userIDs {
		i := int(xxhash.Sum64String(id) % lockShards)
		if !slices.Contains(idx, i) {
			idx = append(idx, i)
		}
	}
	slices.Sort(idx)
	for _, i := range idx {
		s.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.locks[idx[j]].Unlock()
		}
	}
}

func (s *Service) publish(msg WSMessage) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}
