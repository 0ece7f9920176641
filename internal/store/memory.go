package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gaia/synergy-engine/internal/ledger"
	"github.com/gaia/synergy-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole unit of work and stages every
// write, so a failing fn leaves the maps untouched.
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[string]model.UserProfile
	points        map[string]model.HarmonyPoints
	entries       []model.PointsEntry
	exchanges     []model.Exchange
	tokens        []model.ProjectToken
	participation map[string][]model.ProjectID
	missions      map[string]model.MissionState
	awards        []model.BadgeAward
	referrals     map[string]model.SmartReferral
	investments   []model.ImpactInvestment
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[string]model.UserProfile),
		points:        make(map[string]model.HarmonyPoints),
		participation: make(map[string][]model.ProjectID),
		missions:      make(map[string]model.MissionState),
		referrals:     make(map[string]model.SmartReferral),
	}
}

// --- Writes ---

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		points:    make(map[string]model.HarmonyPoints),
		missions:  make(map[string]model.MissionState),
		referrals: make(map[string]model.SmartReferral),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.UserID] = cloneProfile(*p)
	return nil
}

// --- Reads ---

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	c := cloneProfile(p)
	return &c, nil
}

func (s *MemoryStore) GetHarmonyPoints(_ context.Context, userID string) (*model.HarmonyPoints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hp, ok := s.points[userID]
	if !ok {
		hp = ledger.New(userID)
	}
	return &hp, nil
}

func (s *MemoryStore) ListPointsEntries(_ context.Context, userID string) ([]model.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PointsEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPointsEntryByKey(_ context.Context, userID, key string) (*model.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.UserID == userID && key != "" && e.IdempotencyKey == key {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("points entry %s/%s: %w", userID, key, ErrNotFound)
}

func (s *MemoryStore) GetExchangeByKey(_ context.Context, userID, key string) (*model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, x := range s.exchanges {
		if x.UserID == userID && key != "" && x.IdempotencyKey == key {
			return &x, nil
		}
	}
	return nil, fmt.Errorf("exchange %s/%s: %w", userID, key, ErrNotFound)
}

func (s *MemoryStore) GetHoldings(_ context.Context, userID string) ([]model.ProjectToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProjectToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetParticipation(_ context.Context, userID string) ([]model.ProjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.ProjectID(nil), s.participation[userID]...), nil
}

func (s *MemoryStore) GetMissionState(_ context.Context, missionID string) (*model.MissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.missionState(missionID)
	return &st, nil
}

func (s *MemoryStore) GetCompletedMissions(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.missions {
		if st.HasCompleted(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListBadgeAwards(_ context.Context, userID string) ([]model.BadgeAward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BadgeAward
	for _, a := range s.awards {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetReferral(_ context.Context, id string) (*model.SmartReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListInvestments(_ context.Context, userID string) ([]model.ImpactInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ImpactInvestment
	for _, inv := range s.investments {
		if inv.UserID == userID {
			result = append(result, inv)
		}
	}
	return result, nil
}

// missionState must be called with mu held.
func (s *MemoryStore) missionState(id string) model.MissionState {
	st, ok := s.missions[id]
	if !ok {
		return model.MissionState{MissionID: id, Status: model.MissionActive}
	}
	return st.Clone()
}

// --- Unit of work ---

// memTx stages writes until commit. It runs with the store's write lock held.
type memTx struct {
	s *MemoryStore

	points        map[string]model.HarmonyPoints
	missions      map[string]model.MissionState
	referrals     map[string]model.SmartReferral
	entries       []model.PointsEntry
	exchanges     []model.Exchange
	tokens        []model.ProjectToken
	participation []participationRow
	awards        []model.BadgeAward
	investments   []model.ImpactInvestment
}

type participationRow struct {
	userID  string
	project model.ProjectID
}

func (tx *memTx) HarmonyPoints(userID string) (*model.HarmonyPoints, error) {
	if hp, ok := tx.points[userID]; ok {
		return &hp, nil
	}
	hp, ok := tx.s.points[userID]
	if !ok {
		hp = ledger.New(userID)
	}
	return &hp, nil
}

func (tx *memTx) SaveHarmonyPoints(hp *model.HarmonyPoints) error {
	tx.points[hp.UserID] = *hp
	return nil
}

func (tx *memTx) AppendPointsEntry(e *model.PointsEntry) error {
	if e.IdempotencyKey != "" {
		for _, entries := range [][]model.PointsEntry{tx.s.entries, tx.entries} {
			for _, existing := range entries {
				if existing.UserID == e.UserID && existing.IdempotencyKey == e.IdempotencyKey {
					return fmt.Errorf("points entry %s/%s: %w", e.UserID, e.IdempotencyKey, ErrDuplicateKey)
				}
			}
		}
	}
	tx.entries = append(tx.entries, *e)
	return nil
}

func (tx *memTx) InsertExchange(x *model.Exchange) error {
	if x.IdempotencyKey != "" {
		for _, exchanges := range [][]model.Exchange{tx.s.exchanges, tx.exchanges} {
			for _, existing := range exchanges {
				if existing.UserID == x.UserID && existing.IdempotencyKey == x.IdempotencyKey {
					return fmt.Errorf("exchange %s/%s: %w", x.UserID, x.IdempotencyKey, ErrDuplicateKey)
				}
			}
		}
	}
	tx.exchanges = append(tx.exchanges, *x)
	return nil
}

func (tx *memTx) AppendTokens(tokens ...model.ProjectToken) error {
	tx.tokens = append(tx.tokens, tokens...)
	return nil
}

func (tx *memTx) AddParticipation(userID string, projects ...model.ProjectID) error {
	for _, p := range projects {
		tx.participation = append(tx.participation, participationRow{userID, p})
	}
	return nil
}

func (tx *memTx) MissionState(missionID string) (*model.MissionState, error) {
	if st, ok := tx.missions[missionID]; ok {
		c := st.Clone()
		return &c, nil
	}
	st := tx.s.missionState(missionID)
	return &st, nil
}

func (tx *memTx) SaveMissionState(st *model.MissionState) error {
	tx.missions[st.MissionID] = st.Clone()
	return nil
}

func (tx *memTx) AwardBadge(a model.BadgeAward) (bool, error) {
	for _, awards := range [][]model.BadgeAward{tx.s.awards, tx.awards} {
		for _, existing := range awards {
			if existing.UserID == a.UserID && existing.BadgeID == a.BadgeID {
				return false, nil
			}
		}
	}
	tx.awards = append(tx.awards, a)
	return true, nil
}

func (tx *memTx) InsertReferral(r *model.SmartReferral) error {
	for _, existing := range tx.s.referrals {
		if existing.RefereeID == r.RefereeID {
			return fmt.Errorf("referral for %s: %w", r.RefereeID, ErrDuplicateKey)
		}
	}
	for _, existing := range tx.referrals {
		if existing.RefereeID == r.RefereeID {
			return fmt.Errorf("referral for %s: %w", r.RefereeID, ErrDuplicateKey)
		}
	}
	tx.referrals[r.ID] = *r
	return nil
}

func (tx *memTx) Referral(id string) (*model.SmartReferral, error) {
	if r, ok := tx.referrals[id]; ok {
		return &r, nil
	}
	r, ok := tx.s.referrals[id]
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (tx *memTx) SaveReferral(r *model.SmartReferral) error {
	tx.referrals[r.ID] = *r
	return nil
}

func (tx *memTx) InsertInvestment(inv *model.ImpactInvestment) error {
	tx.investments = append(tx.investments, *inv)
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	for id, hp := range tx.points {
		s.points[id] = hp
	}
	for id, st := range tx.missions {
		s.missions[id] = st
	}
	for id, r := range tx.referrals {
		s.referrals[id] = r
	}
	s.entries = append(s.entries, tx.entries...)
	s.exchanges = append(s.exchanges, tx.exchanges...)
	s.tokens = append(s.tokens, tx.tokens...)
	s.awards = append(s.awards, tx.awards...)
	s.investments = append(s.investments, tx.investments...)

	for _, row := range tx.participation {
		if !containsProject(s.participation[row.userID], row.project) {
			s.participation[row.userID] = append(s.participation[row.userID], row.project)
		}
	}
}

func containsProject(xs []model.ProjectID, p model.ProjectID) bool {
	for _, x := range xs {
		if x == p {
			return true
		}
	}
	return false
}

func cloneProfile(p model.UserProfile) model.UserProfile {
	c := p
	if p.Skills != nil {
		c.Skills = make(map[model.ProjectID]int, len(p.Skills))
		for k, v := range p.Skills {
			c.Skills[k] = v
		}
	}
	return c
}
