package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/gaia/synergy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot per-user reads: ledger summaries, holdings and profiles.
// Writes go to the primary store and invalidate the keys of every user they
// touched; concurrent misses for the same key are collapsed into one
// primary read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched map[string]bool
	err := s.primary.Update(ctx, func(tx Tx) error {
		// Reset per attempt; the primary may retry.
		tt := &trackingTx{Tx: tx, users: make(map[string]bool)}
		touched = tt.users
		return fn(tt)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(touched))
	for uid := range touched {
		keys = append(keys, pointsKey(uid), holdingsKey(uid))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) PutProfile(ctx context.Context, p *model.UserProfile) error {
	if err := s.primary.PutProfile(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, profileKey(p.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	var p model.UserProfile
	err := s.readThrough(ctx, profileKey(userID), &p, func() (any, error) {
		return s.primary.GetProfile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CachedStore) GetHarmonyPoints(ctx context.Context, userID string) (*model.HarmonyPoints, error) {
	var hp model.HarmonyPoints
	err := s.readThrough(ctx, pointsKey(userID), &hp, func() (any, error) {
		return s.primary.GetHarmonyPoints(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &hp, nil
}

func (s *CachedStore) GetHoldings(ctx context.Context, userID string) ([]model.ProjectToken, error) {
	var tokens []model.ProjectToken
	err := s.readThrough(ctx, holdingsKey(userID), &tokens, func() (any, error) {
		return s.primary.GetHoldings(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPointsEntries(ctx context.Context, userID string) ([]model.PointsEntry, error) {
	return s.primary.ListPointsEntries(ctx, userID)
}

func (s *CachedStore) GetPointsEntryByKey(ctx context.Context, userID, key string) (*model.PointsEntry, error) {
	return s.primary.GetPointsEntryByKey(ctx, userID, key)
}

func (s *CachedStore) GetExchangeByKey(ctx context.Context, userID, key string) (*model.Exchange, error) {
	return s.primary.GetExchangeByKey(ctx, userID, key)
}

func (s *CachedStore) GetParticipation(ctx context.Context, userID string) ([]model.ProjectID, error) {
	return s.primary.GetParticipation(ctx, userID)
}

func (s *CachedStore) GetMissionState(ctx context.Context, missionID string) (*model.MissionState, error) {
	return s.primary.GetMissionState(ctx, missionID)
}

func (s *CachedStore) GetCompletedMissions(ctx context.Context, userID string) ([]string, error) {
	return s.primary.GetCompletedMissions(ctx, userID)
}

func (s *CachedStore) ListBadgeAwards(ctx context.Context, userID string) ([]model.BadgeAward, error) {
	return s.primary.ListBadgeAwards(ctx, userID)
}

func (s *CachedStore) GetReferral(ctx context.Context, id string) (*model.SmartReferral, error) {
	return s.primary.GetReferral(ctx, id)
}

func (s *CachedStore) ListInvestments(ctx context.Context, userID string) ([]model.ImpactInvestment, error) {
	return s.primary.ListInvestments(ctx, userID)
}

// --- Cache helpers ---

// readThrough fills dst from Redis, or from load on a miss. Concurrent
// misses for key share one load. Redis failures degrade to the primary.
func (s *CachedStore) readThrough(ctx context.Context, key string, dst any, load func() (any, error)) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		return nil
	}
	if err != nil && err != redis.Nil {
		slog.Warn("cache read failed", "key", key, "err", err)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		s.rdb.Set(ctx, key, data, s.ttl)
		return data, nil
	})
	if err != nil {
		return err
	}
	// Every caller decodes its own copy of the shared result.
	return json.Unmarshal(v.([]byte), dst)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// trackingTx records which users a unit of work wrote to.
type trackingTx struct {
	Tx
	users map[string]bool
}

func (t *trackingTx) SaveHarmonyPoints(hp *model.HarmonyPoints) error {
	t.users[hp.UserID] = true
	return t.Tx.SaveHarmonyPoints(hp)
}

func (t *trackingTx) AppendTokens(tokens ...model.ProjectToken) error {
	for _, tok := range tokens {
		t.users[tok.UserID] = true
	}
	return t.Tx.AppendTokens(tokens...)
}

func pointsKey(uid string) string   { return fmt.Sprintf("harmony:%s", uid) }
func holdingsKey(uid string) string { return fmt.Sprintf("holdings:%s", uid) }
func profileKey(uid string) string  { return fmt.Sprintf("profile:%s", uid) }
