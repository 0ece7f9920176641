package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/ledger"
	"github.com/gaia/synergy-engine/internal/model"
)

//go:embed schema.sql
var schema string

// maxTxAttempts bounds retries of serialization failures and deadlocks.
const maxTxAttempts = 3

// PostgreSQL error codes handled by the store.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fractional values are stored as NUMERIC for exact decimal precision.
// Update runs in a SERIALIZABLE transaction and the rows it reads for
// update are locked with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Writes ---

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.update(ctx, fn)
		if !retryable(err) {
			return err
		}
		slog.Warn("retrying transaction", "attempt", attempt, "err", err)
	}
	return err
}

func (s *PostgresStore) update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *model.UserProfile) error {
	skills, err := json.Marshal(p.Skills)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, level, skills, updated_at)
		 VALUES ($1, $2, $3::JSONB, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET level = EXCLUDED.level, skills = EXCLUDED.skills, updated_at = now()`,
		p.UserID, p.Level, string(skills),
	)
	return err
}

// --- Reads ---

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	p := model.UserProfile{UserID: userID}
	var skills []byte

	err := s.pool.QueryRow(ctx,
		`SELECT level, skills FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.Level, &skills)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, mapErr(err))
	}
	if err := json.Unmarshal(skills, &p.Skills); err != nil {
		return nil, fmt.Errorf("decode skills for %s: %w", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetHarmonyPoints(ctx context.Context, userID string) (*model.HarmonyPoints, error) {
	hp, err := scanHarmonyPoints(s.pool.QueryRow(ctx,
		`SELECT user_id, total, balance, earned, spent, multiplier::TEXT
		 FROM harmony_points WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		hp := ledger.New(userID)
		return &hp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get harmony points %s: %w", userID, err)
	}
	return hp, nil
}

func (s *PostgresStore) ListPointsEntries(ctx context.Context, userID string) ([]model.PointsEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, reason, amount, balance_after, COALESCE(idempotency_key, ''), created_at
		 FROM points_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PointsEntry
	for rows.Next() {
		e, err := scanPointsEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetPointsEntryByKey(ctx context.Context, userID, key string) (*model.PointsEntry, error) {
	e, err := scanPointsEntry(s.pool.QueryRow(ctx,
		`SELECT id, user_id, type, reason, amount, balance_after, COALESCE(idempotency_key, ''), created_at
		 FROM points_entries WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
	if err != nil {
		return nil, fmt.Errorf("points entry %s/%s: %w", userID, key, mapErr(err))
	}
	return e, nil
}

func (s *PostgresStore) GetExchangeByKey(ctx context.Context, userID, key string) (*model.Exchange, error) {
	var x model.Exchange
	var base string
	var breakdown []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(idempotency_key, ''), user_id, source_project, target_project,
		        base_amount::TEXT, result_amount, harmony_points_credited, breakdown, created_at
		 FROM exchanges WHERE user_id = $1 AND idempotency_key = $2`, userID, key).
		Scan(&x.ID, &x.IdempotencyKey, &x.UserID, &x.SourceProject, &x.TargetProject,
			&base, &x.ResultAmount, &x.HarmonyPointsCredited, &breakdown, &x.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("exchange %s/%s: %w", userID, key, mapErr(err))
	}

	x.BaseAmount, _ = decimal.NewFromString(base)
	if err := json.Unmarshal(breakdown, &x.Breakdown); err != nil {
		return nil, fmt.Errorf("decode breakdown of %s: %w", x.ID, err)
	}
	return &x, nil
}

func (s *PostgresStore) GetHoldings(ctx context.Context, userID string) ([]model.ProjectToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, project_id, token_type, amount, earned_at, source, transferable
		 FROM project_tokens WHERE user_id = $1 ORDER BY earned_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.ProjectToken
	for rows.Next() {
		var t model.ProjectToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.ProjectID, &t.TokenType, &t.Amount,
			&t.EarnedAt, &t.Source, &t.Transferable); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) GetParticipation(ctx context.Context, userID string) ([]model.ProjectID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id FROM participation WHERE user_id = $1 ORDER BY first_at, project_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.ProjectID
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, model.ProjectID(p))
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetMissionState(ctx context.Context, missionID string) (*model.MissionState, error) {
	st, err := scanMissionState(s.pool.QueryRow(ctx,
		`SELECT mission_id, participants, completed, status FROM mission_states WHERE mission_id = $1`,
		missionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.MissionState{MissionID: missionID, Status: model.MissionActive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mission state %s: %w", missionID, err)
	}
	return st, nil
}

func (s *PostgresStore) GetCompletedMissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mission_id FROM mission_states WHERE $1 = ANY(completed) ORDER BY mission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListBadgeAwards(ctx context.Context, userID string) ([]model.BadgeAward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, badge_id, earned_at FROM badge_awards WHERE user_id = $1 ORDER BY earned_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var awards []model.BadgeAward
	for rows.Next() {
		var a model.BadgeAward
		if err := rows.Scan(&a.UserID, &a.BadgeID, &a.EarnedAt); err != nil {
			return nil, err
		}
		awards = append(awards, a)
	}
	return awards, rows.Err()
}

func (s *PostgresStore) GetReferral(ctx context.Context, id string) (*model.SmartReferral, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx, selectReferral+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, mapErr(err))
	}
	return r, nil
}

func (s *PostgresStore) ListInvestments(ctx context.Context, userID string) ([]model.ImpactInvestment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, project_id, amount::TEXT, investment_date,
		        expected_returns::TEXT, actual_returns::TEXT, environmental_impact::TEXT
		 FROM impact_investments WHERE user_id = $1 ORDER BY investment_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ImpactInvestment
	for rows.Next() {
		var inv model.ImpactInvestment
		var amount, expected, actual, impact string
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.ProjectID, &amount, &inv.InvestmentDate,
			&expected, &actual, &impact); err != nil {
			return nil, err
		}
		inv.Amount, _ = decimal.NewFromString(amount)
		inv.ExpectedReturns, _ = decimal.NewFromString(expected)
		inv.ActualReturns, _ = decimal.NewFromString(actual)
		inv.EnvironmentalImpact, _ = decimal.NewFromString(impact)
		result = append(result, inv)
	}
	return result, rows.Err()
}

// --- Unit of work ---

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) HarmonyPoints(userID string) (*model.HarmonyPoints, error) {
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO harmony_points (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	hp, err := scanHarmonyPoints(t.tx.QueryRow(t.ctx,
		`SELECT user_id, total, balance, earned, spent, multiplier::TEXT
		 FROM harmony_points WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("lock harmony points %s: %w", userID, err)
	}
	return hp, nil
}

func (t *pgTx) SaveHarmonyPoints(hp *model.HarmonyPoints) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE harmony_points
		 SET total = $2, balance = $3, earned = $4, spent = $5, multiplier = $6::NUMERIC
		 WHERE user_id = $1`,
		hp.UserID, hp.Total, hp.Balance, hp.Earned, hp.Spent, hp.Multiplier.String(),
	)
	return err
}

func (t *pgTx) AppendPointsEntry(e *model.PointsEntry) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO points_entries (id, user_id, type, reason, amount, balance_after, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		e.ID, e.UserID, e.Type, e.Reason, e.Amount, e.BalanceAfter, e.IdempotencyKey, e.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) InsertExchange(x *model.Exchange) error {
	breakdown, err := json.Marshal(x.Breakdown)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO exchanges (id, idempotency_key, user_id, source_project, target_project,
		                        base_amount, result_amount, harmony_points_credited, breakdown, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6::NUMERIC, $7, $8, $9::JSONB, $10)`,
		x.ID, x.IdempotencyKey, x.UserID, x.SourceProject, x.TargetProject,
		x.BaseAmount.String(), x.ResultAmount, x.HarmonyPointsCredited, string(breakdown), x.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) AppendTokens(tokens ...model.ProjectToken) error {
	for _, tok := range tokens {
		if _, err := t.tx.Exec(t.ctx,
			`INSERT INTO project_tokens (id, user_id, project_id, token_type, amount, earned_at, source, transferable)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tok.ID, tok.UserID, tok.ProjectID, tok.TokenType, tok.Amount, tok.EarnedAt, tok.Source, tok.Transferable,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) AddParticipation(userID string, projects ...model.ProjectID) error {
	for _, p := range projects {
		if _, err := t.tx.Exec(t.ctx,
			`INSERT INTO participation (user_id, project_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, p,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) MissionState(missionID string) (*model.MissionState, error) {
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO mission_states (mission_id) VALUES ($1) ON CONFLICT (mission_id) DO NOTHING`, missionID); err != nil {
		return nil, err
	}
	st, err := scanMissionState(t.tx.QueryRow(t.ctx,
		`SELECT mission_id, participants, completed, status FROM mission_states WHERE mission_id = $1 FOR UPDATE`,
		missionID))
	if err != nil {
		return nil, fmt.Errorf("lock mission state %s: %w", missionID, err)
	}
	return st, nil
}

func (t *pgTx) SaveMissionState(st *model.MissionState) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE mission_states SET participants = $2, completed = $3, status = $4 WHERE mission_id = $1`,
		st.MissionID, nonNil(st.Participants), nonNil(st.Completed), st.Status,
	)
	return err
}

func (t *pgTx) AwardBadge(a model.BadgeAward) (bool, error) {
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO badge_awards (user_id, badge_id, earned_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, badge_id) DO NOTHING`,
		a.UserID, a.BadgeID, a.EarnedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertReferral(r *model.SmartReferral) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO referrals (id, referrer_id, referee_id, projects_shared, bonus_tokens,
		                        harmony_points_bonus, status, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ReferrerID, r.RefereeID, projectStrings(r.ProjectsShared), r.BonusTokens,
		r.HarmonyPointsBonus, r.Status, r.CreatedAt, r.ResolvedAt,
	)
	return mapErr(err)
}

func (t *pgTx) Referral(id string) (*model.SmartReferral, error) {
	r, err := scanReferral(t.tx.QueryRow(t.ctx, selectReferral+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, mapErr(err))
	}
	return r, nil
}

func (t *pgTx) SaveReferral(r *model.SmartReferral) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE referrals SET status = $2, resolved_at = $3 WHERE id = $1`,
		r.ID, r.Status, r.ResolvedAt,
	)
	return err
}

func (t *pgTx) InsertInvestment(inv *model.ImpactInvestment) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO impact_investments (id, user_id, project_id, amount, investment_date,
		                                 expected_returns, actual_returns, environmental_impact)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)`,
		inv.ID, inv.UserID, inv.ProjectID, inv.Amount.String(), inv.InvestmentDate,
		inv.ExpectedReturns.String(), inv.ActualReturns.String(), inv.EnvironmentalImpact.String(),
	)
	return err
}

// --- Scanning helpers ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const selectReferral = `SELECT id, referrer_id, referee_id, projects_shared, bonus_tokens,
	        harmony_points_bonus, status, created_at, resolved_at
	 FROM referrals`

func scanHarmonyPoints(row rowScanner) (*model.HarmonyPoints, error) {
	var hp model.HarmonyPoints
	var mult string
	if err := row.Scan(&hp.UserID, &hp.Total, &hp.Balance, &hp.Earned, &hp.Spent, &mult); err != nil {
		return nil, err
	}
	hp.Multiplier, _ = decimal.NewFromString(mult)
	return &hp, nil
}

func scanPointsEntry(row rowScanner) (*model.PointsEntry, error) {
	var e model.PointsEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.Reason, &e.Amount, &e.BalanceAfter,
		&e.IdempotencyKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanMissionState(row rowScanner) (*model.MissionState, error) {
	var st model.MissionState
	if err := row.Scan(&st.MissionID, &st.Participants, &st.Completed, &st.Status); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanReferral(row rowScanner) (*model.SmartReferral, error) {
	var r model.SmartReferral
	var projects []string
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &projects, &r.BonusTokens,
		&r.HarmonyPointsBonus, &r.Status, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return nil, err
	}
	for _, p := range projects {
		r.ProjectsShared = append(r.ProjectsShared, model.ProjectID(p))
	}
	return &r, nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func projectStrings(ps []model.ProjectID) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
