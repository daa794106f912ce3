package actionbus

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brewline/control-plane/pkg/models"
)

// Store persists ActionRecord lifecycle state.
type Store interface {
	Create(ctx context.Context, rec *models.ActionRecord) error
	Get(ctx context.Context, actionID string) (*models.ActionRecord, error)
	Update(ctx context.Context, rec *models.ActionRecord) error
	CountToday(ctx context.Context, actionType string, context map[string]interface{}) (int, error)

	// ListExpired returns records whose expires_at has passed, for the
	// retention janitor. A record with no expiry is never returned.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]models.ActionRecord, error)
	Delete(ctx context.Context, actionID string) error
}

// InMemoryStore is the fallback used when Postgres is unavailable.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ActionRecord
}

var _ Store = (*InMemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.ActionRecord)}
}

func (s *InMemoryStore) Create(_ context.Context, rec *models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ActionID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, actionID string) (*models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[actionID]
	if !ok {
		return nil, ErrActionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) Update(_ context.Context, rec *models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ActionID]; !ok {
		return ErrActionNotFound
	}
	cp := *rec
	s.records[rec.ActionID] = &cp
	return nil
}

func (s *InMemoryStore) CountToday(_ context.Context, actionType string, ctxFilter map[string]interface{}) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	n := 0
	for _, rec := range s.records {
		if rec.ActionType != actionType {
			continue
		}
		if rec.CreatedAt.Before(startOfDay) {
			continue
		}
		if !matchesContext(rec.Context, ctxFilter) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *InMemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ActionRecord
	for _, rec := range s.records {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(before) {
			out = append(out, *rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, actionID)
	return nil
}

func matchesContext(recCtx, filter map[string]interface{}) bool {
	for k, v := range filter {
		if recCtx[k] != v {
			return false
		}
	}
	return true
}

// PostgresStore persists action_records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_records (
			action_id      TEXT PRIMARY KEY,
			action_type    TEXT NOT NULL,
			payload        JSONB NOT NULL DEFAULT '{}',
			context        JSONB NOT NULL DEFAULT '{}',
			requested_by   TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			autonomy_level TEXT NOT NULL,
			handler        TEXT NOT NULL,
			state          TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at     TIMESTAMPTZ,
			metadata       JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_action_records_type_created ON action_records(action_type, created_at);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.ActionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_records (action_id, action_type, payload, context, requested_by, reason, autonomy_level, handler, state, created_at, updated_at, expires_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,$11,$12)
	`, rec.ActionID, rec.ActionType, rec.Payload, rec.Context, rec.RequestedBy, rec.Reason, rec.AutonomyLevel, rec.Handler, rec.State, rec.CreatedAt, rec.ExpiresAt, rec.Metadata)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, actionID string) (*models.ActionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT action_id, action_type, payload, context, requested_by, reason, autonomy_level, handler, state, created_at, updated_at, expires_at, metadata
		FROM action_records WHERE action_id = $1
	`, actionID)
	var rec models.ActionRecord
	if err := row.Scan(&rec.ActionID, &rec.ActionType, &rec.Payload, &rec.Context, &rec.RequestedBy, &rec.Reason, &rec.AutonomyLevel, &rec.Handler, &rec.State, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.Metadata); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *models.ActionRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_records SET state=$2, metadata=$3, updated_at=NOW()
		WHERE action_id = $1
	`, rec.ActionID, rec.State, rec.Metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (s *PostgresStore) CountToday(ctx context.Context, actionType string, ctxFilter map[string]interface{}) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM action_records
		WHERE action_type = $1 AND created_at >= date_trunc('day', NOW())
		AND context @> $2
	`, actionType, ctxFilter).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]models.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_id, action_type, payload, context, requested_by, reason, autonomy_level, handler, state, created_at, updated_at, expires_at, metadata
		FROM action_records WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActionRecord
	for rows.Next() {
		var rec models.ActionRecord
		if err := rows.Scan(&rec.ActionID, &rec.ActionType, &rec.Payload, &rec.Context, &rec.RequestedBy, &rec.Reason, &rec.AutonomyLevel, &rec.Handler, &rec.State, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, actionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM action_records WHERE action_id = $1`, actionID)
	return err
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close()                                { s.pool.Close() }
