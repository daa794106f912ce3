package router

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brewline/control-plane/pkg/models"
)

// KnowledgeStore persists learned provider capabilities so a restart
// doesn't re-pay the discovery cost.
type KnowledgeStore interface {
	Load(ctx context.Context) (map[string]models.ModelKnowledge, error)
	Save(ctx context.Context, k models.ModelKnowledge) error
}

// InMemoryKnowledgeStore is the fallback used when Postgres is
// unavailable: learned capabilities simply don't survive a restart.
type InMemoryKnowledgeStore struct {
	mu   sync.RWMutex
	data map[string]models.ModelKnowledge
}

func NewInMemoryKnowledgeStore() *InMemoryKnowledgeStore {
	return &InMemoryKnowledgeStore{data: make(map[string]models.ModelKnowledge)}
}

func (s *InMemoryKnowledgeStore) Load(_ context.Context) (map[string]models.ModelKnowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ModelKnowledge, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryKnowledgeStore) Save(_ context.Context, k models.ModelKnowledge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[k.Model] = k
	return nil
}

// PostgresKnowledgeStore persists model_knowledge(model PRIMARY KEY, ...).
type PostgresKnowledgeStore struct {
	pool *pgxpool.Pool
}

func NewPostgresKnowledgeStore(ctx context.Context, connURL string) (*PostgresKnowledgeStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresKnowledgeStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresKnowledgeStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS model_knowledge (
			model                           TEXT PRIMARY KEY,
			supports_custom_temperature     BOOLEAN NOT NULL DEFAULT TRUE,
			requires_max_completion_tokens  BOOLEAN NOT NULL DEFAULT FALSE,
			supports_json_mode              BOOLEAN NOT NULL DEFAULT TRUE,
			last_observed_error             TEXT NOT NULL DEFAULT '',
			updated_at                      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (s *PostgresKnowledgeStore) Load(ctx context.Context) (map[string]models.ModelKnowledge, error) {
	rows, err := s.pool.Query(ctx, `SELECT model, supports_custom_temperature, requires_max_completion_tokens, supports_json_mode, last_observed_error, updated_at FROM model_knowledge`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.ModelKnowledge)
	for rows.Next() {
		var k models.ModelKnowledge
		if err := rows.Scan(&k.Model, &k.SupportsCustomTemperature, &k.RequiresMaxCompletionTokens, &k.SupportsJSONMode, &k.LastObservedError, &k.UpdatedAt); err != nil {
			return nil, err
		}
		out[k.Model] = k
	}
	return out, rows.Err()
}

func (s *PostgresKnowledgeStore) Save(ctx context.Context, k models.ModelKnowledge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_knowledge (model, supports_custom_temperature, requires_max_completion_tokens, supports_json_mode, last_observed_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (model) DO UPDATE SET
			supports_custom_temperature    = EXCLUDED.supports_custom_temperature,
			requires_max_completion_tokens = EXCLUDED.requires_max_completion_tokens,
			supports_json_mode             = EXCLUDED.supports_json_mode,
			last_observed_error            = EXCLUDED.last_observed_error,
			updated_at                     = NOW()
	`, k.Model, k.SupportsCustomTemperature, k.RequiresMaxCompletionTokens, k.SupportsJSONMode, k.LastObservedError)
	return err
}

func (s *PostgresKnowledgeStore) HealthCheck(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresKnowledgeStore) Close()                                { s.pool.Close() }

// classifyParamError inspects a provider error message for the
// substrings that indicate an unsupported request parameter, returning
// which ModelKnowledge field to flip.
func classifyParamError(errMsg string) (field string, ok bool) {
	msg := strings.ToLower(errMsg)
	switch {
	case strings.Contains(msg, "temperature"):
		return "supports_custom_temperature", true
	case strings.Contains(msg, "max_tokens") || strings.Contains(msg, "max_completion_tokens"):
		return "requires_max_completion_tokens", true
	case strings.Contains(msg, "response_format") || strings.Contains(msg, "json mode") || strings.Contains(msg, "json_mode"):
		return "supports_json_mode", true
	default:
		return "", false
	}
}
