package memory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brewline/control-plane/pkg/models"
)

// PostgresStore is the primary, durable conversation-memory backend.
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
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			contact_id        TEXT NOT NULL DEFAULT '',
			role              TEXT NOT NULL,
			content           TEXT NOT NULL,
			message_timestamp TIMESTAMPTZ NOT NULL,
			metadata          JSONB NOT NULL DEFAULT '{}',
			summarized        BOOLEAN NOT NULL DEFAULT FALSE,
			summary_id        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_conv_messages_conv_ts ON conversation_messages (conversation_id, message_timestamp);
		CREATE INDEX IF NOT EXISTS idx_conv_messages_summarized ON conversation_messages (summarized);

		CREATE TABLE IF NOT EXISTS conversation_summaries (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			contact_id        TEXT NOT NULL DEFAULT '',
			summary_text      TEXT NOT NULL,
			messages_start_at TIMESTAMPTZ NOT NULL,
			messages_end_at   TIMESTAMPTZ NOT NULL,
			message_count     INT NOT NULL,
			estimated_tokens  INT NOT NULL DEFAULT 0,
			summary_embedding vector(1536),
			metadata          JSONB NOT NULL DEFAULT '{}',
			expires_at        TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_conv_summaries_conv ON conversation_summaries (conversation_id);

		CREATE TABLE IF NOT EXISTS conversation_facts (
			id                      TEXT PRIMARY KEY,
			contact_id              TEXT NOT NULL,
			source_conversation_id  TEXT NOT NULL DEFAULT '',
			fact_type               TEXT NOT NULL,
			fact_key                TEXT NOT NULL,
			fact_value              TEXT NOT NULL,
			fact_embedding          vector(1536),
			confidence              DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_confirmed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_stale                BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at              TIMESTAMPTZ,
			UNIQUE (contact_id, fact_type, fact_key)
		);
	`)
	return err
}

func (s *PostgresStore) Kind() string { return "postgres" }

func (s *PostgresStore) AppendMessage(ctx context.Context, msg models.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, contact_id, role, content, message_timestamp, metadata, summarized, summary_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, msg.ID, msg.ConversationID, msg.ContactID, string(msg.Role), msg.Content, msg.MessageTimestamp, msg.Metadata, msg.Summarized, nullIfEmpty(msg.SummaryID))
	return wrapStoreUnavailable("memory.AppendMessage", err)
}

func (s *PostgresStore) LastMessage(ctx context.Context, conversationID string) (*models.ConversationMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, contact_id, role, content, message_timestamp, metadata, summarized, COALESCE(summary_id,'')
		FROM conversation_messages WHERE conversation_id=$1 ORDER BY message_timestamp DESC LIMIT 1
	`, conversationID)
	var m models.ConversationMessage
	var role string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.ContactID, &role, &m.Content, &m.MessageTimestamp, &m.Metadata, &m.Summarized, &m.SummaryID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStoreUnavailable("memory.LastMessage", err)
	}
	m.Role = models.MessageRole(role)
	return &m, nil
}

// RecentMessages returns messages where summarized=false, newest-first
// then reversed to chronological order.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]models.ConversationMessage, error) {
	query := `SELECT id, conversation_id, contact_id, role, content, message_timestamp, metadata, summarized, COALESCE(summary_id,'')
		FROM conversation_messages WHERE conversation_id=$1 AND summarized=false`
	args := []interface{}{conversationID}
	if !includeSystem {
		query += ` AND role <> 'system'`
	}
	query += ` ORDER BY message_timestamp DESC LIMIT $2`
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.RecentMessages", err)
	}
	defer rows.Close()

	var out []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ContactID, &role, &m.Content, &m.MessageTimestamp, &m.Metadata, &m.Summarized, &m.SummaryID); err != nil {
			return nil, err
		}
		m.Role = models.MessageRole(role)
		out = append(out, m)
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearMessages(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE conversation_id=$1`, conversationID)
	return wrapStoreUnavailable("memory.ClearMessages", err)
}

func (s *PostgresStore) ConversationsToSummarize(ctx context.Context, olderThanMs int64, minMessages, maxConversations int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id FROM conversation_messages
		WHERE summarized=false AND message_timestamp < NOW() - ($1 || ' milliseconds')::interval
		GROUP BY conversation_id
		HAVING COUNT(*) >= $2
		ORDER BY MIN(message_timestamp) ASC
		LIMIT $3
	`, olderThanMs, minMessages, maxConversations)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.ConversationsToSummarize", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MessagesForSummary(ctx context.Context, conversationID string, maxMessages int) ([]models.ConversationMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, contact_id, role, content, message_timestamp, metadata
		FROM conversation_messages
		WHERE conversation_id=$1 AND summarized=false
		ORDER BY message_timestamp ASC LIMIT $2
	`, conversationID, maxMessages)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.MessagesForSummary", err)
	}
	defer rows.Close()

	var out []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ContactID, &role, &m.Content, &m.MessageTimestamp, &m.Metadata); err != nil {
			return nil, err
		}
		m.Role = models.MessageRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CommitSummary inserts the summary and marks its source messages
// summarized=true in one transaction, so a message transitions
// summarized:false→true at most once and only alongside a durable
// summary row (at-most-once summarization).
func (s *PostgresStore) CommitSummary(ctx context.Context, summary models.ConversationSummary, messageIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapStoreUnavailable("memory.CommitSummary", err)
	}
	defer tx.Rollback(ctx)

	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_summaries
			(id, conversation_id, contact_id, summary_text, messages_start_at, messages_end_at, message_count, estimated_tokens, summary_embedding, metadata, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
	`, summary.ID, summary.ConversationID, summary.ContactID, summary.SummaryText, summary.MessagesStartAt, summary.MessagesEndAt,
		summary.MessageCount, summary.EstimatedTokens, vectorOrNull(summary.SummaryEmbedding), summary.Metadata, summary.ExpiresAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversation_messages SET summarized=true, summary_id=$1 WHERE id = ANY($2)
	`, summary.ID, messageIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RecentSummaries(ctx context.Context, conversationID string, limit int) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, contact_id, summary_text, messages_start_at, messages_end_at, message_count, estimated_tokens, metadata, expires_at, created_at
		FROM conversation_summaries
		WHERE conversation_id=$1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.RecentSummaries", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var sm models.ConversationSummary
		if err := rows.Scan(&sm.ID, &sm.ConversationID, &sm.ContactID, &sm.SummaryText, &sm.MessagesStartAt, &sm.MessagesEndAt,
			&sm.MessageCount, &sm.EstimatedTokens, &sm.Metadata, &sm.ExpiresAt, &sm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ExpiredSummaries returns summaries past their expiry, oldest first, for
// the retention janitor.
func (s *PostgresStore) ExpiredSummaries(ctx context.Context, before time.Time, limit int) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, contact_id, summary_text, messages_start_at, messages_end_at, message_count, estimated_tokens, metadata, expires_at, created_at
		FROM conversation_summaries
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.ExpiredSummaries", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var sm models.ConversationSummary
		if err := rows.Scan(&sm.ID, &sm.ConversationID, &sm.ContactID, &sm.SummaryText, &sm.MessagesStartAt, &sm.MessagesEndAt,
			&sm.MessageCount, &sm.EstimatedTokens, &sm.Metadata, &sm.ExpiresAt, &sm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSummary(ctx context.Context, summaryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_summaries WHERE id = $1`, summaryID)
	return err
}

// SaveFact upserts on (contact_id, fact_type, fact_key): on conflict,
// confidence is lifted to max(old,new) and last_confirmed_at refreshed.
func (s *PostgresStore) SaveFact(ctx context.Context, fact models.ConversationFact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_facts (id, contact_id, source_conversation_id, fact_type, fact_key, fact_value, fact_embedding, confidence, last_confirmed_at, is_stale, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),false,$9)
		ON CONFLICT (contact_id, fact_type, fact_key) DO UPDATE SET
			fact_value        = EXCLUDED.fact_value,
			fact_embedding    = EXCLUDED.fact_embedding,
			confidence        = GREATEST(conversation_facts.confidence, EXCLUDED.confidence),
			last_confirmed_at = NOW(),
			is_stale          = false,
			expires_at        = EXCLUDED.expires_at
	`, fact.ID, fact.ContactID, fact.SourceConversationID, fact.FactType, fact.FactKey, fact.FactValue, vectorOrNull(fact.FactEmbedding), fact.Confidence, fact.ExpiresAt)
	return wrapStoreUnavailable("memory.SaveFact", err)
}

func (s *PostgresStore) FactsByConfidence(ctx context.Context, contactID string, limit int) ([]models.ConversationFact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, contact_id, source_conversation_id, fact_type, fact_key, fact_value, confidence, last_confirmed_at, is_stale, expires_at
		FROM conversation_facts
		WHERE contact_id=$1 AND is_stale=false AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY confidence DESC, last_confirmed_at DESC LIMIT $2
	`, contactID, limit)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.FactsByConfidence", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *PostgresStore) FactsBySimilarity(ctx context.Context, contactID string, queryEmbedding []float32, threshold float64, limit int) ([]models.ConversationFact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, contact_id, source_conversation_id, fact_type, fact_key, fact_value, confidence, last_confirmed_at, is_stale, expires_at
		FROM conversation_facts
		WHERE contact_id=$1 AND is_stale=false AND (expires_at IS NULL OR expires_at > NOW())
		AND 1 - (fact_embedding <=> $2) >= $3
		ORDER BY fact_embedding <=> $2 LIMIT $4
	`, contactID, vectorArrayLiteral(queryEmbedding), threshold, limit)
	if err != nil {
		return nil, wrapStoreUnavailable("memory.FactsBySimilarity", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows pgx.Rows) ([]models.ConversationFact, error) {
	var out []models.ConversationFact
	for rows.Next() {
		var f models.ConversationFact
		if err := rows.Scan(&f.ID, &f.ContactID, &f.SourceConversationID, &f.FactType, &f.FactKey, &f.FactValue,
			&f.Confidence, &f.LastConfirmedAt, &f.IsStale, &f.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkFactsStale(ctx context.Context, contactID string, keys []string) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversation_facts SET is_stale=true WHERE contact_id=$1 AND fact_key = ANY($2)`, contactID, keys)
	return wrapStoreUnavailable("memory.MarkFactsStale", err)
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() { s.pool.Close() }

var _ Store = (*PostgresStore)(nil)

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func vectorArrayLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// vectorOrNull binds an empty embedding as SQL NULL rather than the
// zero-dimension literal "[]", which pgvector rejects for a fixed-width
// vector(1536) column.
func vectorOrNull(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return vectorArrayLiteral(v)
}
