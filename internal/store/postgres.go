package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore backs sessions and knowledge with a managed Postgres that has
// the pgvector extension. Similarity search runs server side through the
// match_course_knowledge and match_project_knowledge functions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		topic_title TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		session_id UUID NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);

	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id BIGSERIAL PRIMARY KEY,
		pool TEXT NOT NULL CHECK (pool IN ('course', 'project')),
		group_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding vector NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_pool ON knowledge_chunks (pool, group_id);

	CREATE OR REPLACE FUNCTION match_course_knowledge(query_embedding vector, match_threshold float, match_count int)
	RETURNS TABLE (title text, content text, similarity float)
	LANGUAGE sql STABLE AS $$
		SELECT k.title, k.content, 1 - (k.embedding <=> query_embedding) AS similarity
		FROM knowledge_chunks k
		WHERE k.pool = 'course'
		  AND 1 - (k.embedding <=> query_embedding) >= match_threshold
		ORDER BY k.embedding <=> query_embedding
		LIMIT match_count;
	$$;

	CREATE OR REPLACE FUNCTION match_project_knowledge(query_embedding vector, match_group text, match_threshold float, match_count int)
	RETURNS TABLE (title text, content text, similarity float)
	LANGUAGE sql STABLE AS $$
		SELECT k.title, k.content, 1 - (k.embedding <=> query_embedding) AS similarity
		FROM knowledge_chunks k
		WHERE k.pool = 'project'
		  AND k.group_id = match_group
		  AND 1 - (k.embedding <=> query_embedding) >= match_threshold
		ORDER BY k.embedding <=> query_embedding
		LIMIT match_count;
	$$;
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, topicTitle, groupID string) (*Session, error) {
	session := &Session{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, topic_title, group_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, user_id, title, topic_title, group_id, created_at, updated_at
	`, uuid.NewString(), userID, topicTitle, groupID).Scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&session.TopicTitle,
		&session.GroupID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil // not a session id this store could have issued
	}

	session := &Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, title, topic_title, group_id, created_at, updated_at
		FROM sessions WHERE id = $1 AND user_id = $2
	`, sessionID, userID).Scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&session.TopicTitle,
		&session.GroupID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, title, topic_title, group_id, created_at, updated_at
		FROM sessions WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var session Session
		if err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.Title,
			&session.TopicTitle,
			&session.GroupID,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, sessionID, userID, title string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET title = $1, updated_at = now()
		WHERE id = $2 AND user_id = $3
	`, title, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found or not owned by user, title not updated")
	}
	return nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// AppendMessages locks the session row so concurrent turns on the same
// session serialize on the count check.
func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID string, msgs []Message, ceiling int) ([]Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin message transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked); err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if ceiling > 0 && count+len(msgs) > ceiling {
		return nil, ErrCeilingReached
	}

	stored := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.ID = ulid.Make().String()
		msg.SessionID = sessionID
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (id, session_id, role, content)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at
		`, msg.ID, sessionID, string(msg.Role), msg.Content).Scan(&msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message: %w", err)
		}
		stored = append(stored, msg)
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id::text, role, content, created_at FROM (
			SELECT seq, id, session_id, role, content, created_at
			FROM messages WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC
	`, sessionID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var role string
		var createdAt time.Time
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) ReplaceChunks(ctx context.Context, pool Pool, chunks []KnowledgeChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE pool = $1 AND group_id = $2`, string(pool.Kind), pool.GroupID); err != nil {
		return fmt.Errorf("failed to clear %s chunks: %w", pool, err)
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		batch.Queue(`
			INSERT INTO knowledge_chunks (pool, group_id, title, content, embedding)
			VALUES ($1, $2, $3, $4, $5::vector)
		`, string(pool.Kind), pool.GroupID, chunk.Title, chunk.Content, VectorLiteral(chunk.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert %s chunks: %w", pool, err)
	}

	return tx.Commit(ctx)
}

// SearchChunks calls the pool's similarity function. Results arrive ranked by
// the database.
func (s *PostgresStore) SearchChunks(ctx context.Context, embedding []float32, pool Pool, limit int, threshold float64) ([]ScoredChunk, error) {
	var (
		rows pgx.Rows
		err  error
	)
	vec := VectorLiteral(embedding)
	switch pool.Kind {
	case PoolCourse:
		rows, err = s.pool.Query(ctx, `SELECT title, content, similarity FROM match_course_knowledge($1::vector, $2, $3)`,
			vec, threshold, limit)
	case PoolProject:
		rows, err = s.pool.Query(ctx, `SELECT title, content, similarity FROM match_project_knowledge($1::vector, $2, $3, $4)`,
			vec, pool.GroupID, threshold, limit)
	default:
		return nil, fmt.Errorf("unknown pool %q", pool.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", pool, err)
	}
	defer rows.Close()

	results := []ScoredChunk{}
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.Title, &c.Content, &c.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match row: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// VectorLiteral renders an embedding in pgvector's text input format.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var (
	_ SessionStore    = (*PostgresStore)(nil)
	_ KnowledgeWriter = (*PostgresStore)(nil)
)
