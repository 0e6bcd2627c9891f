package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/oklog/ulid/v2"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, which keeps AppendMessages'
	// count-then-insert atomic and makes ":memory:" databases usable.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT,
        topic_title TEXT NOT NULL DEFAULT '',
        group_id TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);

    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- ULID
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);

    CREATE TABLE IF NOT EXISTS knowledge_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        pool TEXT NOT NULL CHECK (pool IN ('course', 'project')),
        group_id TEXT NOT NULL DEFAULT '',
        title TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT -- Storing as JSON string of []float32
    );

    CREATE INDEX IF NOT EXISTS idx_chunks_pool ON knowledge_chunks (pool, group_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Session methods
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, topicTitle, groupID string) (*Session, error) {
	sessionID := uuid.NewString()
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO sessions (id, user_id, topic_title, group_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare session insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	if _, err = stmt.ExecContext(ctx, sessionID, userID, topicTitle, groupID, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute session insert: %w", err)
	}
	return &Session{
		ID:         sessionID,
		UserID:     userID,
		TopicTitle: topicTitle,
		GroupID:    groupID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	var session Session
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, topic_title, group_id, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?",
		sessionID, userID,
	).Scan(&session.ID, &session.UserID, &title, &session.TopicTitle, &session.GroupID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if title.Valid {
		session.Title = &title.String
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, topic_title, group_id, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var session Session
		var title sql.NullString
		if err := rows.Scan(&session.ID, &session.UserID, &title, &session.TopicTitle, &session.GroupID, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if title.Valid {
			session.Title = &title.String
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, userID, title string) error {
	stmt, err := s.db.PrepareContext(ctx, "UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare session title update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, title, time.Now().UTC(), sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute session title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session not found or not owned by user, title not updated")
	}
	return nil
}

// Message methods
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// AppendMessages inserts msgs in order unless that would exceed ceiling.
// The count and the inserts run in one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []Message, ceiling int) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin message transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if ceiling > 0 && count+len(msgs) > ceiling {
		return nil, ErrCeilingReached
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	stored := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.ID = ulid.Make().String()
		msg.SessionID = sessionID
		msg.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to execute message insert: %w", err)
		}
		stored = append(stored, msg)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return stored, nil
}

// ListMessages returns the session's messages in conversation order. A
// positive limit keeps only the most recent ones.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `
        SELECT id, session_id, role, content, created_at FROM (
            SELECT seq, id, session_id, role, content, created_at
            FROM messages
            WHERE session_id = ?
            ORDER BY seq DESC
            LIMIT ?
        ) ORDER BY seq ASC
    `
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Knowledge methods (for retrieval)
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, pool Pool, chunks []KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM knowledge_chunks WHERE pool = ? AND group_id = ?", string(pool.Kind), pool.GroupID); err != nil {
		return fmt.Errorf("failed to clear %s chunks: %w", pool, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO knowledge_chunks (pool, group_id, title, content, embedding_json) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		embeddingBytes, err := json.Marshal(chunks[i].Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		chunks[i].EmbeddingJSON = string(embeddingBytes)
		chunks[i].Pool = pool.Kind
		chunks[i].GroupID = pool.GroupID

		res, err := stmt.ExecContext(ctx, string(pool.Kind), pool.GroupID, chunks[i].Title, chunks[i].Content, chunks[i].EmbeddingJSON)
		if err != nil {
			return fmt.Errorf("failed to execute chunk insert: %w", err)
		}
		chunks[i].ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListChunks(ctx context.Context) ([]KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, pool, group_id, title, content, embedding_json FROM knowledge_chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var pool string
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &pool, &chunk.GroupID, &chunk.Title, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge_chunk row: %w", err)
		}
		chunk.Pool = PoolKind(pool)
		// A corrupt embedding leaves the chunk unsearchable rather than failing the load.
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

var (
	_ SessionStore    = (*SQLiteStore)(nil)
	_ KnowledgeWriter = (*SQLiteStore)(nil)
	_ KnowledgeReader = (*SQLiteStore)(nil)
)
