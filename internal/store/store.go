package store

import (
	"context"
	"errors"
)

// ErrCeilingReached is returned by AppendMessages when the insert would push a
// session past its message ceiling. Nothing is written in that case.
var ErrCeilingReached = errors.New("session message ceiling reached")

// SessionStore persists consultations and their messages.
// GetSession returns (nil, nil) when the session does not exist or belongs to
// another user.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, topicTitle, groupID string) (*Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	UpdateSessionTitle(ctx context.Context, sessionID, userID, title string) error
	CountMessages(ctx context.Context, sessionID string) (int, error)
	AppendMessages(ctx context.Context, sessionID string, msgs []Message, ceiling int) ([]Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// KnowledgeWriter replaces the content of a knowledge pool during ingestion.
type KnowledgeWriter interface {
	ReplaceChunks(ctx context.Context, pool Pool, chunks []KnowledgeChunk) error
}

// KnowledgeReader lists every stored chunk with its embedding.
type KnowledgeReader interface {
	ListChunks(ctx context.Context) ([]KnowledgeChunk, error)
}
