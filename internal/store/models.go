package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one consultation: a bounded sequence of persisted turns.
type Session struct {
	ID         string    `json:"id"`      // UUID
	UserID     string    `json:"user_id"` // identity provider subject
	Title      *string   `json:"title"`   // Nullable, generated after the first turn
	TopicTitle string    `json:"topic_title,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"` // ULID
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type PoolKind string

const (
	PoolCourse  PoolKind = "course"
	PoolProject PoolKind = "project"
)

// Pool names a knowledge collection. Project pools are scoped by group id.
type Pool struct {
	Kind    PoolKind
	GroupID string
}

func CoursePool() Pool {
	return Pool{Kind: PoolCourse}
}

func ProjectPool(groupID string) Pool {
	return Pool{Kind: PoolProject, GroupID: groupID}
}

func (p Pool) String() string {
	if p.Kind == PoolProject {
		return string(p.Kind) + ":" + p.GroupID
	}
	return string(p.Kind)
}

type KnowledgeChunk struct {
	ID            int64     `json:"id"`
	Pool          PoolKind  `json:"pool"`
	GroupID       string    `json:"group_id,omitempty"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"`
	EmbeddingJSON string    `json:"-"` // Store as JSON string for DB
}

// ScoredChunk is a search hit with its cosine similarity to the query.
type ScoredChunk struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}
