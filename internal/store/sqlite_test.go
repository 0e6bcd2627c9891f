package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_SessionOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "alice", "Binary Trees", "g1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Nil(t, session.Title)

	got, err := s.GetSession(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Binary Trees", got.TopicTitle)
	assert.Equal(t, "g1", got.GroupID)

	other, err := s.GetSession(ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, other)

	missing, err := s.GetSession(ctx, "does-not-exist", "alice")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_UpdateSessionTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionTitle(ctx, session.ID, "alice", "Recursion help"))
	assert.Error(t, s.UpdateSessionTitle(ctx, session.ID, "bob", "Hijack"))

	got, err := s.GetSession(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Recursion help", *got.Title)

	list, err := s.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLiteStore_AppendAndListMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	stored, err := s.AppendMessages(ctx, session.ID, []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "second"},
	}, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.NotEmpty(t, stored[0].ID)
	assert.Equal(t, session.ID, stored[1].SessionID)

	_, err = s.AppendMessages(ctx, session.ID, []Message{{Role: RoleUser, Content: "third"}}, 10)
	require.NoError(t, err)

	all, err := s.ListMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Content)
	assert.Equal(t, "third", all[2].Content)

	recent, err := s.ListMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Content)
	assert.Equal(t, "third", recent[1].Content)

	count, err := s.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSQLiteStore_AppendMessagesRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	turn := []Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "a"}}
	_, err = s.AppendMessages(ctx, session.ID, turn, 3)
	require.NoError(t, err)

	_, err = s.AppendMessages(ctx, session.ID, turn, 3)
	assert.ErrorIs(t, err, ErrCeilingReached)

	count, err := s.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "a rejected turn must not be partially written")
}

func TestSQLiteStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceChunks(ctx, CoursePool(), []KnowledgeChunk{
		{Title: "Week 1", Content: "Intro", Embedding: []float32{1, 0}},
		{Title: "Week 2", Content: "Loops", Embedding: []float32{0, 1}},
	}))
	require.NoError(t, s.ReplaceChunks(ctx, ProjectPool("g1"), []KnowledgeChunk{
		{Title: "Scope", Content: "Build a CLI", Embedding: []float32{0.5, 0.5}},
	}))

	// Re-ingesting the course pool drops the old course rows only.
	require.NoError(t, s.ReplaceChunks(ctx, CoursePool(), []KnowledgeChunk{
		{Title: "Week 1", Content: "Intro v2", Embedding: []float32{1, 0}},
	}))

	chunks, err := s.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	byPool := map[PoolKind]KnowledgeChunk{}
	for _, c := range chunks {
		byPool[c.Pool] = c
	}
	assert.Equal(t, "Intro v2", byPool[PoolCourse].Content)
	assert.Equal(t, []float32{1, 0}, byPool[PoolCourse].Embedding)
	assert.Equal(t, "g1", byPool[PoolProject].GroupID)
}

func TestSQLiteStore_ListChunksToleratesCorruptEmbedding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceChunks(ctx, CoursePool(), []KnowledgeChunk{
		{Title: "Week 1", Content: "Intro", Embedding: []float32{1, 0}},
	}))
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO knowledge_chunks (pool, group_id, title, content, embedding_json) VALUES (?, ?, ?, ?, ?)",
		string(PoolCourse), "", "Week 2", "Loops", "[1, 0,")
	require.NoError(t, err)

	chunks, err := s.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	byTitle := map[string]KnowledgeChunk{}
	for _, c := range chunks {
		byTitle[c.Title] = c
	}
	assert.Equal(t, []float32{1, 0}, byTitle["Week 1"].Embedding)
	assert.Nil(t, byTitle["Week 2"].Embedding)
	assert.Equal(t, "Loops", byTitle["Week 2"].Content)
}
