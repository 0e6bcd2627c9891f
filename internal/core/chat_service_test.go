package core

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseportal.dev/consult/internal/apperr"
)

type fakeTitles struct {
	calls atomic.Int32
	basis atomic.Value
}

func (f *fakeTitles) GenerateTitle(ctx context.Context, basis string) (string, error) {
	f.calls.Add(1)
	f.basis.Store(basis)
	return `"Recursion basics."`, nil
}

func newTestChatService(t *testing.T, ceiling int, titles TitleGenerator) (*ChatService, func()) {
	t.Helper()
	db := newTestDB(t)
	svc := NewChatService(db, titles, NewRequestValidator(DefaultLimits()), ceiling, zerolog.Nop())
	return svc, svc.Wait
}

func turn(q, a string) *TurnRequest {
	return &TurnRequest{Messages: []ChatMessage{{Role: RoleUser, Content: q}, {Role: RoleAssistant, Content: a}}}
}

func TestChatService_AppendTurnAndTitle(t *testing.T) {
	ctx := context.Background()
	titles := &fakeTitles{}
	svc, wait := newTestChatService(t, 50, titles)

	session, err := svc.CreateSession(ctx, "alice", "Recursion", "")
	require.NoError(t, err)

	stored, err := svc.AppendTurn(ctx, session.ID, "alice", turn("What is recursion?", "A function calling itself."))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	wait()

	assert.Equal(t, int32(1), titles.calls.Load())
	assert.Equal(t, "What is recursion?", titles.basis.Load())

	got, msgs, err := svc.GetSessionDetails(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Recursion basics", *got.Title)
	require.Len(t, msgs, 2)
	assert.Equal(t, "What is recursion?", msgs[0].Content)

	// A titled session is not titled again.
	_, err = svc.AppendTurn(ctx, session.ID, "alice", turn("And base cases?", "They stop it."))
	require.NoError(t, err)
	wait()
	assert.Equal(t, int32(1), titles.calls.Load())
}

func TestChatService_AppendTurnEnforcesCeiling(t *testing.T) {
	ctx := context.Background()
	svc, wait := newTestChatService(t, 3, nil)
	defer wait()

	session, err := svc.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, session.ID, "alice", turn("q1", "a1"))
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, session.ID, "alice", turn("q2", "a2"))
	assert.Equal(t, apperr.KindLimitReached, apperr.KindOf(err))

	_, msgs, err := svc.GetSessionDetails(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestChatService_Ownership(t *testing.T) {
	ctx := context.Background()
	svc, wait := newTestChatService(t, 50, nil)
	defer wait()

	session, err := svc.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, session.ID, "mallory", turn("q", "a"))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, _, err = svc.GetSessionDetails(ctx, session.ID, "mallory")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	list, err := svc.ListSessions(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestChatService_AppendTurnValidates(t *testing.T) {
	ctx := context.Background()
	svc, wait := newTestChatService(t, 50, nil)
	defer wait()

	session, err := svc.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, session.ID, "alice", &TurnRequest{})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}
