package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/config"
	"courseportal.dev/consult/internal/retrieval"
	"courseportal.dev/consult/internal/store"
)

// fakeGateway records every prompt it is asked to complete.
type fakeGateway struct {
	calls    atomic.Int32
	messages []ChatMessage
	err      error
}

func (f *fakeGateway) StreamCompletion(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	f.calls.Add(1)
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

type stubContext string

func (s stubContext) BuildContext(ctx context.Context, query, groupID string) string {
	return string(s)
}

type stubWeb struct {
	results []retrieval.WebResult
	calls   int
}

func (s *stubWeb) Search(ctx context.Context, query string) ([]retrieval.WebResult, error) {
	s.calls++
	return s.results, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, apperr.New(apperr.KindEmbeddingUnavailable, "no key")
}
func (failingEmbedder) Ready(ctx context.Context) error { return errors.New("no key") }
func (failingEmbedder) Close() error                    { return nil }

type emptyIndex struct{}

func (emptyIndex) SearchChunks(ctx context.Context, embedding []float32, pool store.Pool, limit int, threshold float64) ([]store.ScoredChunk, error) {
	return nil, nil
}

func newTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestProxy(t *testing.T, db store.SessionStore, retriever ContextBuilder, web WebSearch, gw CompletionGateway, ceiling int) *ChatProxy {
	t.Helper()
	p, err := NewChatProxy(db, retriever, web, gw, NewRequestValidator(DefaultLimits()), config.DefaultPrompts(),
		ProxyOptions{Ceiling: ceiling, HeuristicEnabled: true}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestChatProxy_ForwardsSystemAndHistoryWithStreamFlag(t *testing.T) {
	var captured completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gw-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "gw-key", "chat-model", zerolog.Nop())
	p := newTestProxy(t, newTestDB(t), stubContext("should not be used"), nil, gw, 50)

	body, err := p.Stream(context.Background(), "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "Hello"}},
		EnableRAG: boolPtr(false),
	})
	require.NoError(t, err)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, "data: [DONE]\n\n", string(raw))
	assert.True(t, captured.Stream)
	assert.Equal(t, "chat-model", captured.Model)
	assert.Equal(t, []ChatMessage{
		{Role: RoleSystem, Content: config.DefaultPrompts().SystemPrompt},
		{Role: RoleUser, Content: "Hello"},
	}, captured.Messages)
}

func TestChatProxy_CeilingRejectsWithoutCompletionCall(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	session, err := db.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)
	_, err = db.AppendMessages(ctx, session.ID, []store.Message{
		{Role: store.RoleUser, Content: "q"},
		{Role: store.RoleAssistant, Content: "a"},
	}, 2)
	require.NoError(t, err)

	gw := &fakeGateway{}
	p := newTestProxy(t, db, nil, nil, gw, 2)

	_, err = p.Stream(ctx, "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "one more"}},
		SessionID: session.ID,
	})
	assert.Equal(t, apperr.KindLimitReached, apperr.KindOf(err))
	assert.Equal(t, int32(0), gw.calls.Load())
}

// One message below the ceiling the proxy still answers, but the resulting
// two-message turn no longer fits and is refused as a whole.
func TestChatProxy_OneBelowCeilingStreamsButTurnIsRefused(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	session, err := db.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	history := make([]store.Message, 49)
	for i := range history {
		history[i] = store.Message{Role: store.RoleUser, Content: "q"}
		if i%2 == 1 {
			history[i].Role = store.RoleAssistant
		}
	}
	_, err = db.AppendMessages(ctx, session.ID, history, 50)
	require.NoError(t, err)

	gw := &fakeGateway{}
	p := newTestProxy(t, db, nil, nil, gw, 50)
	body, err := p.Stream(ctx, "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "last one"}},
		SessionID: session.ID,
	})
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, int32(1), gw.calls.Load())

	svc := NewChatService(db, nil, NewRequestValidator(DefaultLimits()), 50, zerolog.Nop())
	defer svc.Wait()
	_, err = svc.AppendTurn(ctx, session.ID, "alice", turn("last one", "answer"))
	assert.Equal(t, apperr.KindLimitReached, apperr.KindOf(err))

	count, err := db.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 49, count)
}

func TestNewChatProxy_RejectsUnsafeTopicPrompt(t *testing.T) {
	prompts := config.DefaultPrompts()
	prompts.TopicPrompt = "Topic %s scored %d"
	_, err := NewChatProxy(newTestDB(t), nil, nil, &fakeGateway{}, NewRequestValidator(DefaultLimits()), prompts,
		ProxyOptions{Ceiling: 50}, zerolog.Nop())
	assert.ErrorContains(t, err, "topic_prompt")
}

func TestChatProxy_ForeignSessionIsForbidden(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	session, err := db.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	gw := &fakeGateway{}
	p := newTestProxy(t, db, nil, nil, gw, 50)

	_, err = p.Stream(ctx, "mallory", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "hi"}},
		SessionID: session.ID,
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = p.Stream(ctx, "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "hi"}},
		SessionID: "missing",
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, int32(0), gw.calls.Load())
}

func TestChatProxy_InvalidInputMakesNoCalls(t *testing.T) {
	gw := &fakeGateway{}
	p := newTestProxy(t, newTestDB(t), nil, nil, gw, 50)

	_, err := p.Stream(context.Background(), "alice", &ChatRequest{Messages: userMessages(101)})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = p.Stream(context.Background(), "alice", &ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: strings.Repeat("x", 60*1024)}},
	})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Equal(t, int32(0), gw.calls.Load())
}

func TestChatProxy_EmbeddingFailureDegradesToPlainPrompt(t *testing.T) {
	helper := retrieval.NewHelper(failingEmbedder{}, emptyIndex{}, 3, 0.7, zerolog.Nop())
	gw := &fakeGateway{}
	p := newTestProxy(t, newTestDB(t), helper, nil, gw, 50)

	body, err := p.Stream(context.Background(), "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "What is on the exam?"}},
		EnableRAG: boolPtr(true),
	})
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, int32(1), gw.calls.Load())
	assert.Equal(t, []ChatMessage{
		{Role: RoleSystem, Content: config.DefaultPrompts().SystemPrompt},
		{Role: RoleUser, Content: "What is on the exam?"},
	}, gw.messages)
}

func TestChatProxy_RetrievedContextFollowsSystemPrompt(t *testing.T) {
	gw := &fakeGateway{}
	p := newTestProxy(t, newTestDB(t), stubContext("## Relevant Course Information\n\n### Exam\nWeek 12."), nil, gw, 50)

	msgs, err := p.Prepare(context.Background(), "alice", &ChatRequest{
		Messages:     []ChatMessage{{Role: RoleUser, Content: "When is the exam?"}},
		SystemPrompt: "Custom prompt",
		TopicTitle:   "Exams",
		EnableRAG:    boolPtr(true),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "Custom prompt"))
	assert.Contains(t, msgs[0].Content, "Exams")
	assert.Equal(t, RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, config.DefaultPrompts().ContextInstruction)
	assert.Contains(t, msgs[1].Content, "### Exam\nWeek 12.")
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "When is the exam?"}, msgs[2])
	assert.Equal(t, int32(0), gw.calls.Load(), "Prepare never calls the gateway")
}

func TestChatProxy_HeuristicAddsWebResults(t *testing.T) {
	web := &stubWeb{results: []retrieval.WebResult{{Title: "News", URL: "https://example.org", Snippet: "Fresh."}}}
	p := newTestProxy(t, newTestDB(t), stubContext(""), web, &fakeGateway{}, 50)

	msgs, err := p.Prepare(context.Background(), "alice", &ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "search for recent news on quantum computing"}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Content, "## Web Search Results")
	assert.Equal(t, 1, web.calls)

	// An explicit flag never consults the web.
	_, err = p.Prepare(context.Background(), "alice", &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "search for recent news"}},
		EnableRAG: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, web.calls)
}

func TestHTTPGateway_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
	}{
		{http.StatusTooManyRequests, apperr.KindRateLimited},
		{http.StatusPaymentRequired, apperr.KindQuotaExhausted},
		{http.StatusInternalServerError, apperr.KindUpstream},
		{http.StatusBadRequest, apperr.KindUpstream},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			gw := NewHTTPGateway(srv.URL, "key", "m", zerolog.Nop())
			body, err := gw.StreamCompletion(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}})
			assert.Nil(t, body)
			assert.Equal(t, tt.want, apperr.KindOf(err))

			var ae *apperr.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.status, ae.Status)
			assert.Equal(t, tt.want == apperr.KindUpstream, apperr.HTTPStatus(ae.Kind) == http.StatusInternalServerError)
		})
	}
}
