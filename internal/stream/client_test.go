package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/core"
)

func hello() *core.ChatRequest {
	return &core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "Hello"}}}
}

type recorder struct {
	deltas    []string
	completed int
	text      string
	err       error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnDelta: func(d string) { r.deltas = append(r.deltas, d) },
		OnComplete: func(text string, err error) {
			r.completed++
			r.text = text
			r.err = err
		},
	}
}

func TestClient_ChatStreamsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		flusher.Flush()
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\ndata: [DONE]\n")
		flusher.Flush()
	}))
	defer srv.Close()

	rec := &recorder{}
	text, err := NewClient(srv.URL, "tok", zerolog.Nop()).Chat(context.Background(), hello(), rec.handlers())
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, []string{"Hi", " there"}, rec.deltas)
	assert.Equal(t, 1, rec.completed)
	assert.NoError(t, rec.err)
}

func TestClient_ChatErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperr.Kind
	}{
		{"rate limited with code", http.StatusTooManyRequests, `{"error":"slow down","code":"rate_limited"}`, apperr.KindRateLimited},
		{"session ceiling", http.StatusTooManyRequests, `{"error":"limit","code":"limit_reached"}`, apperr.KindLimitReached},
		{"quota without code", http.StatusPaymentRequired, `{"error":"credits"}`, apperr.KindQuotaExhausted},
		{"plain text 500", http.StatusInternalServerError, "boom", apperr.KindUpstream},
		{"forbidden", http.StatusForbidden, `{"error":"no","code":"forbidden"}`, apperr.KindForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			rec := &recorder{}
			_, err := NewClient(srv.URL, "tok", zerolog.Nop()).Chat(context.Background(), hello(), rec.handlers())
			assert.Equal(t, tt.want, apperr.KindOf(err))
			assert.Empty(t, rec.deltas)
			assert.Equal(t, 1, rec.completed)
			assert.Equal(t, tt.want, apperr.KindOf(rec.err))
		})
	}
}

func TestClient_ChatEmptyBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorder{}
	_, err := NewClient(srv.URL, "tok", zerolog.Nop()).Chat(context.Background(), hello(), rec.handlers())
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, 1, rec.completed)
}

func TestClient_ChatAbortStopsDeltas(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	h := rec.handlers()
	onDelta := h.OnDelta
	h.OnDelta = func(d string) {
		onDelta(d)
		cancel()
	}

	_, err := NewClient(srv.URL, "tok", zerolog.Nop()).Chat(ctx, hello(), h)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, rec.deltas)
	assert.Equal(t, 1, rec.completed)
}
