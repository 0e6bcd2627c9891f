package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/core"
	"courseportal.dev/consult/internal/metrics"
	"courseportal.dev/consult/internal/store"
)

const relayBufSize = 4096

// Pinger reports whether a dependency can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyFunc reports whether an optional dependency is usable.
type ReadyFunc func(ctx context.Context) error

type APIHandler struct {
	proxy         *core.ChatProxy
	chats         *core.ChatService
	db            Pinger
	embedderReady ReadyFunc
	jwtSecret     string
	streamTimeout time.Duration
	logger        zerolog.Logger
}

type HandlerOptions struct {
	JWTSecret     string
	StreamTimeout time.Duration
	// EmbedderReady is reported by /ready but never fails it: retrieval degrades.
	EmbedderReady ReadyFunc
}

func NewAPIHandler(proxy *core.ChatProxy, chats *core.ChatService, db Pinger, opts HandlerOptions, logger zerolog.Logger) *APIHandler {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 2 * time.Minute
	}
	return &APIHandler{
		proxy:         proxy,
		chats:         chats,
		db:            db,
		embedderReady: opts.EmbedderReady,
		jwtSecret:     opts.JWTSecret,
		streamTimeout: opts.StreamTimeout,
		logger:        logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the normalized {error, code} body. Details of
// internal and upstream failures are logged, never sent.
func writeError(w http.ResponseWriter, err error, logger *zerolog.Logger) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	if logger != nil {
		event := logger.Warn()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.Err(err).Str("kind", string(kind)).Int("status", status).Msg("request failed")
	}

	writeJSON(w, status, errorResponse{Error: apperr.PublicMessage(err), Code: string(kind)})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.New(apperr.KindInvalidInput, "request body too large")
		}
		return apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err)
	}
	return nil
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler fails only when the session store is unreachable.
func (h *APIHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "embedder": "ok"}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("store not ready")
		checks["store"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.embedderReady != nil {
		if err := h.embedderReady(ctx); err != nil {
			checks["embedder"] = "degraded"
		}
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// ChatHandler validates the request and relays the upstream SSE body
// unchanged. Errors before the first byte are answered as JSON.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := UserIDFrom(r.Context())
	logger := h.logger.With().Str("user_id", userID).Logger()

	var req core.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, &logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.streamTimeout)
	defer cancel()

	body, err := h.proxy.Stream(ctx, userID, &req)
	if err != nil {
		writeError(w, err, &logger)
		return
	}
	defer body.Close()

	h.relay(ctx, w, body, start, logger)
}

func (h *APIHandler) relay(ctx context.Context, w http.ResponseWriter, body io.Reader, start time.Time, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		logger.Warn().Msg("response writer cannot flush, stream will be buffered")
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	buf := make([]byte, relayBufSize)
	first := true
	var relayed int
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if first {
				metrics.TimeToFirstByte.Observe(time.Since(start).Seconds())
				first = false
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Err(werr).Msg("client went away")
				return
			}
			if canFlush {
				flusher.Flush()
			}
			relayed += n
			metrics.RelayedBytesTotal.Add(float64(n))
		}
		if errors.Is(err, io.EOF) {
			logger.Debug().Int("bytes", relayed).Msg("stream relayed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Err(ctx.Err()).Int("bytes", relayed).Msg("stream ended early")
				return
			}
			logger.Error().Err(err).Int("bytes", relayed).Msg("upstream stream interrupted")
			return
		}
	}
}

type CreateSessionRequest struct {
	TopicTitle string `json:"topicTitle"`
	GroupID    string `json:"groupId"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())

	var req CreateSessionRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err, &h.logger)
			return
		}
	}

	session, err := h.chats.CreateSession(r.Context(), userID, req.TopicTitle, req.GroupID)
	if err != nil {
		writeError(w, err, &h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chats.ListSessions(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, err, &h.logger)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type SessionDetailsResponse struct {
	*store.Session
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetSessionDetailsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, messages, err := h.chats.GetSessionDetails(r.Context(), sessionID, UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, err, &h.logger)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, SessionDetailsResponse{Session: session, Messages: messages})
}

// AppendTurnHandler persists a completed question and answer pair.
func (h *APIHandler) AppendTurnHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req core.TurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, &h.logger)
		return
	}

	stored, err := h.chats.AppendTurn(r.Context(), sessionID, UserIDFrom(r.Context()), &req)
	if err != nil {
		writeError(w, err, &h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}
