package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/store"
)

const titleTimeout = 30 * time.Second

// ChatService manages consultations and persists completed turns.
type ChatService struct {
	store     store.SessionStore
	titles    TitleGenerator
	validator *RequestValidator
	ceiling   int
	logger    zerolog.Logger

	titling sync.Map // session id -> struct{}, titles in flight
	wg      sync.WaitGroup
}

// NewChatService wires the service. titles may be nil to skip titling.
func NewChatService(s store.SessionStore, titles TitleGenerator, validator *RequestValidator, ceiling int, logger zerolog.Logger) *ChatService {
	return &ChatService{
		store:     s,
		titles:    titles,
		validator: validator,
		ceiling:   ceiling,
		logger:    logger,
	}
}

func (s *ChatService) CreateSession(ctx context.Context, userID, topicTitle, groupID string) (*store.Session, error) {
	session, err := s.store.CreateSession(ctx, userID, topicTitle, groupID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create session", err)
	}
	return session, nil
}

func (s *ChatService) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list sessions", err)
	}
	return sessions, nil
}

func (s *ChatService) GetSessionDetails(ctx context.Context, sessionID, userID string) (*store.Session, []store.Message, error) {
	session, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to get session", err)
	}
	if session == nil {
		return nil, nil, apperr.New(apperr.KindNotFound, "session not found")
	}

	messages, err := s.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to get messages for session", err)
	}
	return session, messages, nil
}

// AppendTurn persists a completed turn. The ceiling is enforced atomically
// with the insert, so concurrent turns cannot push a session past it.
func (s *ChatService) AppendTurn(ctx context.Context, sessionID, userID string, req *TurnRequest) ([]store.Message, error) {
	if err := s.validator.ValidateTurn(req); err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to verify session", err)
	}
	if session == nil {
		return nil, apperr.New(apperr.KindForbidden, "session not found or access denied")
	}

	msgs := make([]store.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, store.Message{Role: store.Role(m.Role), Content: m.Content})
	}

	stored, err := s.store.AppendMessages(ctx, sessionID, msgs, s.ceiling)
	if err != nil {
		if errors.Is(err, store.ErrCeilingReached) {
			return nil, apperr.Newf(apperr.KindLimitReached, "this consultation reached its limit of %d messages, please start a new one", s.ceiling)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to store messages", err)
	}

	if session.Title == nil || *session.Title == "" {
		if basis := firstUserContent(stored); basis != "" {
			s.titleAsync(sessionID, userID, basis)
		}
	}
	return stored, nil
}

func (s *ChatService) titleAsync(sessionID, userID, basis string) {
	if s.titles == nil {
		return
	}
	if _, busy := s.titling.LoadOrStore(sessionID, struct{}{}); busy {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.titling.Delete(sessionID)
		s.generateAndSaveTitle(sessionID, userID, basis)
	}()
}

func (s *ChatService) generateAndSaveTitle(sessionID, userID, basis string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	log := s.logger.With().Str("session_id", sessionID).Logger()
	title, err := s.titles.GenerateTitle(ctx, basis)
	if err != nil {
		log.Warn().Err(err).Msg("failed to generate session title")
		return
	}
	title = cleanTitle(title)

	if err := s.store.UpdateSessionTitle(ctx, sessionID, userID, title); err != nil {
		log.Warn().Err(err).Str("title", title).Msg("failed to save generated title")
		return
	}
	log.Info().Str("title", title).Msg("session title saved")
}

// Wait blocks until background title generation has finished.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

func firstUserContent(msgs []store.Message) string {
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			return m.Content
		}
	}
	return ""
}
