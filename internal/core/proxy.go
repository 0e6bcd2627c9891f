package core

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/config"
	"courseportal.dev/consult/internal/metrics"
	"courseportal.dev/consult/internal/retrieval"
	"courseportal.dev/consult/internal/store"
)

var tracer = otel.Tracer("consult.core")

// ContextBuilder returns formatted reference material for a query, or "".
type ContextBuilder interface {
	BuildContext(ctx context.Context, query, groupID string) string
}

// WebSearch looks a query up on the web.
type WebSearch interface {
	Search(ctx context.Context, query string) ([]retrieval.WebResult, error)
}

type ProxyOptions struct {
	Ceiling          int
	HeuristicEnabled bool
}

// ChatProxy validates chat requests, assembles the prompt and opens the
// upstream completion stream.
type ChatProxy struct {
	sessions  store.SessionStore
	retriever ContextBuilder
	web       WebSearch
	gateway   CompletionGateway
	validator *RequestValidator
	prompts   *config.Prompts
	intent    []*regexp.Regexp
	opts      ProxyOptions
	logger    zerolog.Logger
}

// NewChatProxy wires the proxy. web may be nil.
func NewChatProxy(
	sessions store.SessionStore,
	retriever ContextBuilder,
	web WebSearch,
	gateway CompletionGateway,
	validator *RequestValidator,
	prompts *config.Prompts,
	opts ProxyOptions,
	logger zerolog.Logger,
) (*ChatProxy, error) {
	if err := prompts.CheckTopicPrompt(); err != nil {
		return nil, err
	}
	intent, err := prompts.CompileSearchIntent()
	if err != nil {
		return nil, err
	}
	return &ChatProxy{
		sessions:  sessions,
		retriever: retriever,
		web:       web,
		gateway:   gateway,
		validator: validator,
		prompts:   prompts,
		intent:    intent,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Stream runs every check, then issues exactly one streaming completion call.
// The returned body must be closed by the caller.
func (p *ChatProxy) Stream(ctx context.Context, userID string, req *ChatRequest) (io.ReadCloser, error) {
	messages, err := p.Prepare(ctx, userID, req)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chat.Completion")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.prompt_messages", len(messages)))

	body, err := p.gateway.StreamCompletion(ctx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		metrics.ChatRequestsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	metrics.ChatRequestsTotal.WithLabelValues("streamed").Inc()
	return body, nil
}

// Prepare validates req and returns the message list that would be sent
// upstream. No completion call is made.
func (p *ChatProxy) Prepare(ctx context.Context, userID string, req *ChatRequest) ([]ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "chat.Prepare")
	defer span.End()

	if err := p.validator.ValidateChatRequest(req); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return nil, err
	}

	topicTitle := req.TopicTitle
	groupID := req.GroupID
	if req.SessionID != "" {
		session, err := p.checkSession(ctx, userID, req.SessionID)
		if err != nil {
			span.SetStatus(codes.Error, string(apperr.KindOf(err)))
			return nil, err
		}
		if topicTitle == "" {
			topicTitle = session.TopicTitle
		}
		if groupID == "" {
			groupID = session.GroupID
		}
	}

	query := lastUserContent(req.Messages)
	trigger := TriggerFor(req.EnableRAG, p.opts.HeuristicEnabled, p.intent)
	span.SetAttributes(attribute.String("chat.retrieval_trigger", trigger.String()))

	var retrieved string
	if query != "" && trigger.ShouldRetrieve(query) {
		retrieved = p.retrieve(ctx, trigger, query, groupID)
	}
	span.SetAttributes(attribute.Bool("chat.context_attached", retrieved != ""))

	system := req.SystemPrompt
	if system == "" {
		system = p.prompts.SystemPrompt
	}
	if topicTitle != "" && p.prompts.TopicPrompt != "" {
		system += "\n\n" + fmt.Sprintf(p.prompts.TopicPrompt, topicTitle)
	}

	return AssemblePrompt(system, p.prompts.ContextInstruction, retrieved, req.Messages), nil
}

// checkSession enforces ownership and the advisory ceiling check. The
// authoritative ceiling check happens when the turn is persisted.
func (p *ChatProxy) checkSession(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	session, err := p.sessions.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load session", err)
	}
	if session == nil {
		return nil, apperr.New(apperr.KindForbidden, "session not found or access denied")
	}

	count, err := p.sessions.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to count session messages", err)
	}
	if p.opts.Ceiling > 0 && count >= p.opts.Ceiling {
		return nil, apperr.Newf(apperr.KindLimitReached, "this consultation reached its limit of %d messages, please start a new one", p.opts.Ceiling)
	}
	return session, nil
}

func (p *ChatProxy) retrieve(ctx context.Context, trigger RetrievalTrigger, query, groupID string) string {
	var sections []string
	if p.retriever != nil {
		if c := p.retriever.BuildContext(ctx, query, groupID); c != "" {
			sections = append(sections, c)
		}
	}

	// Web results only back up the search-intent heuristic.
	if trigger.IsHeuristic() && p.web != nil {
		results, err := p.web.Search(ctx, query)
		if err != nil {
			p.logger.Warn().Err(err).Msg("web search failed, continuing without it")
		} else if s := retrieval.FormatWebResults(results); s != "" {
			sections = append(sections, s)
		}
	}
	return strings.Join(sections, "\n\n")
}

// AssemblePrompt builds [system] + [context instruction, if any] + history.
func AssemblePrompt(system, instruction, retrieved string, history []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+2)
	out = append(out, ChatMessage{Role: RoleSystem, Content: system})
	if retrieved != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: instruction + "\n\n" + retrieved})
	}
	return append(out, history...)
}
