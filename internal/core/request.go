package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"courseportal.dev/consult/internal/apperr"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry of a conversation as sent to the completion
// gateway. Clients may only submit user and assistant roles.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages     []ChatMessage `json:"messages" validate:"required,min=1,maxmessages,dive"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	GroupID      string        `json:"groupId,omitempty"`
	TopicTitle   string        `json:"topicTitle,omitempty"`
	EnableRAG    *bool         `json:"enableRAG,omitempty"`
}

// TurnRequest is the body of POST /api/sessions/{id}/messages.
type TurnRequest struct {
	Messages []ChatMessage `json:"messages" validate:"required,min=1,maxmessages,dive"`
}

type Limits struct {
	MaxMessages     int
	MaxContentBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxMessages: 100, MaxContentBytes: 50 * 1024}
}

// RequestValidator checks request bodies before any external call is made.
type RequestValidator struct {
	validate *validator.Validate
	limits   Limits
}

func NewRequestValidator(limits Limits) *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// Byte length, not rune count.
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= limits.MaxContentBytes
	})
	_ = v.RegisterValidation("maxmessages", func(fl validator.FieldLevel) bool {
		return fl.Field().Len() <= limits.MaxMessages
	})
	return &RequestValidator{validate: v, limits: limits}
}

func (rv *RequestValidator) ValidateChatRequest(req *ChatRequest) error {
	return rv.check(rv.validate.Struct(req))
}

func (rv *RequestValidator) ValidateTurn(req *TurnRequest) error {
	return rv.check(rv.validate.Struct(req))
}

func (rv *RequestValidator) check(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid request", err)
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required", "min":
		if fe.Field() == "messages" {
			return apperr.New(apperr.KindInvalidInput, "messages must not be empty")
		}
		return apperr.Newf(apperr.KindInvalidInput, "%s is required", fe.Namespace())
	case "maxmessages":
		return apperr.Newf(apperr.KindInvalidInput, "too many messages: at most %d are allowed", rv.limits.MaxMessages)
	case "maxbytes":
		return apperr.Newf(apperr.KindInvalidInput, "message content exceeds %d bytes", rv.limits.MaxContentBytes)
	case "oneof":
		return apperr.New(apperr.KindInvalidInput, `message role must be "user" or "assistant"`)
	default:
		return apperr.New(apperr.KindInvalidInput, fmt.Sprintf("invalid field %s", fe.Namespace()))
	}
}

// lastUserContent returns the latest user message, which drives retrieval.
func lastUserContent(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
