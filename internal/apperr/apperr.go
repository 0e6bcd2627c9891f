package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures of the chat pipeline.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindLimitReached         Kind = "limit_reached"
	KindRateLimited          Kind = "rate_limited"
	KindQuotaExhausted       Kind = "quota_exhausted"
	KindUpstream             Kind = "upstream_error"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindStreamParseAnomaly   Kind = "stream_parse_anomaly"
	KindInternal             Kind = "internal"
)

// Error is the structured error carried from services to the HTTP layer.
// Status holds the upstream HTTP status when the failure came from a remote call.
type Error struct {
	Kind   Kind
	Msg    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, apperr.New(KindForbidden, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code the proxy answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindLimitReached, KindRateLimited:
		return http.StatusTooManyRequests
	case KindQuotaExhausted:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the user-facing text for a failure. Internal and upstream
// details never leave the server.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Kind {
	case KindInvalidInput, KindForbidden, KindNotFound, KindLimitReached:
		return e.Msg
	case KindRateLimited:
		return "Rate limit exceeded. Please try again in a moment."
	case KindQuotaExhausted:
		return "AI credits exhausted. Please contact the course staff."
	case KindUpstream:
		return "The AI service failed to respond. Please try again."
	default:
		return "internal server error"
	}
}

// FromUpstreamStatus classifies a non-2xx status from the completion gateway.
func FromUpstreamStatus(status int, body string) *Error {
	switch status {
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Msg: "upstream rate limit", Status: status}
	case http.StatusPaymentRequired:
		return &Error{Kind: KindQuotaExhausted, Msg: "upstream quota exhausted", Status: status}
	default:
		return &Error{Kind: KindUpstream, Msg: fmt.Sprintf("upstream returned status %d: %s", status, body), Status: status}
	}
}

// FromResponse rebuilds a normalized error from a proxy error response on the
// client side. The code field wins over the status when it is known.
func FromResponse(status int, code, msg string) *Error {
	kind := Kind(code)
	switch kind {
	case KindInvalidInput, KindForbidden, KindNotFound, KindLimitReached,
		KindRateLimited, KindQuotaExhausted, KindUpstream:
	default:
		switch status {
		case http.StatusBadRequest:
			kind = KindInvalidInput
		case http.StatusForbidden, http.StatusUnauthorized:
			kind = KindForbidden
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusTooManyRequests:
			kind = KindRateLimited
		case http.StatusPaymentRequired:
			kind = KindQuotaExhausted
		default:
			kind = KindUpstream
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Kind: kind, Msg: msg, Status: status}
}
