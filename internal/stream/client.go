package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/core"
	"courseportal.dev/consult/internal/store"
)

// Handlers receive the outcome of one chat stream. OnComplete is called
// exactly once, with the assembled text and a nil error on success.
type Handlers struct {
	OnDelta    func(delta string)
	OnComplete func(text string, err error)
}

// Client calls the consultation API on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Chat posts req to /api/chat and consumes the streamed answer. Cancelling
// ctx aborts the stream; no delta is delivered after that.
func (c *Client) Chat(ctx context.Context, req *core.ChatRequest, h Handlers) (string, error) {
	text, err := c.chat(ctx, req, h.OnDelta)
	if h.OnComplete != nil {
		h.OnComplete(text, err)
	}
	return text, err
}

func (c *Client) chat(ctx context.Context, req *core.ChatRequest, onDelta func(string)) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeError(resp)
	}
	if resp.ContentLength == 0 {
		return "", apperr.New(apperr.KindUpstream, "empty response body")
	}

	consumer := NewConsumer(onDelta, c.logger)
	if err := consumer.Run(ctx, resp.Body); err != nil {
		return consumer.Text(), err
	}
	return consumer.Text(), nil
}

func (c *Client) CreateSession(ctx context.Context, topicTitle, groupID string) (*store.Session, error) {
	var session store.Session
	body := map[string]string{"topicTitle": topicTitle, "groupId": groupID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]store.Session, error) {
	var sessions []store.Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// AppendTurn persists a completed question and answer.
func (c *Client) AppendTurn(ctx context.Context, sessionID string, messages []core.ChatMessage) ([]store.Message, error) {
	var stored []store.Message
	path := "/api/sessions/" + sessionID + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, core.TurnRequest{Messages: messages}, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.KindUpstream, "request failed", err)
	}
	return resp, nil
}

// decodeError normalizes an error response of the API.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil {
		body.Error = strings.TrimSpace(string(raw))
	}
	return apperr.FromResponse(resp.StatusCode, body.Code, body.Error)
}
