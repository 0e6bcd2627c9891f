// Package stream consumes the relayed completion stream on the client side.
//
// Bytes may arrive in arbitrary chunks: a UTF-8 sequence, an SSE line or a
// JSON payload can be split across reads. The Consumer decodes incrementally,
// buffers unterminated tails and emits content deltas strictly in arrival
// order through a single callback.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"courseportal.dev/consult/internal/apperr"
	"courseportal.dev/consult/internal/metrics"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	dataPrefix  = "data: "
	doneMarker  = "[DONE]"
	readBufSize = 4096
)

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Consumer turns an SSE byte stream into ordered content deltas.
// A Consumer is single-use and not safe for concurrent use.
type Consumer struct {
	onDelta func(string)
	logger  zerolog.Logger

	state   State
	pending string
	text    strings.Builder
	done    bool
	aborted bool
}

func NewConsumer(onDelta func(string), logger zerolog.Logger) *Consumer {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return &Consumer{onDelta: onDelta, logger: logger}
}

func (c *Consumer) State() State { return c.state }

// Text is everything emitted so far.
func (c *Consumer) Text() string { return c.text.String() }

// Run reads r until [DONE], EOF, a read error or ctx cancellation. After ctx
// is cancelled no further delta is emitted.
func (c *Consumer) Run(ctx context.Context, r io.Reader) error {
	c.state = StateStreaming
	decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())
	buf := make([]byte, readBufSize)

	for {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}

		n, err := decoded.Read(buf)
		if n > 0 {
			c.feed(ctx, string(buf[:n]), false)
			if c.aborted {
				return c.fail(ctx.Err())
			}
			if c.done {
				c.state = StateCompleted
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			c.feed(ctx, "", true)
			if c.aborted {
				return c.fail(ctx.Err())
			}
			c.state = StateCompleted
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.fail(ctxErr)
			}
			return c.fail(apperr.Wrap(apperr.KindUpstream, "stream interrupted", err))
		}
	}
}

func (c *Consumer) fail(err error) error {
	c.state = StateFailed
	return err
}

// feed appends decoded text and processes every complete line. With final
// set the unterminated tail is processed too.
func (c *Consumer) feed(ctx context.Context, text string, final bool) {
	c.pending += text

	for !c.done && !c.aborted {
		line, ok := c.nextLine(final)
		if !ok {
			return
		}
		if !c.handleLine(ctx, line, final) {
			return
		}
	}
}

// nextLine pops the next complete line, or the residual tail when final.
func (c *Consumer) nextLine(final bool) (string, bool) {
	idx := strings.IndexByte(c.pending, '\n')
	if idx < 0 {
		if !final || c.pending == "" {
			return "", false
		}
		line := c.pending
		c.pending = ""
		return strings.TrimSuffix(line, "\r"), true
	}
	line := c.pending[:idx]
	c.pending = c.pending[idx+1:]
	return strings.TrimSuffix(line, "\r"), true
}

// peekLine returns the next complete line without consuming it.
func (c *Consumer) peekLine(final bool) (line string, rest string, ok bool) {
	idx := strings.IndexByte(c.pending, '\n')
	if idx < 0 {
		if final && c.pending != "" {
			return strings.TrimSuffix(c.pending, "\r"), "", true
		}
		return "", "", false
	}
	return strings.TrimSuffix(c.pending[:idx], "\r"), c.pending[idx+1:], true
}

// handleLine processes one line. It returns false to end the current round.
func (c *Consumer) handleLine(ctx context.Context, line string, final bool) bool {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return true
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return true
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneMarker {
		c.done = true
		return false
	}

	var parsed chunk
	if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
		return c.emit(ctx, parsed)
	}

	// The payload may continue on the next line.
	next, rest, ok := c.peekLine(final)
	if !ok && !final {
		// Wait for more bytes before judging the line.
		c.pending = line + "\n" + c.pending
		return false
	}
	if ok && isContinuation(next) {
		if err := json.Unmarshal([]byte(payload+"\n"+next), &parsed); err == nil {
			c.pending = rest
			return c.emit(ctx, parsed)
		}
	}

	c.anomaly(payload)
	return true
}

func (c *Consumer) emit(ctx context.Context, parsed chunk) bool {
	if len(parsed.Choices) == 0 || parsed.Choices[0].Delta.Content == "" {
		return true
	}
	if ctx.Err() != nil {
		c.aborted = true
		return false
	}
	delta := parsed.Choices[0].Delta.Content
	c.text.WriteString(delta)
	c.onDelta(delta)
	return true
}

func (c *Consumer) anomaly(payload string) {
	metrics.StreamParseAnomalies.Inc()
	c.logger.Warn().
		Str("kind", string(apperr.KindStreamParseAnomaly)).
		Str("payload", truncate(payload, 200)).
		Msg("dropping unparseable stream line")
}

// isContinuation reports whether line can be the tail of a JSON payload that
// was split by a stray newline rather than a new SSE field.
func isContinuation(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	for _, field := range []string{"data:", ":", "event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
