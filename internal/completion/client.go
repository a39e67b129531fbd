// ABOUTME: Streaming client for OpenAI-compatible chat completion endpoints
// ABOUTME: Retries connection failures, parses SSE frames and emits ordered deltas on a channel

package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries is how many times a failed connection attempt is
	// repeated before giving up.
	DefaultMaxRetries = 3

	// eventBufferSize bounds how far the reader may run ahead of the consumer.
	eventBufferSize = 64

	readBufferSize = 4096

	// maxErrorBody caps how much of a non-2xx response body is kept.
	maxErrorBody = 4096
)

// FinishReason is the upstream's reason for ending a reply.
type FinishReason string

// Finish reasons
const (
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishUnknown       FinishReason = "unknown"
)

// parseFinishReason maps the wire value onto the known set.
func parseFinishReason(s string) FinishReason {
	switch FinishReason(s) {
	case FinishNone, FinishStop, FinishLength, FinishContentFilter, FinishToolCalls:
		return FinishReason(s)
	default:
		return FinishUnknown
	}
}

// Delta is one increment of reply text. A delta with FinishReason stop is
// terminal.
type Delta struct {
	Text         string
	FinishReason FinishReason
}

// Terminal reports whether this delta ends the reply successfully.
func (d Delta) Terminal() bool {
	return d.FinishReason == FinishStop
}

// Message is one entry of the prompt sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a completion call. Zero fields fall back to the client
// configuration.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// StreamEvent carries either a delta or the terminal error of a stream.
type StreamEvent struct {
	Delta Delta
	Err   error
}

// Config holds upstream connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
	MaxRetries  int
	// HeaderTimeout bounds the wait for response headers on each attempt.
	HeaderTimeout time.Duration
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimiter paces connection attempts, retries included.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the logger. Pass nil for default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a streaming completion client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("completion: base URL must not be empty")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("completion: max retries must not be negative")
	}
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// No overall Timeout: it would cut long replies mid-stream.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
		c.httpClient = &http.Client{Transport: transport}
	}
	c.logger = c.logger.With("component", "completion")
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Relay streams req and reports through callbacks. It returns immediately.
// onDelta is called in order for each delta; onError is called at most once
// and nothing follows it. Cancel ctx to abandon the call.
func (c *Client) Relay(ctx context.Context, req Request, onDelta func(Delta), onError func(error)) {
	events := c.Stream(ctx, req)
	go func() {
		for ev := range events {
			if ev.Err != nil {
				onError(ev.Err)
				return
			}
			onDelta(ev.Delta)
		}
	}()
}

// Stream starts the completion call and returns a channel of events.
//
// Events arrive in upstream order. The channel closes after a terminal
// delta, after an error event, or once ctx is cancelled. At most one error
// is sent and it is always the last event.
func (c *Client) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	ch := make(chan StreamEvent, eventBufferSize)
	go func() {
		defer close(ch)
		c.run(ctx, req, ch)
	}()
	return ch
}

func (c *Client) run(ctx context.Context, req Request, ch chan<- StreamEvent) {
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	resp, err := c.connect(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			send(StreamEvent{Err: err})
		}
		return
	}
	defer resp.Body.Close()

	parser := NewParser()
	buf := make([]byte, readBufferSize)
	deltas := 0

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, frame := range parser.Feed(buf[:n]) {
				if frame.Done {
					// [DONE] without a finish reason still means the reply is whole
					send(StreamEvent{Delta: Delta{FinishReason: FinishStop}})
					return
				}
				ev, terminal, ok := c.decodeFrame(frame.Data)
				for _, e := range ev {
					if e.Err == nil {
						deltas++
					}
					if !send(e) {
						return
					}
				}
				if !ok || terminal {
					return
				}
			}
		}

		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(readErr, io.EOF) {
			readErr = io.ErrUnexpectedEOF
		}
		c.logger.Warn("upstream stream ended early",
			"deltas", deltas,
			"pending_bytes", parser.Pending(),
			"error", readErr)
		send(StreamEvent{Err: &Error{
			Kind:   KindTransientNetwork,
			Reason: "stream ended before the reply finished",
			Err:    readErr,
		}})
		return
	}
}

// decodeFrame converts one JSON frame into events. terminal is true when
// the reply finished; ok is false when the stream must stop with an error.
func (c *Client) decodeFrame(data json.RawMessage) (events []StreamEvent, terminal bool, ok bool) {
	var payload chunkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("skipping undecodable frame", "error", err, "bytes", len(data))
		return nil, false, true
	}

	if payload.Error != nil {
		return []StreamEvent{{Err: &Error{
			Kind:   KindUpstreamRejection,
			Reason: "upstream reported an error",
			Err:    errors.New(payload.Error.Message),
		}}}, true, false
	}

	if len(payload.Choices) == 0 {
		return nil, false, true
	}
	choice := payload.Choices[0]
	text := choice.Delta.Content

	reason := FinishNone
	raw := ""
	if choice.FinishReason != nil {
		raw = *choice.FinishReason
		reason = parseFinishReason(raw)
	}

	switch reason {
	case FinishNone:
		if text == "" {
			return nil, false, true
		}
		return []StreamEvent{{Delta: Delta{Text: text}}}, false, true
	case FinishStop:
		return []StreamEvent{{Delta: Delta{Text: text, FinishReason: FinishStop}}}, true, true
	}

	// Content riding on a rejecting frame is still delivered before the error
	if text != "" {
		events = append(events, StreamEvent{Delta: Delta{Text: text}})
	}
	events = append(events, StreamEvent{Err: &Error{
		Kind:         KindUpstreamRejection,
		Reason:       fmt.Sprintf("finish reason %q", raw),
		FinishReason: reason,
	}})
	return events, true, false
}

// connect issues the POST, retrying only failures to obtain a response.
// Once a response arrives, whatever its status, no retry happens.
func (c *Client) connect(ctx context.Context, req Request) (*http.Response, error) {
	body, err := c.requestBody(req)
	if err != nil {
		return nil, err
	}
	url := chatURL(c.cfg.BaseURL)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("completion: waiting for rate limiter: %w", err)
			}
		}

		resp, err := c.dial(ctx, url, body)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("upstream connected after retry", "attempts", attempt+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn("upstream connection failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxRetries+1,
			"error", err)
	}

	return nil, &Error{
		Kind:   KindTransientNetwork,
		Reason: fmt.Sprintf("upstream unreachable after %d attempts", c.cfg.MaxRetries+1),
		Err:    errors.Unwrap(lastErr),
	}
}

// dial makes one request. Connection failures come back as transient
// errors and non-2xx answers as rejections.
func (c *Client) dial(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Reason: "upstream connection failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &Error{
			Kind:   KindUpstreamRejection,
			Reason: "upstream refused the request",
			Err: &HTTPStatusError{
				StatusCode: resp.StatusCode,
				URL:        url,
				Body:       strings.TrimSpace(string(detail)),
			},
		}
	}
	return resp, nil
}

func (c *Client) requestBody(req Request) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return nil, errors.New("completion: model must not be empty")
	}

	wire := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if wire.Temperature == nil {
		wire.Temperature = c.cfg.Temperature
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("completion: marshal request: %w", err)
	}
	return body, nil
}
