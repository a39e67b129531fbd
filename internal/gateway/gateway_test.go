// ABOUTME: Tests for Gateway construction, health endpoints and the run lifecycle
// ABOUTME: Uses httptest servers, the mock store and a scripted completion streamer

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/config"
	"github.com/2389/agency-chat/internal/store"
)

// scriptStreamer replies to every request with the same deltas. When hold
// is set, nothing is sent until it is closed.
type scriptStreamer struct {
	deltas []string
	hold   chan struct{}
}

func (s *scriptStreamer) Stream(ctx context.Context, req completion.Request) <-chan completion.StreamEvent {
	out := make(chan completion.StreamEvent)
	go func() {
		defer close(out)
		if s.hold != nil {
			select {
			case <-s.hold:
			case <-ctx.Done():
				return
			}
		}
		for i, text := range s.deltas {
			d := completion.Delta{Text: text}
			if i == len(s.deltas)-1 {
				d.FinishReason = completion.FinishStop
			}
			select {
			case out <- completion.StreamEvent{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1", Model: "test-model"},
		Chat:     config.ChatConfig{StreamTimeout: 5 * time.Second},
		Broadcast: config.BroadcastConfig{
			SSEIdleTimeout:     5 * time.Second,
			SinkBuffer:         64,
			SocketPingInterval: time.Second,
		},
	}
}

type testEnv struct {
	gw    *Gateway
	srv   *httptest.Server
	store *store.MockStore
}

// newTestEnv starts a gateway behind an httptest server. mutate may adjust
// the config before the gateway is built.
func newTestEnv(t *testing.T, streamer *scriptStreamer, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMockStore()
	gw, err := newGateway(cfg, st, streamer, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	// Runs before srv.Close so open streams end first
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &testEnv{gw: gw, srv: srv, store: st}
}

// wireEvent is a decoded broadcast event.
type wireEvent struct {
	Type   string          `json:"type"`
	Output json.RawMessage `json:"output"`
}

type messageOutput struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Completed      bool   `json:"completed"`
	FromAPI        bool   `json:"fromApi"`
}

func (e wireEvent) message(t *testing.T) messageOutput {
	t.Helper()
	var m messageOutput
	require.NoError(t, json.Unmarshal(e.Output, &m))
	return m
}

// readSSE reads data records until [DONE] and reports whether the sentinel
// was seen.
func readSSE(t *testing.T, body io.Reader) ([]wireEvent, bool) {
	t.Helper()
	var events []wireEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return events, true
		}
		var ev wireEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev), "record %q", data)
		events = append(events, ev)
	}
	return events, false
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &scriptStreamer{}, nil)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, &scriptStreamer{}, nil)

	resp, err := http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (0 listeners)", string(body))
}

// downStore is a store whose connection check fails.
type downStore struct {
	*store.MockStore
}

func (downStore) Ping(context.Context) error {
	return errors.New("database is locked")
}

func TestReady_StoreDown(t *testing.T) {
	gw, err := newGateway(testConfig(), downStore{store.NewMockStore()}, &scriptStreamer{}, testLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())
}

func TestNewGateway_ShortSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"

	_, err := newGateway(cfg, store.NewMockStore(), &scriptStreamer{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating JWT verifier")
}

func TestNewGateway_DefaultsPingInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.SocketPingInterval = 0

	gw, err := newGateway(cfg, store.NewMockStore(), &scriptStreamer{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPingInterval, gw.config.Broadcast.SocketPingInterval)
	assert.Zero(t, cfg.Broadcast.SocketPingInterval, "caller's config must not change")
}

func TestServe_StopsOnCancel(t *testing.T) {
	gw, err := newGateway(testConfig(), store.NewMockStore(), &scriptStreamer{}, testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err, "listener should be closed")
}

func TestRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := newGateway(cfg, store.NewMockStore(), &scriptStreamer{}, testLogger())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

// upstreamChunk renders one OpenAI-style streaming frame.
func upstreamChunk(content string, finish string) string {
	choice := map[string]any{"delta": map[string]any{"content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	b, _ := json.Marshal(map[string]any{"choices": []any{choice}})
	return fmt.Sprintf("data: %s\n\n", b)
}

// TestSendMessage_ThroughCompletionClient runs one iteration end to end
// against a fake upstream with the real completion client.
func TestSendMessage_ThroughCompletionClient(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			upstreamChunk("Hel", ""),
			upstreamChunk("lo", ""),
			upstreamChunk("", "stop"),
			"data: [DONE]\n\n",
		} {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	defer up.Close()

	cfg := testConfig()
	cfg.Upstream.BaseURL = up.URL
	client, err := newCompletionClient(cfg, testLogger())
	require.NoError(t, err)

	st := store.NewMockStore()
	gw, err := newGateway(cfg, st, client, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()
	defer func() { _ = gw.Shutdown(context.Background()) }()

	convID := createConversation(t, srv.URL, "")
	resp := postMessage(t, srv.URL, convID, "Hi", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events, done := readSSE(t, resp.Body)
	require.True(t, done)

	final := lastMessageUpdate(t, events)
	assert.Equal(t, "Hello", final.Text)
	assert.True(t, final.Completed)

	msgs, err := st.ListMessages(context.Background(), convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Text)
	assert.True(t, msgs[1].Completed)
}
