package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxalab/voxgate/internal/admission"
	"github.com/voxalab/voxgate/internal/engine"
	"github.com/voxalab/voxgate/internal/orchestrator"
	"github.com/voxalab/voxgate/internal/protocol"
	"github.com/voxalab/voxgate/internal/session"
	"github.com/voxalab/voxgate/internal/tokenbudget"
	"github.com/voxalab/voxgate/internal/tokenizer"
)

type testEnv struct {
	srv   *httptest.Server
	store *session.Store
	chat  *engine.Mock
	tool  *engine.Mock
}

func newTestEnv(t *testing.T, cfg Config, maxConns int) *testEnv {
	t.Helper()
	store := session.NewStore(session.StoreConfig{
		TTL:                time.Hour,
		PromptUpdateLimit:  1,
		PromptUpdateWindow: time.Minute,
	})
	chat := &engine.Mock{Script: []string{"Hello", " world"}}
	tool := &engine.Mock{Script: []string{"[]"}}
	budget := tokenbudget.New(tokenizer.NewHeuristic())

	orch := orchestrator.New(
		orchestrator.Config{Mode: orchestrator.ModeChatOnly},
		orchestrator.Deps{Store: store, ChatEngine: chat, ToolEngine: tool, ChatBudget: budget, ToolBudget: budget},
	)
	gw := New(cfg, Deps{
		Store:        store,
		Gate:         admission.NewGate(maxConns, 0),
		Orchestrator: orch,
		ChatEngine:   chat,
		ToolEngine:   tool,
		ChatBudget:   budget,
	})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, chat: chat, tool: tool}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

// readUntil returns the first frame of the wanted type, failing on error
// frames and timeouts along the way.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.Frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("frame of type %q never arrived", typ)
	return protocol.Frame{}
}

func TestStartStreamsTurnToClient(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	conn := dial(t, env.srv, "")

	start := `{"type":"start","session_id":"s1","gender":"female","personality":"calm","user_utterance":"hi"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("sending start: %v", err)
	}

	if f := readFrame(t, conn); f.Type != protocol.FrameWarmed {
		t.Fatalf("first frame = %+v, want warmed", f)
	}
	var text strings.Builder
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case protocol.FrameToken:
			text.WriteString(f.Text)
		case protocol.FrameFinal:
			if f.Text != "Hello world" {
				t.Fatalf("final = %q", f.Text)
			}
			if text.String() != "Hello world" {
				t.Fatalf("streamed text = %q", text.String())
			}
			if done := readFrame(t, conn); done.Type != protocol.FrameDone {
				t.Fatalf("expected done after final, got %+v", done)
			}
			return
		default:
			t.Fatalf("unexpected frame %+v", f)
		}
	}
}

func TestIdleConnectionClosedWithTimeoutCode(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: 50 * time.Millisecond, WatchdogTick: 10 * time.Millisecond}, 4)
	conn := dial(t, env.srv, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != protocol.CloseIdleTimeout {
		t.Fatalf("close error = %v, want code %d", err, protocol.CloseIdleTimeout)
	}
}

func TestAuthTokenRejected(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "secret"}, 4)
	conn := dial(t, env.srv, "")

	f := readFrame(t, conn)
	if f.Type != protocol.FrameError || f.ErrorCode != protocol.ErrUnauthorized {
		t.Fatalf("frame = %+v, want unauthorized error", f)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close = %v, want policy violation", err)
	}
}

func TestAuthTokenAccepted(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "secret"}, 4)
	conn := dial(t, env.srv, "?token=secret")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if f := readFrame(t, conn); f.Type != protocol.FramePong {
		t.Fatalf("frame = %+v, want pong", f)
	}
}

func TestCapacityRejection(t *testing.T) {
	env := newTestEnv(t, Config{}, 1)

	first := dial(t, env.srv, "")
	first.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	readFrame(t, first) // admitted and serving

	second := dial(t, env.srv, "")
	f := readFrame(t, second)
	if f.Type != protocol.FrameError || f.ErrorCode != protocol.ErrCapacity {
		t.Fatalf("frame = %+v, want capacity error", f)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("close = %v, want try again later", err)
	}
}

func TestCancelAcksAndStopsTurn(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	env.chat.Gate = make(chan struct{}) // hold the generation open
	conn := dial(t, env.srv, "")

	start := `{"type":"start","session_id":"s1","user_utterance":"hi"}`
	conn.WriteMessage(websocket.TextMessage, []byte(start))
	if f := readFrame(t, conn); f.Type != protocol.FrameWarmed {
		t.Fatalf("frame = %+v, want warmed", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"cancel"}`))
	if f := readUntil(t, conn, protocol.FrameAck); f.Type != protocol.FrameAck {
		t.Fatal("cancel not acked")
	}
	if !env.store.IsCancelled("s1", "anything") {
		t.Fatal("session not marked cancelled")
	}
}

func TestStartNewSessionCancelsPreviousWorker(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	gate := make(chan struct{})
	env.chat.Gate = gate // hold the first generation open
	conn := dial(t, env.srv, "")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1","user_utterance":"hi"}`))
	if f := readFrame(t, conn); f.Type != protocol.FrameWarmed {
		t.Fatalf("frame = %+v, want warmed", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s2","user_utterance":"hello"}`))
	if f := readFrame(t, conn); f.Type != protocol.FrameWarmed {
		t.Fatalf("frame = %+v, want warmed", f)
	}

	// The switch must have cancelled s1 before s2 was warmed.
	if !env.store.IsCancelled("s1", "anything") {
		t.Fatal("first session still active after switching sessions")
	}

	close(gate) // release the surviving worker
	f := readUntil(t, conn, protocol.FrameFinal)
	if f.Text != "Hello world" {
		t.Fatalf("final = %q", f.Text)
	}
	if done := readFrame(t, conn); done.Type != protocol.FrameDone {
		t.Fatalf("expected done after final, got %+v", done)
	}

	// Only the s2 turn streams; s1's cancelled worker must not reach the
	// socket after done.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra protocol.Frame
	if err := conn.ReadJSON(&extra); err == nil {
		t.Fatalf("unexpected frame after done: %+v", extra)
	}

	if hist := env.store.History("s1"); len(hist) != 1 || hist[0].Assistant != "" {
		t.Fatalf("cancelled session history = %+v", hist)
	}
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	conn := dial(t, env.srv, "")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError || f.ErrorCode != protocol.ErrUnknownType {
		t.Fatalf("frame = %+v, want unknown_type error", f)
	}
}

func TestMessageWithoutSession(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	conn := dial(t, env.srv, "")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","user_utterance":"hi"}`))
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError || f.ErrorCode != protocol.ErrSessionNotFound {
		t.Fatalf("frame = %+v, want session_not_found error", f)
	}
}

func TestChatPromptUpdateAckedThenRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	conn := dial(t, env.srv, "")

	start := `{"type":"start","session_id":"s1","personality":"calm","user_utterance":"hi"}`
	conn.WriteMessage(websocket.TextMessage, []byte(start))
	readUntil(t, conn, protocol.FrameDone)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_prompt","personality":"stoic"}`))
	f := readFrame(t, conn)
	if f.Type != protocol.FrameAck || f.Changed["personality"] != "stoic" {
		t.Fatalf("frame = %+v, want ack with changed personality", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_prompt","personality":"dry"}`))
	f = readFrame(t, conn)
	if f.Type != protocol.FrameError || f.ErrorCode != protocol.ErrRateLimited {
		t.Fatalf("frame = %+v, want rate_limited error", f)
	}
	if f.RetryIn <= 0 {
		t.Fatal("rate limit error missing retry hint")
	}
}

func TestMessageContinuesSession(t *testing.T) {
	env := newTestEnv(t, Config{}, 4)
	conn := dial(t, env.srv, "")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1","user_utterance":"hi"}`))
	readUntil(t, conn, protocol.FrameDone)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","user_utterance":"more"}`))
	f := readUntil(t, conn, protocol.FrameFinal)
	if f.Text != "Hello world" {
		t.Fatalf("final = %q", f.Text)
	}

	hist := env.store.History("s1")
	if len(hist) != 2 {
		t.Fatalf("history rows = %d, want 2", len(hist))
	}
}
