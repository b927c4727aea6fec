// Package gateway owns the WebSocket surface: upgrading connections,
// admission, per-connection rate limits, the idle watchdog, and dispatching
// client messages into session turns. Each connection runs one reader loop;
// each turn runs on one worker goroutine tracked by the session store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxalab/voxgate/internal/admission"
	"github.com/voxalab/voxgate/internal/cachemaint"
	"github.com/voxalab/voxgate/internal/engine"
	"github.com/voxalab/voxgate/internal/orchestrator"
	"github.com/voxalab/voxgate/internal/protocol"
	"github.com/voxalab/voxgate/internal/ratelimit"
	"github.com/voxalab/voxgate/internal/session"
	"github.com/voxalab/voxgate/internal/tokenbudget"
)

const writeTimeout = 10 * time.Second

// Config tunes per-connection behavior.
type Config struct {
	// AuthToken, when non-empty, must match the client's ?token= query
	// parameter or Authorization bearer token.
	AuthToken string

	IdleTimeout  time.Duration
	WatchdogTick time.Duration

	// Message limits cover turn-starting messages (start, message); cancels
	// get their own, looser limiter.
	MessageLimit  int
	MessageWindow time.Duration
	CancelLimit   int
	CancelWindow  time.Duration
}

// Deps are the gateway's collaborators.
type Deps struct {
	Store        *session.Store
	Gate         *admission.Gate
	Orchestrator *orchestrator.Orchestrator
	Maintainer   *cachemaint.Maintainer
	ChatEngine   engine.Engine
	ToolEngine   engine.Engine
	ChatBudget   *tokenbudget.Budget
}

// Gateway is the WebSocket handler.
type Gateway struct {
	cfg        Config
	store      *session.Store
	gate       *admission.Gate
	orch       *orchestrator.Orchestrator
	maint      *cachemaint.Maintainer
	chatEngine engine.Engine
	toolEngine engine.Engine
	chatBudget *tokenbudget.Budget
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns int
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:        cfg,
		store:      deps.Store,
		gate:       deps.Gate,
		orch:       deps.Orchestrator,
		maint:      deps.Maintainer,
		chatEngine: deps.ChatEngine,
		toolEngine: deps.ToolEngine,
		chatBudget: deps.ChatBudget,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsTransport serializes writes to one connection; gorilla conns do not
// allow concurrent writers. Token frames count as activity for the idle
// watchdog so long streaming turns are not cut off.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
	wd   *Watchdog
}

func (t *wsTransport) Send(f protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if t.wd != nil && f.Type == protocol.FrameToken {
		t.wd.Touch()
	}
	return nil
}

func (t *wsTransport) closeWith(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authorized := g.authorized(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Warning: upgrading connection: %v", err)
		return
	}
	tr := &wsTransport{conn: conn}

	if !authorized {
		tr.Send(protocol.ErrorFrame(protocol.ErrUnauthorized, "invalid auth token", 0))
		tr.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		conn.Close()
		return
	}

	connID := uuid.New().String()[:8]
	if !g.gate.Admit(connID) {
		tr.Send(protocol.ErrorFrame(protocol.ErrCapacity, "server at capacity", 1))
		tr.closeWith(websocket.CloseTryAgainLater, "capacity")
		conn.Close()
		return
	}

	g.mu.Lock()
	g.conns++
	g.mu.Unlock()

	log.Printf("connection %s accepted", connID)
	g.serve(connID, conn, tr)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return token == g.cfg.AuthToken
}

// serve is the per-connection reader loop. It owns parsing, rate limiting,
// and dispatch; workers it spawns own the streaming side through tr.
func (g *Gateway) serve(connID string, conn *websocket.Conn, tr *wsTransport) {
	wd := NewWatchdog(g.cfg.IdleTimeout, g.cfg.WatchdogTick, func() {
		log.Printf("connection %s idle, closing", connID)
		tr.closeWith(protocol.CloseIdleTimeout, "idle timeout")
		conn.Close()
	})
	tr.wd = wd
	go wd.Run()

	msgLimiter := ratelimit.New(g.cfg.MessageLimit, g.cfg.MessageWindow)
	cancelLimiter := ratelimit.New(g.cfg.CancelLimit, g.cfg.CancelWindow)

	sessionID := ""
	defer func() {
		wd.Stop()
		conn.Close()
		if sessionID != "" {
			g.cancelSession(sessionID)
		}
		g.gate.Release(connID)

		g.mu.Lock()
		g.conns--
		last := g.conns == 0
		g.mu.Unlock()
		if last && g.maint != nil {
			// Last client gone: stale prefix caches have no owner left.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.maint.TryReset(ctx, "last client disconnected", true)
			cancel()
		}
		log.Printf("connection %s closed", connID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		wd.Touch()
		if sessionID != "" {
			g.store.Touch(sessionID)
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			if tr.Send(errorFrame(err)) != nil {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *protocol.Start:
			if ok, retry := msgLimiter.Consume(); !ok {
				tr.Send(protocol.ErrorFrame(protocol.ErrRateLimited, "message rate limit exceeded", retry.Seconds()))
				continue
			}
			// Switching sessions orphans the old worker; cancel it so only
			// one turn ever streams into this socket.
			if sessionID != "" && sessionID != m.SessionID {
				g.cancelSession(sessionID)
			}
			sessionID = m.SessionID
			g.handleStart(tr, m)

		case *protocol.UserMessage:
			if ok, retry := msgLimiter.Consume(); !ok {
				tr.Send(protocol.ErrorFrame(protocol.ErrRateLimited, "message rate limit exceeded", retry.Seconds()))
				continue
			}
			if sessionID == "" || !g.store.Exists(sessionID) {
				tr.Send(protocol.ErrorFrame(protocol.ErrSessionNotFound, "no active session, send start first", 0))
				continue
			}
			g.cancelSession(sessionID)
			g.spawnTurn(tr, sessionID, m.UserUtterance, m.Sampling)

		case *protocol.Cancel:
			if ok, retry := cancelLimiter.Consume(); !ok {
				tr.Send(protocol.ErrorFrame(protocol.ErrRateLimited, "cancel rate limit exceeded", retry.Seconds()))
				continue
			}
			if sessionID != "" {
				g.cancelSession(sessionID)
			}
			tr.Send(protocol.Ack(nil))

		case *protocol.Ping:
			tr.Send(protocol.PongFrame())

		case *protocol.Pong:
			// Liveness only; the watchdog touch above is the whole effect.

		case *protocol.End:
			tr.closeWith(websocket.CloseNormalClosure, "goodbye")
			return

		case *protocol.ChatPromptUpdate:
			g.handleChatPrompt(tr, sessionID, m)
		}
	}
}

// handleStart initializes or reconfigures a session, imports history, and
// begins the first turn. A start on a running session supersedes its worker.
func (g *Gateway) handleStart(tr *wsTransport, m *protocol.Start) {
	created := g.store.GetOrCreate(m.SessionID)
	if !created {
		g.cancelSession(m.SessionID)
	}

	meta := session.Meta{
		Gender:          m.Gender,
		Personality:     m.Personality,
		SystemPrompt:    m.SystemPrompt,
		ChatPrompt:      m.ChatPrompt,
		Sampling:        m.Sampling,
		ScreenOnPrefix:  m.ScreenOnPrefix,
		ScreenOffPrefix: m.ScreenOffPrefix,
	}
	if g.chatBudget != nil {
		if meta.ScreenOnPrefix != "" {
			if n, err := g.chatBudget.Count(meta.ScreenOnPrefix); err == nil {
				meta.ScreenOnPrefixTokens = n
			}
		}
		if meta.ScreenOffPrefix != "" {
			if n, err := g.chatBudget.Count(meta.ScreenOffPrefix); err == nil {
				meta.ScreenOffPrefixTokens = n
			}
		}
	}
	g.store.SetMeta(m.SessionID, meta)

	if len(m.History) > 0 {
		turns := make([]session.Turn, 0, len(m.History))
		for _, h := range m.History {
			turns = append(turns, session.Turn{User: h.User, Assistant: h.Assistant})
		}
		g.store.ImportHistory(m.SessionID, turns)
	}

	if tr.Send(protocol.Warmed()) != nil {
		return
	}
	g.spawnTurn(tr, m.SessionID, m.UserUtterance, m.Sampling)
}

func (g *Gateway) handleChatPrompt(tr *wsTransport, sessionID string, m *protocol.ChatPromptUpdate) {
	if sessionID == "" || !g.store.Exists(sessionID) {
		tr.Send(protocol.ErrorFrame(protocol.ErrSessionNotFound, "no active session, send start first", 0))
		return
	}
	ok, retry := g.store.AllowPromptUpdate(sessionID)
	if !ok {
		tr.Send(protocol.ErrorFrame(protocol.ErrRateLimited, "prompt update rate limit exceeded", retry.Seconds()))
		return
	}
	changed := g.store.UpdateMeta(sessionID, session.MetaUpdate{
		Gender:       m.Gender,
		Personality:  m.Personality,
		SystemPrompt: m.SystemPrompt,
		ChatPrompt:   m.ChatPrompt,
	})
	tr.Send(protocol.Ack(changed))
}

// spawnTurn appends the user turn, claims the session's generation slot, and
// starts the worker goroutine. The previous worker, if any, must already be
// cancelled by the caller.
func (g *Gateway) spawnTurn(tr *wsTransport, sessionID, utterance string, sampling *protocol.Sampling) {
	requestID := uuid.New().String()[:8]
	turnID := g.store.AppendUserTurn(sessionID, utterance)
	g.store.SetActiveRequest(sessionID, requestID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.store.TrackTask(sessionID, &session.TaskHandle{Cancel: cancel, Done: done})

	in := orchestrator.TurnInput{
		SessionID: sessionID,
		TurnID:    turnID,
		RequestID: requestID,
		Utterance: utterance,
		Sampling:  sampling,
	}
	go func() {
		defer close(done)
		defer cancel()
		g.orch.Run(ctx, tr, in)
	}()
}

// cancelSession cancels the session's worker and best-effort aborts its
// in-flight engine requests.
func (g *Gateway) cancelSession(sessionID string) {
	active, tool := g.store.CancelAndCleanup(sessionID)
	if active == "" && tool == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if active != "" && g.chatEngine != nil {
		if err := g.chatEngine.Abort(ctx, active); err != nil {
			log.Printf("Warning: aborting request %s: %v", active, err)
		}
	}
	if tool != "" && g.toolEngine != nil {
		if err := g.toolEngine.Abort(ctx, tool); err != nil {
			log.Printf("Warning: aborting request %s: %v", tool, err)
		}
	}
}

func errorFrame(err error) protocol.Frame {
	var unknown *protocol.UnknownTypeError
	var field *protocol.FieldError
	switch {
	case errors.As(err, &unknown):
		return protocol.ErrorFrame(protocol.ErrUnknownType, err.Error(), 0)
	case errors.As(err, &field):
		return protocol.ErrorFrame(protocol.ErrValidation, err.Error(), 0)
	default:
		return protocol.ErrorFrame(protocol.ErrBadRequest, err.Error(), 0)
	}
}
