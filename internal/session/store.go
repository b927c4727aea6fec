package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxalab/voxgate/internal/ratelimit"
)

// StoreConfig configures session lifecycle and per-session rate limits.
type StoreConfig struct {
	// TTL is how long an idle session without a running task survives.
	// Zero or negative disables eviction.
	TTL time.Duration

	// PromptUpdateLimit / PromptUpdateWindow bound chat_prompt updates per
	// session.
	PromptUpdateLimit  int
	PromptUpdateWindow time.Duration
}

// Store owns the session map. Operations on unknown session ids are no-ops
// returning zero values; only GetOrCreate materializes sessions.
type Store struct {
	cfg StoreConfig

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// GetOrCreate returns whether the session was newly created. Globally idle
// sessions are evicted as a side effect, bounding memory.
func (s *Store) GetOrCreate(id string) (created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIdleLocked()

	if sess, ok := s.sessions[id]; ok {
		sess.lastAccess = s.now()
		return false
	}

	now := s.now()
	s.sessions[id] = &Session{
		ID:            id,
		createdAt:     now,
		lastAccess:    now,
		promptLimiter: ratelimit.New(s.cfg.PromptUpdateLimit, s.cfg.PromptUpdateWindow),
	}
	return true
}

// evictIdleLocked drops sessions idle past the TTL that have no running
// task. Eviction never cancels anything.
func (s *Store) evictIdleLocked() {
	if s.cfg.TTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.TTL)
	for id, sess := range s.sessions {
		if sess.task == nil && sess.lastAccess.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// Touch records activity on a session (inbound frame or generated token).
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastAccess = s.now()
	}
}

// Exists reports whether the session is materialized.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetMeta replaces the session's persona configuration.
func (s *Store) SetMeta(id string, meta Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Meta = meta
	}
}

// Meta returns a copy of the session's persona configuration.
func (s *Store) Meta(id string) (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Meta{}, false
	}
	return sess.Meta, true
}

// MetaUpdate is a partial persona update; nil fields are untouched.
type MetaUpdate struct {
	Gender       *string
	Personality  *string
	SystemPrompt *string
	ChatPrompt   *string
}

// UpdateMeta applies the non-nil fields and returns the changed subset for
// acknowledgment. Unknown sessions return an empty map.
func (s *Store) UpdateMeta(id string, upd MetaUpdate) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := map[string]string{}
	sess, ok := s.sessions[id]
	if !ok {
		return changed
	}
	if upd.Gender != nil && *upd.Gender != sess.Meta.Gender {
		sess.Meta.Gender = *upd.Gender
		changed["gender"] = *upd.Gender
	}
	if upd.Personality != nil && *upd.Personality != sess.Meta.Personality {
		sess.Meta.Personality = *upd.Personality
		changed["personality"] = *upd.Personality
	}
	if upd.SystemPrompt != nil && *upd.SystemPrompt != sess.Meta.SystemPrompt {
		sess.Meta.SystemPrompt = *upd.SystemPrompt
		changed["system_prompt"] = *upd.SystemPrompt
	}
	if upd.ChatPrompt != nil && *upd.ChatPrompt != sess.Meta.ChatPrompt {
		sess.Meta.ChatPrompt = *upd.ChatPrompt
		changed["chat_prompt"] = *upd.ChatPrompt
	}
	return changed
}

// AllowPromptUpdate consumes one slot of the session's chat_prompt limiter.
func (s *Store) AllowPromptUpdate(id string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, 0
	}
	return sess.promptLimiter.Consume()
}

// ImportHistory replaces the session's history with client-supplied turns.
func (s *Store) ImportHistory(id string, turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.History = make([]Turn, len(turns))
	copy(sess.History, turns)
	for i := range sess.History {
		if sess.History[i].ID == "" {
			sess.History[i].ID = newTurnID()
		}
	}
}

// History returns a copy of the session's turns. Unknown sessions return nil.
func (s *Store) History(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Turn, len(sess.History))
	copy(out, sess.History)
	return out
}

// UserUtterances returns the user side of the history, oldest first.
func (s *Store) UserUtterances(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sess.History))
	for _, t := range sess.History {
		out = append(out, t.User)
	}
	return out
}

// AppendUserTurn appends a turn with empty assistant text and returns its
// id, so the turn exists before generation starts and can be completed once.
func (s *Store) AppendUserTurn(id, userText string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ""
	}
	turnID := newTurnID()
	sess.History = append(sess.History, Turn{ID: turnID, User: userText})
	sess.lastAccess = s.now()
	return turnID
}

// CompleteTurn records the assistant text for turnID in place. If no turn
// matches, a fresh turn is appended instead; either way exactly one row
// holds the turn's final text.
func (s *Store) CompleteTurn(id, turnID, userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if turnID != "" {
		for i := range sess.History {
			if sess.History[i].ID == turnID {
				sess.History[i].Assistant = assistantText
				return
			}
		}
	}
	sess.History = append(sess.History, Turn{ID: newTurnID(), User: userText, Assistant: assistantText})
}

// SetActiveRequest claims the session's generation slot for requestID.
func (s *Store) SetActiveRequest(id, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ActiveRequestID = requestID
	}
}

// SetToolRequest tracks an in-flight classifier sub-request, separately from
// the chat generation so it can be aborted on its own.
func (s *Store) SetToolRequest(id, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ToolRequestID = requestID
	}
}

// ClearToolRequest drops the classifier sub-request tracking.
func (s *Store) ClearToolRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ToolRequestID = ""
	}
}

// IsCancelled reports whether a request should stop: the session is gone,
// the sentinel is set, or another request has claimed the session. An unset
// active id means no request has claimed ownership yet, which is not
// cancellation.
func (s *Store) IsCancelled(id, requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return true
	}
	if sess.ActiveRequestID == CancelledRequestID {
		return true
	}
	if sess.ActiveRequestID == "" {
		return false
	}
	return sess.ActiveRequestID != requestID
}

// CancelAndCleanup sets the cancellation sentinel, cancels the tracked task
// if any, and returns the previously tracked request ids for best-effort
// engine aborts. Unknown sessions return empty ids.
func (s *Store) CancelAndCleanup(id string) (activeRequestID, toolRequestID string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return "", ""
	}
	activeRequestID = sess.ActiveRequestID
	toolRequestID = sess.ToolRequestID
	if activeRequestID == CancelledRequestID {
		activeRequestID = ""
	}
	sess.ActiveRequestID = CancelledRequestID
	sess.ToolRequestID = ""
	task := sess.task
	s.mu.Unlock()

	if task != nil && task.Cancel != nil {
		task.Cancel()
	}
	return activeRequestID, toolRequestID
}

// TrackTask stores the session's background worker handle and installs a
// completion callback that clears it, unless a newer task has replaced it.
func (s *Store) TrackTask(id string, task *TaskHandle) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.task = task
	s.mu.Unlock()

	go func() {
		<-task.Done
		s.mu.Lock()
		if sess.task == task {
			sess.task = nil
		}
		s.mu.Unlock()
	}()
}

// HasTask reports whether a background worker is currently tracked.
func (s *Store) HasTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.task != nil
}

func newTurnID() string {
	return uuid.New().String()[:8]
}
