// Package orchestrator runs one conversational turn end to end: an optional
// tool-intent classification, chat generation, token streaming to the
// transport, and the single history write that closes the turn.
//
// Four deployment modes exist:
//   - chat_only:   stream the chat model directly
//   - tool_only:   classify, report the decision, no chat
//   - sequential:  classify first, then chat (simple, adds classifier latency)
//   - concurrent:  classify and chat race, chat tokens buffered until the
//     decision lands or the prebuffer overflows
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/voxalab/voxgate/internal/engine"
	"github.com/voxalab/voxgate/internal/prompt"
	"github.com/voxalab/voxgate/internal/protocol"
	"github.com/voxalab/voxgate/internal/session"
	"github.com/voxalab/voxgate/internal/tokenbudget"
)

// Deployment modes.
const (
	ModeChatOnly   = "chat_only"
	ModeToolOnly   = "tool_only"
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"
)

// Default utterance prefixes applied when the classifier fires and the
// session has no custom prefixes configured.
const (
	DefaultScreenOnPrefix  = "(Check what is on the screen before answering.) "
	DefaultScreenOffPrefix = "(The screen was just turned off.) "
)

// Config tunes the per-turn workflow.
type Config struct {
	Mode string

	// ToolTimeout bounds the classifier call; a timeout is treated as "no".
	// Zero or negative waits indefinitely.
	ToolTimeout time.Duration

	// GenTimeout bounds one chat generation end to end. On expiry the engine
	// request is aborted and the turn ends without a final frame. Zero
	// disables.
	GenTimeout time.Duration

	// PrebufferMaxChars is the concurrent-mode buffer threshold: once more
	// characters than this are buffered they are flushed to the client and
	// the turn commits to streaming. Zero disables buffering limits.
	PrebufferMaxChars int

	// HistoryBudget bounds the rendered chat history in tokens; zero skips
	// trimming. ToolHistoryBudget does the same for the classifier's
	// user-only history, with ToolHistorySepCost charged per joined line.
	HistoryBudget      int
	ToolHistoryBudget  int
	ToolHistorySepCost int
}

// Transport delivers frames to one client. Implementations serialize writes.
type Transport interface {
	Send(protocol.Frame) error
}

// Journal persists completed turns. Journal failures never fail a turn.
type Journal interface {
	AddTurn(sessionID, turnID, user, assistant string) error
}

// TurnInput identifies one user turn. TurnID is the history row created when
// the utterance was appended; RequestID is the session's active request.
type TurnInput struct {
	SessionID string
	TurnID    string
	RequestID string
	Utterance string
	Sampling  *protocol.Sampling
}

// Deps are the orchestrator's collaborators. ToolEngine and Journal may be
// nil.
type Deps struct {
	Store      *session.Store
	ChatEngine engine.Engine
	ToolEngine engine.Engine
	ChatBudget *tokenbudget.Budget
	ToolBudget *tokenbudget.Budget
	Journal    Journal
}

// Orchestrator executes turns. One instance is shared by all sessions; all
// per-turn state lives on the stack of Run.
type Orchestrator struct {
	cfg        Config
	store      *session.Store
	chat       engine.Engine
	tool       engine.Engine
	chatBudget *tokenbudget.Budget
	toolBudget *tokenbudget.Budget
	journal    Journal
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		chat:       deps.ChatEngine,
		tool:       deps.ToolEngine,
		chatBudget: deps.ChatBudget,
		toolBudget: deps.ToolBudget,
		journal:    deps.Journal,
	}
}

// Run executes one turn and returns when the turn is over. It never returns
// an error: failures are logged and reported to the client in-band.
func (o *Orchestrator) Run(ctx context.Context, t Transport, in TurnInput) {
	switch o.cfg.Mode {
	case ModeChatOnly:
		o.runChatOnly(ctx, t, in)
	case ModeToolOnly:
		o.runToolOnly(ctx, t, in)
	case ModeConcurrent:
		o.runConcurrent(ctx, t, in)
	default:
		o.runSequential(ctx, t, in)
	}
}

func (o *Orchestrator) runChatOnly(ctx context.Context, t Transport, in TurnInput) {
	p, err := o.chatPrompt(in, "")
	if err != nil {
		o.failTurn(t, in, err)
		return
	}
	res := o.streamChat(ctx, t, in, p, o.params(in), in.RequestID)
	o.finishTurn(t, in, res)
}

func (o *Orchestrator) runToolOnly(ctx context.Context, t Transport, in TurnInput) {
	dec := o.classify(ctx, in)
	if o.store.IsCancelled(in.SessionID, in.RequestID) {
		return
	}
	sendAll(t, in,
		protocol.Toolcall(dec.status(), dec.raw),
		protocol.Final(""),
		protocol.Done(nil),
	)
	o.store.CompleteTurn(in.SessionID, in.TurnID, in.Utterance, "")
	o.journalTurn(in, "")
}

func (o *Orchestrator) runSequential(ctx context.Context, t Transport, in TurnInput) {
	dec := o.classify(ctx, in)
	if o.store.IsCancelled(in.SessionID, in.RequestID) {
		return
	}
	o.runWithDecision(ctx, t, in, dec)
}

// runWithDecision emits the toolcall frame and streams the chat generation,
// screen-prefixing the utterance when the decision is yes. Shared by the
// sequential path and by concurrent mode when a prefilter decided without a
// model call.
func (o *Orchestrator) runWithDecision(ctx context.Context, t Transport, in TurnInput, dec toolDecision) {
	if err := t.Send(protocol.Toolcall(dec.status(), dec.raw)); err != nil {
		log.Printf("Warning: session %s: send failed before chat start: %v", in.SessionID, err)
		o.store.CompleteTurn(in.SessionID, in.TurnID, in.Utterance, "")
		return
	}
	prefix := ""
	if dec.yes {
		prefix = o.screenPrefix(in.SessionID, dec.tool)
	}
	p, err := o.chatPrompt(in, prefix)
	if err != nil {
		o.failTurn(t, in, err)
		return
	}
	res := o.streamChat(ctx, t, in, p, o.params(in), in.RequestID)
	o.finishTurn(t, in, res)
}

// streamResult is the outcome of one chat generation. text holds exactly the
// text delivered to the client; completed means the stream reached its
// terminal chunk with everything sent.
type streamResult struct {
	text      string
	usage     *protocol.Usage
	completed bool
}

// streamChat starts a generation and forwards it until it ends.
func (o *Orchestrator) streamChat(ctx context.Context, t Transport, in TurnInput, promptText string, params engine.SamplingParams, engineReqID string) streamResult {
	genCtx := ctx
	cancel := func() {}
	if o.cfg.GenTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, o.cfg.GenTimeout)
	}
	defer cancel()

	var res streamResult
	ch, err := o.chat.GenerateStream(genCtx, promptText, params, engineReqID)
	if err != nil {
		o.failTurn(t, in, err)
		return res
	}
	o.consume(genCtx, t, in, ch, engineReqID, &res)
	return res
}

// consume forwards chunks from ch to the transport. Cancellation is polled
// at every chunk; a transport send failure interrupts the stream without
// raising, keeping res.text equal to what the client observably received.
func (o *Orchestrator) consume(ctx context.Context, t Transport, in TurnInput, ch <-chan engine.Chunk, engineReqID string, res *streamResult) {
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if o.store.IsCancelled(in.SessionID, in.RequestID) {
				o.abortEngine(o.chat, engineReqID)
				return
			}
			if chunk.Err != nil {
				log.Printf("session %s: chat stream error: %v", in.SessionID, chunk.Err)
				return
			}
			if chunk.Finished {
				res.usage = chunk.Usage
				res.completed = true
				return
			}
			if err := t.Send(protocol.Token(chunk.Delta)); err != nil {
				log.Printf("Warning: session %s: send failed, interrupting stream: %v", in.SessionID, err)
				o.abortEngine(o.chat, engineReqID)
				return
			}
			res.text += chunk.Delta
			o.store.Touch(in.SessionID)
		case <-ctx.Done():
			o.abortEngine(o.chat, engineReqID)
			if ctx.Err() == context.DeadlineExceeded {
				log.Printf("session %s: generation timed out after %s", in.SessionID, o.cfg.GenTimeout)
			}
			return
		}
	}
}

// finishTurn emits final+done for a completed stream and records the turn's
// text into history exactly once. Interrupted and cancelled streams get no
// final frame but their partial sent text is still preserved.
func (o *Orchestrator) finishTurn(t Transport, in TurnInput, res streamResult) {
	text := strings.TrimSpace(res.text)
	if res.completed {
		sendAll(t, in, protocol.Final(text), protocol.Done(res.usage))
	}
	o.store.CompleteTurn(in.SessionID, in.TurnID, in.Utterance, text)
	o.journalTurn(in, text)
}

func (o *Orchestrator) failTurn(t Transport, in TurnInput, err error) {
	log.Printf("session %s: turn failed: %v", in.SessionID, err)
	if sendErr := t.Send(protocol.ErrorFrame(protocol.ErrInternal, "generation failed", 0)); sendErr != nil {
		log.Printf("Warning: session %s: error frame not delivered: %v", in.SessionID, sendErr)
	}
	o.store.CompleteTurn(in.SessionID, in.TurnID, in.Utterance, "")
}

func (o *Orchestrator) journalTurn(in TurnInput, text string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.AddTurn(in.SessionID, in.TurnID, in.Utterance, text); err != nil {
		log.Printf("Warning: session %s: journaling turn: %v", in.SessionID, err)
	}
}

// chatPrompt renders the chat completion prompt: persona meta, the budget-
// trimmed history (excluding the in-flight turn's own row), and the current
// utterance with an optional screen prefix.
func (o *Orchestrator) chatPrompt(in TurnInput, prefix string) (string, error) {
	meta, _ := o.store.Meta(in.SessionID)

	turns := o.store.History(in.SessionID)
	prior := turns[:0:0]
	for _, turn := range turns {
		if turn.ID != in.TurnID {
			prior = append(prior, turn)
		}
	}
	history := prompt.RenderHistory(prior)
	if o.cfg.HistoryBudget > 0 && o.chatBudget != nil {
		budget := o.cfg.HistoryBudget
		if prefix != "" {
			// Charge the screen prefix against the history budget so the
			// total prompt envelope stays put.
			if budget -= o.prefixTokens(meta, prefix); budget < 1 {
				budget = 1
			}
		}
		trimmed, err := o.chatBudget.TrimHistory(history, budget)
		if err != nil {
			return "", err
		}
		history = trimmed
	}
	return prompt.Chat(meta, history, prefix+in.Utterance), nil
}

// prefixTokens returns the token cost of a screen prefix, using the counts
// cached on the session meta when the prefix was configured.
func (o *Orchestrator) prefixTokens(meta session.Meta, prefix string) int {
	switch {
	case prefix == meta.ScreenOnPrefix && meta.ScreenOnPrefixTokens > 0:
		return meta.ScreenOnPrefixTokens
	case prefix == meta.ScreenOffPrefix && meta.ScreenOffPrefixTokens > 0:
		return meta.ScreenOffPrefixTokens
	}
	n, err := o.chatBudget.Count(prefix)
	if err != nil {
		return 0
	}
	return n
}

func (o *Orchestrator) params(in TurnInput) engine.SamplingParams {
	p := engine.DefaultSampling()
	if meta, ok := o.store.Meta(in.SessionID); ok {
		p = p.Merge(meta.Sampling)
	}
	return p.Merge(in.Sampling)
}

// screenPrefix picks the session's utterance prefix for the decided tool.
func (o *Orchestrator) screenPrefix(sessionID, tool string) string {
	meta, _ := o.store.Meta(sessionID)
	if strings.Contains(tool, "off") {
		if meta.ScreenOffPrefix != "" {
			return meta.ScreenOffPrefix
		}
		return DefaultScreenOffPrefix
	}
	if meta.ScreenOnPrefix != "" {
		return meta.ScreenOnPrefix
	}
	return DefaultScreenOnPrefix
}

// toolDecision is the classifier outcome: yes/no plus the raw payload echoed
// to the client and the tool name driving prefix selection.
type toolDecision struct {
	yes  bool
	tool string
	raw  string
}

func (d toolDecision) status() string {
	if d.yes {
		return "yes"
	}
	return "no"
}

// classify resolves the tool decision for a turn: prefilters first, then the
// classifier model bounded by the tool timeout. A timeout or any classifier
// failure reads as "no".
func (o *Orchestrator) classify(ctx context.Context, in TurnInput) toolDecision {
	if dec := prefilter(in.Utterance); dec != nil {
		return *dec
	}
	if o.tool == nil {
		return toolDecision{raw: "[]"}
	}

	toolReqID := in.RequestID + "-tool"
	o.store.SetToolRequest(in.SessionID, toolReqID)
	defer o.store.ClearToolRequest(in.SessionID)

	callCtx := ctx
	cancel := func() {}
	if o.cfg.ToolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.ToolTimeout)
	}
	defer cancel()

	history, err := o.toolHistory(in)
	if err != nil {
		log.Printf("Warning: session %s: building classifier history: %v", in.SessionID, err)
		return toolDecision{raw: "[]"}
	}

	ch, err := o.tool.GenerateStream(callCtx, prompt.ToolClassifier(history, in.Utterance), toolParams(), toolReqID)
	if err != nil {
		log.Printf("Warning: session %s: starting tool classifier: %v", in.SessionID, err)
		return toolDecision{raw: "[]"}
	}

	var b strings.Builder
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return parseToolDecision(b.String())
			}
			if chunk.Err != nil {
				log.Printf("Warning: session %s: tool classifier error: %v", in.SessionID, chunk.Err)
				return toolDecision{raw: "[]"}
			}
			if chunk.Finished {
				return parseToolDecision(b.String())
			}
			b.WriteString(chunk.Delta)
		case <-callCtx.Done():
			o.abortEngine(o.tool, toolReqID)
			if ctx.Err() == nil {
				log.Printf("Warning: session %s: tool classifier timed out after %s, treating as no", in.SessionID, o.cfg.ToolTimeout)
			}
			return toolDecision{raw: "[]"}
		}
	}
}

// toolHistory renders prior user utterances for the classifier prompt,
// bounded by the tool history budget.
func (o *Orchestrator) toolHistory(in TurnInput) (string, error) {
	utts := o.store.UserUtterances(in.SessionID)
	if n := len(utts); n > 0 && utts[n-1] == in.Utterance {
		utts = utts[:n-1]
	}
	if len(utts) == 0 {
		return "", nil
	}
	if o.cfg.ToolHistoryBudget > 0 && o.toolBudget != nil {
		return o.toolBudget.UserOnlyHistory(utts, o.cfg.ToolHistoryBudget, o.cfg.ToolHistorySepCost)
	}
	return strings.Join(utts, "\n"), nil
}

func toolParams() engine.SamplingParams {
	return engine.SamplingParams{Temperature: 0, TopP: 1, MaxTokens: 64}
}

// parseToolDecision extracts the first JSON array from the classifier output.
// A non-empty array whose first named entry has a name means "yes".
func parseToolDecision(raw string) toolDecision {
	dec := toolDecision{raw: strings.TrimSpace(raw)}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return dec
	}
	var calls []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &calls); err != nil {
		return dec
	}
	for _, c := range calls {
		if c.Name != "" {
			dec.yes = true
			dec.tool = c.Name
			break
		}
	}
	return dec
}

// abortEngine is best-effort; abort races natural completion so errors are
// logged and swallowed.
func (o *Orchestrator) abortEngine(eng engine.Engine, requestID string) {
	if eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Abort(ctx, requestID); err != nil {
		log.Printf("Warning: aborting request %s: %v", requestID, err)
	}
}

// sendAll sends frames in order, stopping at the first failure.
func sendAll(t Transport, in TurnInput, frames ...protocol.Frame) {
	for _, f := range frames {
		if err := t.Send(f); err != nil {
			log.Printf("Warning: session %s: send failed: %v", in.SessionID, err)
			return
		}
	}
}
