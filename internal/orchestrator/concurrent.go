package orchestrator

import (
	"context"
	"log"
	"strings"

	"github.com/voxalab/voxgate/internal/protocol"
)

// runConcurrent races the tool classifier against chat generation. Chat
// deltas are buffered locally until the decision lands; if the buffer grows
// past PrebufferMaxChars it is flushed early, and from then on the turn is
// committed to this generation even if the classifier later says yes,
// because delivered tokens cannot be retracted.
func (o *Orchestrator) runConcurrent(ctx context.Context, t Transport, in TurnInput) {
	if dec := prefilter(in.Utterance); dec != nil {
		o.runWithDecision(ctx, t, in, *dec)
		return
	}

	p, err := o.chatPrompt(in, "")
	if err != nil {
		o.failTurn(t, in, err)
		return
	}
	params := o.params(in)

	var draftCtx context.Context
	var cancelDraft context.CancelFunc
	if o.cfg.GenTimeout > 0 {
		draftCtx, cancelDraft = context.WithTimeout(ctx, o.cfg.GenTimeout)
	} else {
		draftCtx, cancelDraft = context.WithCancel(ctx)
	}
	defer cancelDraft()

	draftID := in.RequestID + "-draft"
	ch, err := o.chat.GenerateStream(draftCtx, p, params, draftID)
	if err != nil {
		o.failTurn(t, in, err)
		return
	}

	decCh := make(chan toolDecision, 1)
	go func() { decCh <- o.classify(ctx, in) }()

	var buf strings.Builder
	var res streamResult
	var dec toolDecision
	flushed := false
	decided := false

	flush := func() bool {
		if buf.Len() == 0 {
			return true
		}
		if err := t.Send(protocol.Token(buf.String())); err != nil {
			log.Printf("Warning: session %s: send failed, interrupting stream: %v", in.SessionID, err)
			return false
		}
		res.text += buf.String()
		buf.Reset()
		return true
	}

	// Buffer (or stream, once flushed) chat chunks until the decision lands.
	for !decided {
		select {
		case chunk, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			if o.store.IsCancelled(in.SessionID, in.RequestID) {
				o.abortEngine(o.chat, draftID)
				o.finishTurn(t, in, res)
				return
			}
			if chunk.Err != nil {
				log.Printf("session %s: chat stream error: %v", in.SessionID, chunk.Err)
				ch = nil
				continue
			}
			if chunk.Finished {
				res.usage = chunk.Usage
				res.completed = true
				ch = nil
				continue
			}
			o.store.Touch(in.SessionID)
			if flushed {
				if err := t.Send(protocol.Token(chunk.Delta)); err != nil {
					log.Printf("Warning: session %s: send failed, interrupting stream: %v", in.SessionID, err)
					o.abortEngine(o.chat, draftID)
					o.finishTurn(t, in, res)
					return
				}
				res.text += chunk.Delta
			} else {
				buf.WriteString(chunk.Delta)
				if o.cfg.PrebufferMaxChars > 0 && buf.Len() > o.cfg.PrebufferMaxChars {
					if !flush() {
						o.abortEngine(o.chat, draftID)
						o.finishTurn(t, in, res)
						return
					}
					flushed = true
				}
			}
		case d := <-decCh:
			dec = d
			decided = true
		case <-draftCtx.Done():
			o.abortEngine(o.chat, draftID)
			if draftCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				log.Printf("session %s: generation timed out after %s", in.SessionID, o.cfg.GenTimeout)
			}
			res.completed = false
			o.finishTurn(t, in, res)
			return
		}
	}

	// Yes before anything reached the client: throw the draft away and
	// restart from scratch with the screen-prefixed utterance.
	if dec.yes && !flushed {
		cancelDraft()
		o.abortEngine(o.chat, draftID)
		if err := t.Send(protocol.Toolcall("yes", dec.raw)); err != nil {
			log.Printf("Warning: session %s: send failed before chat restart: %v", in.SessionID, err)
			o.store.CompleteTurn(in.SessionID, in.TurnID, in.Utterance, "")
			return
		}
		p2, err := o.chatPrompt(in, o.screenPrefix(in.SessionID, dec.tool))
		if err != nil {
			o.failTurn(t, in, err)
			return
		}
		res2 := o.streamChat(ctx, t, in, p2, params, in.RequestID+"-retry")
		o.finishTurn(t, in, res2)
		return
	}

	if dec.yes && flushed {
		// Delivered tokens cannot be retracted; report the real decision but
		// keep streaming this generation as if it were a no.
		log.Printf("Warning: session %s: tool decision yes arrived after flush, continuing stream", in.SessionID)
	}

	if !flush() {
		o.abortEngine(o.chat, draftID)
		res.completed = false
		o.finishTurn(t, in, res)
		return
	}
	if err := t.Send(protocol.Toolcall(dec.status(), dec.raw)); err != nil {
		log.Printf("Warning: session %s: send failed, interrupting stream: %v", in.SessionID, err)
		o.abortEngine(o.chat, draftID)
		res.completed = false
		o.finishTurn(t, in, res)
		return
	}

	if ch != nil {
		o.consume(draftCtx, t, in, ch, draftID, &res)
	}
	o.finishTurn(t, in, res)
}
