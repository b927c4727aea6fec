// Package tokenbudget enforces token budgets over conversation text. All
// operations are pure functions over text plus an injected tokenizer; the
// chat model and the tool classifier each get their own Budget because their
// tokenizers differ.
package tokenbudget

import (
	"sort"
	"strings"

	"github.com/voxalab/voxgate/internal/tokenizer"
)

// Budget wraps a tokenizer with history-aware trimming operations.
type Budget struct {
	tok tokenizer.Tokenizer
}

// New creates a Budget backed by the given tokenizer.
func New(tok tokenizer.Tokenizer) *Budget {
	return &Budget{tok: tok}
}

// Count returns the token count of text.
func (b *Budget) Count(text string) (int, error) {
	return b.tok.Count(text)
}

// Trim bounds text to maxTokens, keeping the requested side. Text already
// within budget is returned unchanged without re-tokenizing.
func (b *Budget) Trim(text string, maxTokens int, keep tokenizer.Keep) (string, error) {
	n, err := b.tok.Count(text)
	if err != nil {
		return "", err
	}
	if n <= maxTokens {
		return text, nil
	}
	return b.tok.Trim(text, maxTokens, keep)
}

// TrimHistory bounds a rendered conversation history to maxTokens without
// splitting any message. Messages are found on the most specific boundary
// available (role markers, then paragraph breaks, then newlines) and kept
// whole, newest first, until the budget is exhausted. A message that would
// overflow is dropped entirely. If not even the newest message fits, the
// whole text is tail-trimmed instead.
func (b *Budget) TrimHistory(history string, maxTokens int) (string, error) {
	if history == "" {
		return "", nil
	}

	msgs, sep := splitHistory(history)

	total := 0
	kept := 0 // number of trailing messages kept
	for i := len(msgs) - 1; i >= 0; i-- {
		n, err := b.tok.Count(msgs[i])
		if err != nil {
			return "", err
		}
		if total+n > maxTokens {
			break
		}
		total += n
		kept++
	}

	if kept == 0 {
		return b.tok.Trim(history, maxTokens, tokenizer.KeepEnd)
	}
	if kept == len(msgs) {
		return history, nil
	}
	return strings.Join(msgs[len(msgs)-kept:], sep), nil
}

// UserOnlyHistory newline-joins the most recent user utterances that fit
// within maxTokens, charging sepCost tokens per separator. The newest
// utterance is never dropped: if it alone exceeds the budget it is
// tail-trimmed to fit.
func (b *Budget) UserOnlyHistory(utterances []string, maxTokens, sepCost int) (string, error) {
	if len(utterances) == 0 {
		return "", nil
	}

	newest := utterances[len(utterances)-1]
	total, err := b.tok.Count(newest)
	if err != nil {
		return "", err
	}
	if total > maxTokens {
		return b.tok.Trim(newest, maxTokens, tokenizer.KeepEnd)
	}

	kept := []string{newest}
	for i := len(utterances) - 2; i >= 0; i-- {
		n, err := b.tok.Count(utterances[i])
		if err != nil {
			return "", err
		}
		if total+n+sepCost > maxTokens {
			break
		}
		total += n + sepCost
		kept = append([]string{utterances[i]}, kept...)
	}

	return strings.Join(kept, "\n"), nil
}

// roleMarkers are the message-boundary prefixes recognized in rendered
// history text. A marker only counts at the start of a line.
var roleMarkers = []string{"User:", "Assistant:"}

// splitHistory breaks history into messages plus the separator to rejoin
// them with. Role-marker messages carry their own leading newline, so their
// separator is empty.
func splitHistory(text string) ([]string, string) {
	if offs := markerOffsets(text); len(offs) > 0 {
		var msgs []string
		if offs[0] > 0 {
			msgs = append(msgs, text[:offs[0]])
		}
		for i, off := range offs {
			end := len(text)
			if i+1 < len(offs) {
				end = offs[i+1]
			}
			msgs = append(msgs, text[off:end])
		}
		return msgs, ""
	}
	if strings.Contains(text, "\n\n") {
		return strings.Split(text, "\n\n"), "\n\n"
	}
	return strings.Split(text, "\n"), "\n"
}

// markerOffsets returns the byte offsets where a role marker starts a line.
// An offset other than zero points at the newline preceding the marker so
// that rejoined messages are byte-identical to the source.
func markerOffsets(text string) []int {
	var offs []int
	for _, marker := range roleMarkers {
		if strings.HasPrefix(text, marker) {
			offs = append(offs, 0)
		}
		from := 0
		for {
			i := strings.Index(text[from:], "\n"+marker)
			if i < 0 {
				break
			}
			offs = append(offs, from+i)
			from += i + 1
		}
	}
	sort.Ints(offs)
	return offs
}
