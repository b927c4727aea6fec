package tokenizer

import (
	"hash/fnv"
	"unicode"
)

// Heuristic approximates a model tokenizer by treating each whitespace-
// delimited segment as one token. It is the degraded fallback used when no
// real tokenizer service is configured, and the workhorse of tests. Counts
// are approximate but trimming behavior matches the real contract: a trim
// keeps a contiguous byte range of the input, so trimming is idempotent.
type Heuristic struct{}

// NewHeuristic creates a heuristic tokenizer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Count(text string) (int, error) {
	return len(segments(text)), nil
}

func (h *Heuristic) Trim(text string, maxTokens int, keep Keep) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	segs := segments(text)
	if len(segs) <= maxTokens {
		return text, nil
	}
	if keep == KeepStart {
		return text[:segs[maxTokens-1].end], nil
	}
	return text[segs[len(segs)-maxTokens].start:], nil
}

func (h *Heuristic) EncodeIDs(text string) ([]int, error) {
	segs := segments(text)
	ids := make([]int, len(segs))
	for i, s := range segs {
		f := fnv.New32a()
		f.Write([]byte(text[s.start:s.end]))
		ids[i] = int(f.Sum32() & 0x7fffffff)
	}
	return ids, nil
}

type span struct {
	start, end int
}

// segments returns the byte spans of whitespace-delimited runs in text.
func segments(text string) []span {
	var out []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, span{start, len(text)})
	}
	return out
}
