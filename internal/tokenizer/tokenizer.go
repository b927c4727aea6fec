// Package tokenizer defines the boundary to the model tokenizers consumed by
// the gateway. The real tokenizers live in the model runtime; the gateway
// only needs counting, trimming, and id encoding.
package tokenizer

// Keep selects which side of a text survives a trim.
type Keep string

const (
	KeepStart Keep = "start"
	KeepEnd   Keep = "end"
)

// Tokenizer is the external tokenizer contract. Implementations must be safe
// for concurrent use.
type Tokenizer interface {
	// Count returns the exact token count of text.
	Count(text string) (int, error)

	// Trim returns text unchanged when it fits within maxTokens, otherwise
	// the first (KeepStart) or last (KeepEnd) maxTokens tokens detokenized.
	Trim(text string, maxTokens int, keep Keep) (string, error)

	// EncodeIDs returns the token ids for text.
	EncodeIDs(text string) ([]int, error)
}
