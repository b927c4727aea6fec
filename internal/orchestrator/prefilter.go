package orchestrator

import (
	"strings"
	"unicode"
)

// Classifier prefilters. Exact screen commands decide "yes" without a model
// call; mostly non-Latin input decides "no" because the classifier model is
// English-only. Both apply before any model call in every mode.

var screenOnPhrases = []string{
	"turn on the screen",
	"turn the screen on",
	"screen on",
	"look at the screen",
	"check the screen",
	"what's on my screen",
	"what is on my screen",
}

var screenOffPhrases = []string{
	"turn off the screen",
	"turn the screen off",
	"screen off",
}

func prefilter(utterance string) *toolDecision {
	norm := strings.ToLower(strings.TrimSpace(utterance))
	norm = strings.TrimRight(norm, ".!?")
	for _, p := range screenOnPhrases {
		if norm == p {
			return &toolDecision{yes: true, tool: "screen_on", raw: `[{"name": "screen_on"}]`}
		}
	}
	for _, p := range screenOffPhrases {
		if norm == p {
			return &toolDecision{yes: true, tool: "screen_off", raw: `[{"name": "screen_off"}]`}
		}
	}
	if nonLatin(utterance) {
		return &toolDecision{raw: "[]"}
	}
	return nil
}

// nonLatin reports whether the majority of the letters fall outside the
// Latin script.
func nonLatin(s string) bool {
	letters, latin := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.In(r, unicode.Latin) {
				latin++
			}
		}
	}
	return letters > 0 && latin*2 < letters
}
