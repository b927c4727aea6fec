// Package prompt renders model prompts from session state. Builders are pure
// string functions; budget trimming happens upstream on the rendered history
// so the role markers here must stay in sync with the trimmer's.
package prompt

import (
	"strings"

	"github.com/voxalab/voxgate/internal/session"
)

// RenderHistory flattens turns into the role-tagged transcript format the
// history trimmer splits on. Turns with no assistant text yet render the user
// line only.
func RenderHistory(turns []session.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(t.User)
		if t.Assistant != "" {
			b.WriteString("\nAssistant: ")
			b.WriteString(t.Assistant)
		}
	}
	return b.String()
}

// Chat builds the conversational completion prompt: persona preamble, trimmed
// history, then the current utterance with an open assistant tag.
func Chat(meta session.Meta, history, utterance string) string {
	var b strings.Builder
	if meta.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(meta.SystemPrompt))
		b.WriteString("\n\n")
	}
	if persona := personaLine(meta); persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	if meta.ChatPrompt != "" {
		b.WriteString(strings.TrimSpace(meta.ChatPrompt))
		b.WriteString("\n\n")
	}
	if history != "" {
		b.WriteString(history)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(utterance)
	b.WriteString("\nAssistant:")
	return b.String()
}

func personaLine(meta session.Meta) string {
	switch {
	case meta.Personality != "" && meta.Gender != "":
		return "You are a " + meta.Personality + " " + meta.Gender + " companion."
	case meta.Personality != "":
		return "You are a " + meta.Personality + " companion."
	case meta.Gender != "":
		return "You are a " + meta.Gender + " companion."
	}
	return ""
}

// ToolClassifier builds the classifier prompt. The model is asked for a JSON
// array of tool calls; an empty array means no device action is needed.
func ToolClassifier(userHistory, utterance string) string {
	var b strings.Builder
	b.WriteString("Decide whether the user's latest message asks for a device screen action.\n")
	b.WriteString("Available tools: screen_on, screen_off.\n")
	b.WriteString("Respond with a JSON array of tool calls, for example [{\"name\": \"screen_on\"}].\n")
	b.WriteString("Respond with [] when no tool applies.\n\n")
	if userHistory != "" {
		b.WriteString("Recent messages:\n")
		b.WriteString(userHistory)
		b.WriteString("\n\n")
	}
	b.WriteString("Latest message: ")
	b.WriteString(utterance)
	b.WriteString("\nTool calls:")
	return b.String()
}
