package prompt

import (
	"strings"
	"testing"

	"github.com/voxalab/voxgate/internal/session"
)

func TestRenderHistoryRoleMarkers(t *testing.T) {
	got := RenderHistory([]session.Turn{
		{User: "hi", Assistant: "hello"},
		{User: "how are you"},
	})
	want := "User: hi\nAssistant: hello\nUser: how are you"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestChatEndsWithOpenAssistantTag(t *testing.T) {
	meta := session.Meta{SystemPrompt: "Be brief.", Gender: "female", Personality: "cheerful"}
	p := Chat(meta, "User: hi\nAssistant: hello", "what now")

	if !strings.HasSuffix(p, "User: what now\nAssistant:") {
		t.Fatalf("prompt does not end with open assistant tag: %q", p)
	}
	if !strings.Contains(p, "Be brief.") {
		t.Fatal("system prompt missing")
	}
	if !strings.Contains(p, "cheerful female companion") {
		t.Fatal("persona line missing")
	}
}

func TestChatOmitsEmptySections(t *testing.T) {
	p := Chat(session.Meta{}, "", "hello")
	if p != "User: hello\nAssistant:" {
		t.Fatalf("got %q", p)
	}
}

func TestToolClassifierMentionsTools(t *testing.T) {
	p := ToolClassifier("turn it on", "turn off the screen")
	if !strings.Contains(p, "screen_on") || !strings.Contains(p, "screen_off") {
		t.Fatal("tool names missing")
	}
	if !strings.HasSuffix(p, "Tool calls:") {
		t.Fatalf("prompt does not end with the completion tag: %q", p)
	}
}
