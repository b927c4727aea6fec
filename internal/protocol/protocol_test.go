package protocol

import (
	"errors"
	"testing"
)

func TestParseStart(t *testing.T) {
	raw := `{"type":"start","session_id":"s1","gender":"female","personality":"cheerful","user_utterance":"hi","history":[{"user":"a","assistant":"b"}],"sampling":{"temperature":0.7}}`

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	start, ok := msg.(*Start)
	if !ok {
		t.Fatalf("got %T, want *Start", msg)
	}
	if start.SessionID != "s1" || start.UserUtterance != "hi" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if len(start.History) != 1 || start.History[0].Assistant != "b" {
		t.Fatalf("unexpected history: %+v", start.History)
	}
	if start.Sampling == nil || *start.Sampling.Temperature != 0.7 {
		t.Fatalf("unexpected sampling: %+v", start.Sampling)
	}
}

func TestParseStartMissingSessionID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"start","user_utterance":"hi"}`))
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want FieldError", err)
	}
	if fe.Field != "session_id" {
		t.Fatalf("field = %q, want session_id", fe.Field)
	}
}

func TestParseMessageMissingUtterance(t *testing.T) {
	_, err := Parse([]byte(`{"type":"message"}`))
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want FieldError", err)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"bogus"}`))
	var ute *UnknownTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("got %v, want UnknownTypeError", err)
	}
	if ute.Type != "bogus" {
		t.Fatalf("type = %q", ute.Type)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("want error for malformed frame")
	}
}

func TestParseControlMessages(t *testing.T) {
	cases := map[string]any{
		`{"type":"cancel"}`: &Cancel{},
		`{"type":"ping"}`:   &Ping{},
		`{"type":"pong"}`:   &Pong{},
		`{"type":"end"}`:    &End{},
	}
	for raw, want := range cases {
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if gotT, wantT := typeName(msg), typeName(want); gotT != wantT {
			t.Fatalf("parse %s = %s, want %s", raw, gotT, wantT)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *Cancel:
		return "cancel"
	case *Ping:
		return "ping"
	case *Pong:
		return "pong"
	case *End:
		return "end"
	default:
		return "other"
	}
}

func TestParseChatPromptPartial(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"chat_prompt","personality":"stoic"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	upd, ok := msg.(*ChatPromptUpdate)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	if upd.Personality == nil || *upd.Personality != "stoic" {
		t.Fatalf("personality = %v", upd.Personality)
	}
	if upd.Gender != nil {
		t.Fatal("gender should be absent")
	}
}

func TestSamplingValidation(t *testing.T) {
	bad := []string{
		`{"type":"message","user_utterance":"x","sampling":{"temperature":3}}`,
		`{"type":"message","user_utterance":"x","sampling":{"top_p":0}}`,
		`{"type":"message","user_utterance":"x","sampling":{"max_tokens":0}}`,
		`{"type":"message","user_utterance":"x","sampling":{"repetition_penalty":0.1}}`,
	}
	for _, raw := range bad {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("parse %s succeeded, want validation error", raw)
		}
	}

	ok := `{"type":"message","user_utterance":"x","sampling":{"temperature":1.0,"top_p":0.9,"max_tokens":256,"repetition_penalty":1.1}}`
	if _, err := Parse([]byte(ok)); err != nil {
		t.Fatalf("parse valid sampling: %v", err)
	}
}
