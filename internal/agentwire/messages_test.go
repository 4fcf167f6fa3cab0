package agentwire

import (
	"encoding/json"
	"testing"
)

func TestDecode_SessionCreated(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"session-created","sessionId":"sess-42"}`))
	if err != nil {
		t.Fatal(err)
	}
	created, ok := msg.(SessionCreated)
	if !ok {
		t.Fatalf("decoded type = %T, want SessionCreated", msg)
	}
	if created.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", created.SessionID)
	}
}

func TestDecode_Response(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"claude-response","data":{"type":"text","delta":"hello"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := msg.(Response)
	if !ok {
		t.Fatalf("decoded type = %T, want Response", msg)
	}
	if resp.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", resp.Text())
	}
}

func TestDecode_ResponseContentFallback(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"claude-response","data":{"type":"text","content":"full text"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.(Response).Text(); got != "full text" {
		t.Errorf("Text() = %q, want full text", got)
	}
}

func TestDecode_CompleteAndError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"claude-complete","exitCode":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.(Complete).ExitCode; got != 3 {
		t.Errorf("ExitCode = %d, want 3", got)
	}

	msg, err = Decode([]byte(`{"type":"claude-error","error":"spawn failed"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.(Error).Error; got != "spawn failed" {
		t.Errorf("Error = %q, want spawn failed", got)
	}
}

func TestDecode_Rejects(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"mystery"}`)); err == nil {
		t.Error("unknown type accepted, want error")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("malformed JSON accepted, want error")
	}
}

func TestNewStartSession_Marshal(t *testing.T) {
	msg := NewStartSession("do the thing", SessionOptions{
		WorkingDir:     "/srv/repos/app",
		AllowedTools:   []string{"Bash", "Edit"},
		PermissionMode: "acceptEdits",
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != TypeStartSession {
		t.Errorf("type = %v, want start_session", decoded["type"])
	}
	if decoded["sessionType"] != SessionTypeClaude {
		t.Errorf("sessionType = %v, want claude", decoded["sessionType"])
	}
	if decoded["command"] != "do the thing" {
		t.Errorf("command = %v", decoded["command"])
	}
}
