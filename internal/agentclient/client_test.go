package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty config accepted, want error")
	}

	cfg = Config{BaseURL: "ws://127.0.0.1:3001"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout default = %v, want 10s", cfg.ConnectTimeout)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts default = %d, want 5", cfg.MaxReconnectAttempts)
	}
}

func TestBackoffDelay(t *testing.T) {
	if got := backoffDelay(1); got != 5*time.Second {
		t.Errorf("backoffDelay(1) = %v, want 5s", got)
	}
	if got := backoffDelay(3); got != 15*time.Second {
		t.Errorf("backoffDelay(3) = %v, want 15s", got)
	}
	if got := backoffDelay(100); got != 30*time.Second {
		t.Errorf("backoffDelay(100) = %v, want 30s (capped)", got)
	}
}

func TestStartSession_NotConnected(t *testing.T) {
	client, err := New(Config{BaseURL: "ws://127.0.0.1:1"}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, err = client.StartSession(context.Background(), "hello", agentwire.SessionOptions{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}

	if err := client.AbortSession("s1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("abort err = %v, want ErrNotConnected", err)
	}
}

// fakeAgentUI upgrades connections and answers start_session with
// session-created, recording the bearer token it saw.
func fakeAgentUI(t *testing.T, sessionID string) (*httptest.Server, chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	tokens := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				continue
			}
			if head.Type == agentwire.TypeStartSession {
				created, _ := json.Marshal(agentwire.SessionCreated{
					Type:      agentwire.TypeSessionCreated,
					SessionID: sessionID,
				})
				conn.WriteMessage(websocket.TextMessage, created)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, tokens
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestStartSession_Handshake(t *testing.T) {
	srv, tokens := fakeAgentUI(t, "durable-99")

	client, err := New(Config{
		BaseURL:             wsURL(srv),
		Token:               "secret-token",
		SessionStartTimeout: 2 * time.Second,
	}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}

	id, err := client.StartSession(context.Background(), "refine this task", agentwire.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if id != "durable-99" {
		t.Errorf("session id = %q, want durable-99", id)
	}

	select {
	case token := <-tokens:
		if token != "secret-token" {
			t.Errorf("bearer token = %q, want secret-token", token)
		}
	case <-time.After(time.Second):
		t.Error("server never saw the connect request")
	}
}

func TestClient_InboundDispatch(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConn := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- conn
	}))
	defer srv.Close()

	responses := make(chan string, 4)
	completes := make(chan int, 1)
	rateLimits := make(chan time.Time, 1)

	client, err := New(Config{BaseURL: wsURL(srv)}, Events{
		OnResponse:  func(_, text string) { responses <- text },
		OnComplete:  func(_ string, code int) { completes <- code },
		OnRateLimit: func(_ string, at time.Time) { rateLimits <- at },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}

	var conn *websocket.Conn
	select {
	case conn = <-serverConn:
	case <-time.After(time.Second):
		t.Fatal("client never connected")
	}
	defer conn.Close()

	send := func(v interface{}) {
		data, _ := json.Marshal(v)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}

	send(agentwire.Response{
		Type: agentwire.TypeResponse,
		Data: agentwire.ResponseData{Type: "text", Delta: "working on it"},
	})
	send(agentwire.Response{
		Type: agentwire.TypeResponse,
		Data: agentwire.ResponseData{Type: "text", Content: "usage limit reached|1700000000"},
	})
	send(agentwire.Complete{Type: agentwire.TypeComplete, ExitCode: 0})

	select {
	case text := <-responses:
		if text != "working on it" {
			t.Errorf("response text = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("no response callback")
	}

	select {
	case at := <-rateLimits:
		if at.UnixMilli() != 1700000000000 {
			t.Errorf("rate limit reset = %d ms, want 1700000000000", at.UnixMilli())
		}
	case <-time.After(time.Second):
		t.Fatal("no rate limit callback")
	}

	select {
	case code := <-completes:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no complete callback")
	}
}

func TestDetectRateLimit(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		wantMs int64
		want   bool
	}{
		{"seconds epoch", "usage limit reached|1700000000", 1700000000000, true},
		{"millis epoch", "usage limit reached|1700000000000", 1700000000000, true},
		{"embedded in stream", "some output\nusage limit reached|1700000000\nmore", 1700000000000, true},
		{"no marker", "all good here", 0, false},
		{"marker without epoch", "usage limit reached|", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, ok := DetectRateLimit(tt.text)
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && at.UnixMilli() != tt.wantMs {
				t.Errorf("reset = %d ms, want %d", at.UnixMilli(), tt.wantMs)
			}
		})
	}
}
