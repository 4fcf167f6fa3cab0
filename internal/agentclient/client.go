// Package agentclient maintains the single outbound WebSocket connection
// to the external agent-UI process and translates session commands into
// wire messages.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solo-unicorn/solo-unicorn/internal/agentwire"
)

// Backoff constants for reconnection. Delay grows linearly with the
// attempt count and is capped.
const (
	backoffStep = 5 * time.Second
	backoffMax  = 30 * time.Second
)

// backoffDelay returns the delay before the given reconnect attempt
func backoffDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * backoffStep
	if delay < backoffStep {
		delay = backoffStep
	}
	if delay > backoffMax {
		return backoffMax
	}
	return delay
}

// ErrNotConnected is returned by outbound calls while the socket is down
var ErrNotConnected = errors.New("agent ui not connected")

// Config configures the transport client
type Config struct {
	BaseURL              string // agent UI base, e.g. "ws://127.0.0.1:3001"
	Token                string // bearer embedded in the connect URL
	ConnectTimeout       time.Duration
	SessionStartTimeout  time.Duration
	MaxReconnectAttempts int
}

// Validate checks the config is valid and fills defaults
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SessionStartTimeout == 0 {
		c.SessionStartTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	return nil
}

// Events are the inbound callbacks the orchestrator wires up. Nil
// callbacks are skipped.
type Events struct {
	OnResponse  func(sessionID, text string)
	OnComplete  func(sessionID string, exitCode int)
	OnError     func(sessionID, message string)
	OnAborted   func(sessionID string)
	OnRateLimit func(sessionID string, resetAt time.Time)
}

// Client is the transport to the external agent-UI process
type Client struct {
	config Config
	events Events

	mu            sync.Mutex
	conn          *websocket.Conn
	attempts      int
	gaveUp        bool
	reconnecting  bool
	createWaiters []chan string

	activityMu   sync.Mutex
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a transport client. Call Connect before starting sessions.
func New(config Config, events Events) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		events: events,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connect dials the agent UI. The handshake must complete within the
// connect timeout. A successful connect resets the reconnect counter.
func (c *Client) Connect() error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.gaveUp = false
	c.mu.Unlock()

	c.touch()
	go c.readLoop(conn)
	return nil
}

func (c *Client) endpoint() (string, error) {
	base, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = "/ws/agent"
	q := url.Values{}
	q.Set("token", c.config.Token)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// StartSession sends a start_session command and waits for the agent UI
// to answer with the durable session identifier. It fails fast when the
// socket is down.
func (c *Client) StartSession(ctx context.Context, prompt string, opts agentwire.SessionOptions) (string, error) {
	waiter := make(chan string, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.createWaiters = append(c.createWaiters, waiter)
	c.mu.Unlock()

	if err := c.send(agentwire.NewStartSession(prompt, opts)); err != nil {
		c.dropWaiter(waiter)
		return "", err
	}

	select {
	case id, ok := <-waiter:
		if !ok {
			return "", fmt.Errorf("connection lost before session was created")
		}
		return id, nil
	case <-ctx.Done():
		c.dropWaiter(waiter)
		return "", ctx.Err()
	case <-time.After(c.config.SessionStartTimeout):
		c.dropWaiter(waiter)
		return "", fmt.Errorf("timed out waiting for session-created")
	}
}

// AbortSession sends a best-effort abort for a running session
func (c *Client) AbortSession(sessionID string) error {
	return c.send(agentwire.NewAbortSession(sessionID))
}

// Connected reports whether the socket is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastActivity returns when the last inbound message arrived
func (c *Client) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// Retry resets the reconnect counter and dials again. Used by operators
// after the automatic reconnect gave up.
func (c *Client) Retry() error {
	c.mu.Lock()
	c.attempts = 0
	c.gaveUp = false
	already := c.conn != nil
	c.mu.Unlock()

	if already {
		return nil
	}
	return c.Connect()
}

// Close shuts the client down
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		msg, err := agentwire.Decode(data)
		if err != nil {
			log.Printf("agentclient: invalid message: %v", err)
			continue
		}

		c.touch()
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg agentwire.Message) {
	switch m := msg.(type) {
	case agentwire.SessionCreated:
		c.resolveWaiter(m.SessionID)

	case agentwire.Response:
		text := m.Text()
		if resetAt, ok := DetectRateLimit(text); ok {
			log.Printf("agentclient: usage limit reported, resets at %s", resetAt.Format(time.RFC3339))
			if c.events.OnRateLimit != nil {
				c.events.OnRateLimit(m.SessionID, resetAt)
			}
		}
		if c.events.OnResponse != nil {
			c.events.OnResponse(m.SessionID, text)
		}

	case agentwire.Complete:
		if c.events.OnComplete != nil {
			c.events.OnComplete(m.SessionID, m.ExitCode)
		}

	case agentwire.Error:
		if c.events.OnError != nil {
			c.events.OnError(m.SessionID, m.Error)
		}

	case agentwire.SessionAborted:
		if c.events.OnAborted != nil {
			c.events.OnAborted(m.SessionID)
		}
	}
}

func (c *Client) resolveWaiter(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.createWaiters) == 0 {
		log.Printf("agentclient: unexpected session-created for %s", sessionID)
		return
	}
	waiter := c.createWaiters[0]
	c.createWaiters = c.createWaiters[1:]
	waiter <- sessionID
}

func (c *Client) dropWaiter(waiter chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.createWaiters {
		if w == waiter {
			c.createWaiters = append(c.createWaiters[:i], c.createWaiters[i+1:]...)
			return
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one
		c.mu.Unlock()
		return
	}
	c.conn = nil
	waiters := c.createWaiters
	c.createWaiters = nil
	alreadyReconnecting := c.reconnecting
	if !alreadyReconnecting {
		c.reconnecting = true
	}
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	select {
	case <-c.ctx.Done():
		return
	default:
	}

	log.Printf("agentclient: disconnected: %v", err)
	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		max := c.config.MaxReconnectAttempts
		c.mu.Unlock()

		if attempt > max {
			c.mu.Lock()
			c.gaveUp = true
			c.mu.Unlock()
			log.Printf("agentclient: giving up after %d reconnect attempts", max)
			return
		}

		delay := backoffDelay(attempt)
		log.Printf("agentclient: reconnecting in %v (attempt %d/%d)", delay, attempt, max)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.Connect(); err != nil {
			log.Printf("agentclient: reconnect failed: %v", err)
			continue
		}
		return
	}
}

func (c *Client) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}
