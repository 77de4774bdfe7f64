// Package realtime is a WebSocket client for realtime transcription endpoints
// that speak the OpenAI Realtime event protocol.
//
// A [Client] configures a transcription session for 24 kHz PCM16 input and
// then forwards base64 audio as input_audio_buffer.append events. Endpoints
// are tried in order, each behind its own circuit breaker, so a failing
// primary falls back to the next endpoint on dial.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/intervox/internal/resilience"
)

var (
	// ErrNotConnected is returned by SendAudio while no socket is open.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrNoEndpoints is returned when a client is created without endpoints.
	ErrNoEndpoints = errors.New("realtime: no endpoints configured")
)

const defaultModel = "gpt-4o-transcribe"

// Endpoint is one realtime WebSocket URL.
type Endpoint struct {
	Name string
	URL  string
}

// Config configures a [Client].
type Config struct {
	// Endpoints are tried in order on every dial. The first is the primary.
	Endpoints []Endpoint

	// APIKey is sent as a bearer token. Optional for local endpoints.
	APIKey string

	// Model is the transcription model. Default: "gpt-4o-transcribe".
	Model string

	// Language is an optional ISO-639-1 hint such as "en".
	Language string

	// Breaker is the template for each endpoint's circuit breaker.
	Breaker resilience.CircuitBreakerConfig

	// OnDisconnect is called once per lost socket, from the goroutine that
	// noticed the loss. It is not called for [Client.Close].
	OnDisconnect func(err error)
}

// Client is a reconnectable realtime connection. It is safe for concurrent
// use.
type Client struct {
	cfg   Config
	group *resilience.FallbackGroup[Endpoint]

	dialMu sync.Mutex // serialises Redial

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint string
	cancel   context.CancelFunc
	closed   bool
}

// New creates a disconnected client. Call [Client.Redial] to connect.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	group := resilience.NewFallbackGroup[Endpoint](cfg.Breaker)
	for _, ep := range cfg.Endpoints {
		name := ep.Name
		if name == "" {
			name = ep.URL
		}
		group.Add(name, ep)
	}
	return &Client{cfg: cfg, group: group}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Redial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Redial closes the current socket, if any, and connects to the first
// endpoint that accepts the dial and the session configuration.
func (c *Client) Redial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	old := c.detachLocked()
	c.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "redial")
	}

	conn, name, err := resilience.Execute(c.group, func(ep Endpoint) (*websocket.Conn, error) {
		return c.dialEndpoint(ctx, ep)
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrNotConnected
	}
	c.conn = conn
	c.endpoint = name
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	slog.Info("realtime connected", "endpoint", name)
	return nil
}

func (c *Client) dialEndpoint(ctx context.Context, ep Endpoint) (*websocket.Conn, error) {
	header := http.Header{"OpenAI-Beta": []string{"realtime=v1"}}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, _, err := websocket.Dial(ctx, ep.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	update := sessionUpdateMessage{
		Type: "transcription_session.update",
		Session: transcriptionSession{
			InputAudioFormat: "pcm16",
			Transcription: transcriptionParams{
				Model:    c.cfg.Model,
				Language: c.cfg.Language,
			},
		},
	}
	if err := writeJSON(ctx, conn, update); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("session update: %w", err)
	}
	return conn, nil
}

// SendAudio appends one base64 PCM16 chunk to the remote input buffer.
// A failed write drops the socket; subsequent calls return
// [ErrNotConnected] until the client is redialled.
func (c *Client) SendAudio(ctx context.Context, audioBase64 string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	err := writeJSON(ctx, conn, appendAudioMessage{Type: "input_audio_buffer.append", Audio: audioBase64})
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("realtime: send audio: %w", err)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Endpoint returns the name of the connected endpoint, or "".
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.endpoint
}

// Close closes the socket. Subsequent Redial calls fail. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.detachLocked()
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// detachLocked forgets the current socket and stops its read loop. c.mu must
// be held.
func (c *Client) detachLocked() *websocket.Conn {
	conn := c.conn
	c.conn = nil
	c.endpoint = ""
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return conn
}

// drop handles the loss of conn. It is a no-op if conn has already been
// replaced or detached.
func (c *Client) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	endpoint := c.endpoint
	c.detachLocked()
	c.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "connection lost")
	slog.Warn("realtime connection lost", "endpoint", endpoint, "err", err)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.drop(conn, err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("realtime: undecodable event", "err", err)
			continue
		}
		handleServerEvent(&evt)
	}
}

func handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "error":
		if evt.Error != nil {
			slog.Warn("realtime server error",
				"error_type", evt.Error.Type,
				"code", evt.Error.Code,
				"message", evt.Error.Message,
			)
		}
	case "conversation.item.input_audio_transcription.completed":
		slog.Debug("transcription completed", "item_id", evt.ItemID, "transcript", evt.Transcript)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
