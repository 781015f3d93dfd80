// Package client is the consumer side of the research service: a
// WebSocket Session that receives progress frames and a small REST API
// wrapper to start turns and read conversations back.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai-research-be/internal/pkg/logger"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected       = errors.New("session is not connected")
	ErrNoClientID         = errors.New("session has no client id yet")
	ErrHandshakeTimeout   = errors.New("handshake timed out before a client id arrived")
	ErrReconnectExhausted = errors.New("gave up reconnecting")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

// ConnectionEvent is passed to connection-change handlers.
type ConnectionEvent struct {
	State     State
	Connected bool
	ClientID  string
	Attempt   int
	Delay     time.Duration
}

type (
	Handler           func(Message)
	ConnectionHandler func(ConnectionEvent)
	ErrorHandler      func(error)
)

type SessionConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	Dialer               *websocket.Dialer
}

func (c *SessionConfig) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

type handlerEntry struct {
	id int
	fn Handler
}

// Session owns one logical connection to the research server, including
// reconnects. A new connection always carries a new clientId.
type Session struct {
	cfg    SessionConfig
	logger logger.ILogger

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        int
	clientID   string
	state      State
	closed     bool
	cancel     context.CancelFunc
	handlers   map[MessageType][]handlerEntry
	nextID     int
	connChange []ConnectionHandler
	onError    []ErrorHandler

	writeMu sync.Mutex
	active  atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSession(cfg SessionConfig, log logger.ILogger) *Session {
	cfg.defaults()
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Session{
		cfg:      cfg,
		logger:   log,
		handlers: make(map[MessageType][]handlerEntry),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials and waits for the server's clientId. Calling it on an open
// session returns the current id.
func (s *Session) Connect(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == Open {
		id := s.clientID
		s.mu.Unlock()
		return id, nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	life, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.closed = false
	s.state = Connecting
	s.mu.Unlock()

	conn, id, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return "", err
	}
	s.install(life, conn, id, 0)
	return id, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if time.Now().After(deadline) {
				return nil, "", ErrHandshakeTimeout
			}
			return nil, "", fmt.Errorf("handshake: %w", err)
		}
		if _, id, err := Decode(data); err == nil && id != "" {
			_ = conn.SetReadDeadline(time.Time{})
			return conn, id, nil
		}
		s.logger.Debug("Session", "Ignoring frame before handshake", nil)
	}
}

func (s *Session) install(life context.Context, conn *websocket.Conn, id string, attempt int) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.clientID = id
	s.state = Open
	s.mu.Unlock()

	s.logger.Info("Session", "Connected", map[string]interface{}{"client_id": id, "attempt": attempt})
	s.notify(ConnectionEvent{State: Open, Connected: true, ClientID: id, Attempt: attempt})
	go s.readLoop(life, conn, gen)
}

func (s *Session) readLoop(life context.Context, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(life, gen, err)
			return
		}
		msg, id, err := Decode(data)
		if err != nil {
			s.logger.Warn("Session", "Dropping frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		if msg.Type == "" {
			if id != "" {
				s.mu.Lock()
				s.clientID = id
				s.mu.Unlock()
			}
			continue
		}
		s.dispatch(msg)
	}
}

// dropped handles the end of a read loop. Only an unexpected end of the
// current connection triggers a reconnect.
func (s *Session) dropped(life context.Context, gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.clientID = ""
	s.state = Reconnecting
	s.mu.Unlock()

	s.logger.Warn("Session", "Connection lost", map[string]interface{}{"error": cause.Error()})
	s.active.Store(false)
	s.notify(ConnectionEvent{State: Reconnecting})
	go s.reconnect(life, gen)
}

func (s *Session) reconnect(life context.Context, gen int) {
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := s.cfg.ReconnectBase * time.Duration(1<<(attempt-1))
		s.notify(ConnectionEvent{State: Reconnecting, Attempt: attempt, Delay: delay})
		if err := s.sleep(life, delay); err != nil {
			return
		}
		if !s.stillReconnecting(gen) {
			return
		}

		ctx, cancel := context.WithTimeout(life, s.cfg.HandshakeTimeout)
		conn, id, err := s.dial(ctx)
		cancel()
		if err == nil {
			if !s.stillReconnecting(gen) {
				conn.Close()
				return
			}
			s.install(life, conn, id, attempt)
			return
		}
		s.logger.Warn("Session", "Reconnect attempt failed", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	handlers := append([]ErrorHandler(nil), s.onError...)
	s.mu.Unlock()

	s.logger.Error("Session", "Reconnect attempts exhausted", map[string]interface{}{"attempts": s.cfg.MaxReconnectAttempts})
	s.notify(ConnectionEvent{State: Failed})
	err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.cfg.MaxReconnectAttempts)
	for _, h := range handlers {
		h(err)
	}
}

func (s *Session) stillReconnecting(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.closed && s.state == Reconnecting
}

func (s *Session) dispatch(msg Message) {
	if active, changes := activity(msg.Type); changes {
		s.active.Store(active)
	}

	s.mu.Lock()
	targets := append([]handlerEntry(nil), s.handlers[msg.Type]...)
	targets = append(targets, s.handlers[Wildcard]...)
	s.mu.Unlock()

	for _, h := range targets {
		s.safeCall(h.fn, msg)
	}
}

func (s *Session) safeCall(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session", "Handler panicked", map[string]interface{}{"type": msg.Type, "panic": fmt.Sprint(r)})
		}
	}()
	fn(msg)
}

func (s *Session) notify(ev ConnectionEvent) {
	s.mu.Lock()
	handlers := append([]ConnectionHandler(nil), s.connChange...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// On registers h for a canonical type, or Wildcard. The returned id is
// what Off takes.
func (s *Session) On(t MessageType, h Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[t] = append(s.handlers[t], handlerEntry{id: s.nextID, fn: h})
	return s.nextID
}

func (s *Session) Off(t MessageType, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[t]
	for i, e := range entries {
		if e.id == id {
			s.handlers[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (s *Session) OnConnectionChange(h ConnectionHandler) {
	s.mu.Lock()
	s.connChange = append(s.connChange, h)
	s.mu.Unlock()
}

func (s *Session) OnError(h ErrorHandler) {
	s.mu.Lock()
	s.onError = append(s.onError, h)
	s.mu.Unlock()
}

// Send writes v as JSON. Nothing is queued: without a connection and a
// clientId it fails at once.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	conn, id, state := s.conn, s.clientID, s.state
	s.mu.Unlock()
	if conn == nil || state != Open {
		return ErrNotConnected
	}
	if id == "" {
		return ErrNoClientID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close ends the session without reconnecting.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Closed
	conn := s.conn
	s.conn = nil
	s.clientID = ""
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.active.Store(false)
	var err error
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = conn.Close()
	}
	s.notify(ConnectionEvent{State: Closed})
	return err
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activity is true while the server is working on a turn.
func (s *Session) Activity() bool {
	return s.active.Load()
}
