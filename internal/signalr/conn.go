package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("signalr: not connected")
	ErrConnectionClosed = errors.New("signalr: connection closed")
)

const writeWait = 10 * time.Second

// Handler receives the raw arguments of a server-invoked method.
// Handlers run on the read goroutine and must not call Invoke.
type Handler func(args []json.RawMessage)

// Options configures a hub connection.
type Options struct {
	URL               string
	AccessToken       func() string
	RetryPolicy       RetryPolicy // nil disables automatic reconnect
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

func (o *Options) defaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 15 * time.Second
	}
	if o.ServerTimeout == 0 {
		o.ServerTimeout = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

type pendingCall struct {
	target string
	done   chan error
}

// Conn is a single hub connection. It can be started once; build a new Conn
// to connect again after Stop.
type Conn struct {
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	state          connState
	stopped        bool
	stopCh         chan struct{}
	pending        map[string]*pendingCall
	handlers       map[string]Handler
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)

	writeMu sync.Mutex
}

// New creates a hub connection. Nothing is dialed until Start.
func New(opts Options) *Conn {
	opts.defaults()
	return &Conn{
		opts:     opts,
		logger:   opts.Logger.With(zap.String("hub", opts.URL)),
		stopCh:   make(chan struct{}),
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for a server-invoked method. Method names are
// matched case-insensitively.
func (c *Conn) On(target string, h Handler) {
	c.mu.Lock()
	c.handlers[strings.ToLower(target)] = h
	c.mu.Unlock()
}

// OnReconnecting is called when the connection dropped and a reconnect loop starts.
func (c *Conn) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = fn
	c.mu.Unlock()
}

// OnReconnected is called after a reconnect attempt succeeded.
func (c *Conn) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = fn
	c.mu.Unlock()
}

// OnClose is called once the connection is gone for good: after Stop (nil
// error), after a server close, or when reconnect attempts are exhausted.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Connected reports whether the connection is currently usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Start dials the hub and performs the protocol handshake.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return errors.New("signalr: connection already started")
	}
	c.state = stateConnecting
	c.mu.Unlock()

	ws, leftover, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.state = stateDisconnected
		c.mu.Unlock()
		_ = ws.Close()
		return ErrConnectionClosed
	}
	c.ws = ws
	c.state = stateConnected
	c.mu.Unlock()

	c.logger.Info("hub connected")
	go c.run(ws, leftover)
	return nil
}

// Stop closes the connection and cancels any reconnect loop.
func (c *Conn) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	ws := c.ws
	// A reconnect loop in flight reports the close itself.
	if c.state != stateReconnecting {
		c.state = stateDisconnected
	}
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ws.Close()
}

// Invoke calls a hub method and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) error {
	id := uuid.NewString()
	call := &pendingCall{target: target, done: make(chan error, 1)}

	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.state != stateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = call
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	if err := c.write(ws, invocationMessage{Type: typeInvocation, InvocationID: id, Target: target, Arguments: args}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("invoke %s: %w", target, err)
	}

	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Send calls a hub method without waiting for a result.
func (c *Conn) Send(target string, args ...any) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == stateConnected
	c.mu.Unlock()
	if ws == nil || !connected {
		return ErrNotConnected
	}
	if args == nil {
		args = []any{}
	}
	if err := c.write(ws, invocationMessage{Type: typeInvocation, Target: target, Arguments: args}); err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}
	return nil
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(ws *websocket.Conn, v any) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.opts.AccessToken != nil {
		if token := c.opts.AccessToken(); token != "" {
			q := u.Query()
			q.Set("access_token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// dial opens the socket and completes the handshake. Records that arrived in
// the same frame as the handshake response are returned for dispatch.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, [][]byte, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, nil, err
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial hub: %w", err)
	}

	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		_ = ws.Close()
		return nil, nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}
	records := splitRecords(frame)
	if len(records) == 0 {
		_ = ws.Close()
		return nil, nil, errors.New("read handshake: empty response")
	}
	var hs handshakeResponse
	if err := json.Unmarshal(records[0], &hs); err != nil {
		_ = ws.Close()
		return nil, nil, fmt.Errorf("decode handshake: %w", err)
	}
	if hs.Error != "" {
		_ = ws.Close()
		return nil, nil, fmt.Errorf("hub handshake rejected: %s", hs.Error)
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws, records[1:], nil
}

func (c *Conn) run(ws *websocket.Conn, leftover [][]byte) {
	done := make(chan struct{})
	go c.keepAlive(ws, done)
	err := c.readLoop(ws, leftover)
	close(done)
	c.connectionLost(ws, err)
}

func (c *Conn) readLoop(ws *websocket.Conn, leftover [][]byte) error {
	for _, rec := range leftover {
		if err := c.dispatch(rec); err != nil {
			return err
		}
	}
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ServerTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		for _, rec := range splitRecords(frame) {
			if err := c.dispatch(rec); err != nil {
				return err
			}
		}
	}
}

// dispatch handles one record. A non-nil error means the server closed the connection.
func (c *Conn) dispatch(rec []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		c.logger.Debug("dropping undecodable hub record", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case typeInvocation:
		c.mu.Lock()
		h := c.handlers[strings.ToLower(msg.Target)]
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug("no handler for hub method", zap.String("target", msg.Target))
			return nil
		}
		h(msg.Arguments)
	case typeCompletion:
		c.mu.Lock()
		call, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		if msg.Error != "" {
			call.done <- &InvocationError{Target: call.target, Message: msg.Error}
		} else {
			call.done <- nil
		}
	case typePing:
	case typeClose:
		return &ServerCloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
	}
	return nil
}

func (c *Conn) keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(ws, pingMessage{Type: typePing}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) failPendingLocked(err error) {
	for id, call := range c.pending {
		call.done <- err
		delete(c.pending, id)
	}
}

func (c *Conn) connectionLost(ws *websocket.Conn, cause error) {
	_ = ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.failPendingLocked(ErrConnectionClosed)

	var serverClose *ServerCloseError
	isServerClose := errors.As(cause, &serverClose)

	if c.stopped || c.opts.RetryPolicy == nil || (isServerClose && !serverClose.AllowReconnect) {
		c.state = stateDisconnected
		cb := c.onClose
		stopped := c.stopped
		c.mu.Unlock()

		var closeErr error
		switch {
		case stopped:
		case isServerClose && serverClose.Message == "":
		default:
			closeErr = cause
		}
		c.logger.Info("hub connection closed", zap.Error(closeErr))
		if cb != nil {
			cb(closeErr)
		}
		return
	}

	c.state = stateReconnecting
	cb := c.onReconnecting
	c.mu.Unlock()

	c.logger.Warn("hub connection lost, reconnecting", zap.Error(cause))
	if cb != nil {
		cb(cause)
	}
	c.reconnect(cause)
}

func (c *Conn) reconnect(cause error) {
	for retries := 0; ; retries++ {
		delay, ok := c.opts.RetryPolicy.NextRetryDelay(retries)
		if !ok {
			break
		}
		c.logger.Info("hub reconnect scheduled", zap.Int("attempt", retries+1), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			c.finishStopped()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		ws, leftover, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("hub reconnect attempt failed", zap.Int("attempt", retries+1), zap.Error(err))
			cause = err
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = ws.Close()
			c.finishStopped()
			return
		}
		c.ws = ws
		c.state = stateConnected
		cb := c.onReconnected
		c.mu.Unlock()

		c.logger.Info("hub reconnected", zap.Int("attempt", retries+1))
		go c.run(ws, leftover)
		if cb != nil {
			cb()
		}
		return
	}

	c.mu.Lock()
	c.state = stateDisconnected
	cb := c.onClose
	c.mu.Unlock()

	c.logger.Warn("hub reconnect attempts exhausted", zap.Error(cause))
	if cb != nil {
		cb(cause)
	}
}

func (c *Conn) finishStopped() {
	c.mu.Lock()
	c.state = stateDisconnected
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}
