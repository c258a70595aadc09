package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/signalr"
	"github.com/matheus3301/hubchat/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnauthenticated is recorded when there is no access token to connect with.
	ErrUnauthenticated = errors.New("realtime: no access token")
	// ErrNotConnected is returned by room and send operations while the hub is down.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Hub method names.
const (
	methodJoinRoom       = "JoinRoom"
	methodLeaveRoom      = "LeaveRoom"
	methodSendMessage    = "SendMessage"
	methodReceiveMessage = "ReceiveMessage"
	methodError          = "Error"
)

const rejoinTimeout = 10 * time.Second

// TokenSource supplies the access token. An empty token means signed out.
type TokenSource interface {
	Token() string
}

// Hub is the realtime transport. *signalr.Conn implements it.
type Hub interface {
	Start(ctx context.Context) error
	Stop() error
	Invoke(ctx context.Context, target string, args ...any) error
	On(target string, h signalr.Handler)
	OnReconnecting(fn func(error))
	OnReconnected(fn func())
	OnClose(fn func(error))
}

// Sink receives inbound messages and connection status. store.Store implements it.
type Sink interface {
	AddMessage(msg chat.Message)
	SetConnectionState(s status.State)
	SetConnectionError(msg string)
	SetError(msg string)
}

// Backoff bounds the delay between ConnectWithRetry attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, ... up to 16s between attempts.
var DefaultBackoff = Backoff{Base: time.Second, Max: 16 * time.Second}

// SignalRHubs returns a hub factory building SignalR connections to url.
func SignalRHubs(url string, tokens TokenSource, policy signalr.RetryPolicy, logger *zap.Logger) func() Hub {
	return func() Hub {
		return signalr.New(signalr.Options{
			URL:         url,
			AccessToken: tokens.Token,
			RetryPolicy: policy,
			Logger:      logger,
		})
	}
}

// Manager owns the single hub connection and the currently joined room.
type Manager struct {
	tokens  TokenSource
	newHub  func() Hub
	machine *status.Machine
	sink    Sink
	backoff Backoff
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	connecting *semaphore.Weighted
	generation atomic.Uint64

	mu          sync.Mutex
	hub         Hub
	currentRoom string
	lastErr     error

	// roomMu serializes join and leave across their remote calls.
	roomMu sync.Mutex
}

// NewManager creates a connection manager. Nothing is dialed until Connect.
func NewManager(tokens TokenSource, newHub func() Hub, machine *status.Machine, sink Sink, backoff Backoff, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = nopSink{}
	}
	if backoff.Base <= 0 {
		backoff = DefaultBackoff
	}
	return &Manager{
		tokens:     tokens,
		newHub:     newHub,
		machine:    machine,
		sink:       sink,
		backoff:    backoff,
		logger:     logger,
		sleep:      sleepCtx,
		connecting: semaphore.NewWeighted(1),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// CurrentRoom returns the joined room, or "" when none.
func (m *Manager) CurrentRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoom
}

// LastError returns the most recent connection error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect establishes the hub connection. It returns nil without doing
// anything when already connected or when another Connect is in progress.
// A missing token is recorded as ErrUnauthenticated and is not an error.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() == status.Connected {
		return nil
	}
	if !m.connecting.TryAcquire(1) {
		m.logger.Debug("connect already in progress")
		return nil
	}
	defer m.connecting.Release(1)

	if m.State() == status.Connected {
		return nil
	}

	if m.tokens.Token() == "" {
		m.logger.Warn("no access token, staying disconnected")
		m.setState(status.Disconnected)
		m.recordError(ErrUnauthenticated)
		return nil
	}

	m.mu.Lock()
	old := m.hub
	m.hub = nil
	m.mu.Unlock()
	if old != nil {
		if err := old.Stop(); err != nil {
			m.logger.Debug("stopping previous hub", zap.Error(err))
		}
	}

	m.setState(status.Connecting)
	h := m.newHub()
	m.register(h)
	m.mu.Lock()
	m.hub = h
	m.mu.Unlock()

	if err := h.Start(ctx); err != nil {
		m.mu.Lock()
		if m.hub == h {
			m.hub = nil
		}
		m.mu.Unlock()
		_ = h.Stop()

		m.logger.Error("hub connect failed", zap.Error(err))
		m.setState(status.Disconnected)
		m.recordError(err)
		return fmt.Errorf("connect hub: %w", err)
	}

	// The transport may already have dropped and moved the state on; its
	// reconnected or close callback then owns the next transition.
	ok, err := m.machine.TransitionFrom(status.Connecting, status.Connected)
	if err != nil {
		m.logger.Warn("ignoring connection state change", zap.Error(err))
	}
	if !ok {
		m.logger.Warn("hub dropped during connect", zap.String("state", string(m.State())))
		return nil
	}
	m.sink.SetConnectionState(status.Connected)
	m.logger.Info("hub connected")
	m.recordError(nil)
	m.rejoin(ctx, h)
	return nil
}

// retryToken ties a retry loop to the generation it was started in.
type retryToken struct {
	m   *Manager
	gen uint64
}

func (t retryToken) current() bool {
	return t.m.generation.Load() == t.gen
}

// ConnectWithRetry calls Connect up to maxAttempts times with exponential
// backoff. Starting another loop or calling Disconnect supersedes this one;
// a superseded loop stops at its next check and returns nil.
func (m *Manager) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	tok := retryToken{m: m, gen: m.generation.Add(1)}
	delay := m.backoff.Base

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !tok.current() {
			return nil
		}
		if m.State() == status.Connected {
			return nil
		}
		if m.tokens.Token() == "" {
			m.setState(status.Disconnected)
			m.recordError(ErrUnauthenticated)
			return ErrUnauthenticated
		}

		err := m.Connect(ctx)
		if !tok.current() {
			return nil
		}
		if err == nil && m.State() == status.Connected {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if attempt == maxAttempts {
			break
		}

		m.logger.Info("connect retry scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if m.backoff.Max > 0 && delay > m.backoff.Max {
			delay = m.backoff.Max
		}
	}

	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	return fmt.Errorf("connect after %d attempts: %w", maxAttempts, lastErr)
}

// JoinRoom joins roomID, leaving a different current room first.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	h := m.connectedHub()
	if h == nil {
		m.logger.Warn("cannot join room while disconnected", zap.String("room_id", roomID))
		return ErrNotConnected
	}

	if prev := m.CurrentRoom(); prev != "" && prev != roomID {
		if err := h.Invoke(ctx, methodLeaveRoom, prev); err != nil {
			m.logger.Warn("failed to leave previous room", zap.String("room_id", prev), zap.Error(err))
		}
		m.setCurrentRoom("")
	}

	if err := h.Invoke(ctx, methodJoinRoom, roomID); err != nil {
		m.logger.Error("failed to join room", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	m.setCurrentRoom(roomID)
	m.logger.Info("joined room", zap.String("room_id", roomID))
	return nil
}

// LeaveRoom leaves roomID. Failures are logged only.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	h := m.connectedHub()
	if h == nil {
		return
	}
	if err := h.Invoke(ctx, methodLeaveRoom, roomID); err != nil {
		m.logger.Warn("failed to leave room", zap.String("room_id", roomID), zap.Error(err))
	}

	m.mu.Lock()
	if m.currentRoom == roomID {
		m.currentRoom = ""
	}
	m.mu.Unlock()
}

// SendMessage posts content to roomID over the hub.
func (m *Manager) SendMessage(ctx context.Context, roomID, content string) error {
	h := m.connectedHub()
	if h == nil {
		return ErrNotConnected
	}
	if err := h.Invoke(ctx, methodSendMessage, roomID, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Disconnect cancels retry loops, leaves the current room and stops the hub.
func (m *Manager) Disconnect(ctx context.Context) {
	m.generation.Add(1)

	if room := m.CurrentRoom(); room != "" {
		m.LeaveRoom(ctx, room)
	}

	m.mu.Lock()
	h := m.hub
	m.hub = nil
	m.currentRoom = ""
	m.mu.Unlock()

	if h != nil {
		if err := h.Stop(); err != nil {
			m.logger.Warn("failed to stop hub", zap.Error(err))
		}
	}
	m.setState(status.Disconnected)
	m.logger.Info("hub disconnected")
}

func (m *Manager) register(h Hub) {
	h.On(methodReceiveMessage, func(args []json.RawMessage) {
		if !m.isCurrent(h) || len(args) == 0 {
			return
		}
		msg := chat.NormalizeMessageJSON(args[0])
		m.logger.Debug("message received", zap.String("room_id", msg.ChatRoomID), zap.String("msg_id", msg.ID))
		m.sink.AddMessage(msg)
	})

	h.On(methodError, func(args []json.RawMessage) {
		if !m.isCurrent(h) || len(args) == 0 {
			return
		}
		var text string
		if err := json.Unmarshal(args[0], &text); err != nil {
			text = string(args[0])
		}
		m.logger.Warn("hub reported error", zap.String("error", text))
		m.sink.SetError(text)
	})

	h.OnReconnecting(func(err error) {
		if !m.isCurrent(h) {
			return
		}
		m.logger.Warn("hub reconnecting", zap.Error(err))
		m.setState(status.Reconnecting)
	})

	h.OnReconnected(func() {
		if !m.isCurrent(h) {
			return
		}
		m.setState(status.Connected)
		m.recordError(nil)

		ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
		defer cancel()
		m.rejoin(ctx, h)
	})

	h.OnClose(func(err error) {
		m.mu.Lock()
		if m.hub != h {
			m.mu.Unlock()
			return
		}
		m.hub = nil
		m.mu.Unlock()

		m.setState(status.Disconnected)
		if err != nil {
			m.recordError(err)
		}
	})
}

// rejoin joins the current room again on a fresh connection.
func (m *Manager) rejoin(ctx context.Context, h Hub) {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room := m.CurrentRoom()
	if room == "" {
		return
	}
	if err := h.Invoke(ctx, methodJoinRoom, room); err != nil {
		m.logger.Warn("failed to rejoin room", zap.String("room_id", room), zap.Error(err))
		return
	}
	m.logger.Info("rejoined room", zap.String("room_id", room))
}

func (m *Manager) isCurrent(h Hub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub == h
}

func (m *Manager) connectedHub() Hub {
	if m.State() != status.Connected {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub
}

func (m *Manager) setCurrentRoom(roomID string) {
	m.mu.Lock()
	m.currentRoom = roomID
	m.mu.Unlock()
}

func (m *Manager) setState(s status.State) {
	if err := m.machine.Transition(s); err != nil {
		m.logger.Warn("ignoring connection state change", zap.Error(err))
		return
	}
	m.sink.SetConnectionState(s)
}

// recordError stores err as the last connection error; nil clears it.
func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	if err == nil {
		m.sink.SetConnectionError("")
		return
	}
	m.sink.SetConnectionError(err.Error())
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

type nopSink struct{}

func (nopSink) AddMessage(chat.Message)         {}
func (nopSink) SetConnectionState(status.State) {}
func (nopSink) SetConnectionError(string)       {}
func (nopSink) SetError(string)                 {}
