// Package chatwindow drives a single open conversation: history, read
// receipts, room membership on the hub and sending.
package chatwindow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/hubchat/internal/status"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/zap"
)

// ErrNoRoom is returned by Send and LoadOlder when no room is open.
var ErrNoRoom = errors.New("chatwindow: no room open")

const leaveTimeout = 5 * time.Second

// Connection is the subset of realtime.Manager a window needs.
type Connection interface {
	ConnectWithRetry(ctx context.Context, maxAttempts int) error
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string)
	State() status.State
}

// ChatStore is the subset of store.Store a window needs.
type ChatStore interface {
	SetActiveRoom(roomID string)
	FetchMessages(ctx context.Context, roomID string, page, pageSize int) error
	MarkRoomAsRead(ctx context.Context, roomID string)
	Snapshot() store.State
}

// MessageSender is the subset of outbox.Sender a window needs.
type MessageSender interface {
	Send(ctx context.Context, roomID, content string) error
}

// Options tunes paging and connect attempts.
type Options struct {
	PageSize        int
	ConnectAttempts int
}

// Window holds at most one open room.
type Window struct {
	conn   Connection
	store  ChatStore
	sender MessageSender
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	roomID string
	page   int
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a window with no room open.
func New(conn Connection, st ChatStore, sender MessageSender, opts Options, logger *zap.Logger) *Window {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Window{
		conn:   conn,
		store:  st,
		sender: sender,
		opts:   opts,
		logger: logger,
	}
}

// RoomID returns the open room, or "".
func (w *Window) RoomID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roomID
}

// Open closes the current room, loads the first page of roomID, marks it
// read and joins it on the hub in the background.
func (w *Window) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	w.Close()

	bgCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.roomID = roomID
	w.page = 1
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	log := w.logger.With(zap.String("room_id", roomID))
	w.store.SetActiveRoom(roomID)
	if err := w.store.FetchMessages(ctx, roomID, 1, w.opts.PageSize); err != nil {
		log.Warn("initial history load failed", zap.Error(err))
	}
	w.store.MarkRoomAsRead(ctx, roomID)

	go func() {
		defer close(done)
		if err := w.conn.ConnectWithRetry(bgCtx, w.opts.ConnectAttempts); err != nil {
			if bgCtx.Err() == nil {
				log.Warn("realtime unavailable, using http", zap.Error(err))
			}
			return
		}
		if bgCtx.Err() != nil || w.conn.State() != status.Connected {
			return
		}
		if err := w.conn.JoinRoom(bgCtx, roomID); err != nil && bgCtx.Err() == nil {
			log.Warn("failed to join room", zap.Error(err))
		}
	}()

	log.Info("room opened")
	return nil
}

// Close stops the background join, leaves the room and clears the active
// room. It is safe to call when nothing is open.
func (w *Window) Close() {
	w.mu.Lock()
	roomID, cancel, done := w.roomID, w.cancel, w.done
	w.roomID, w.cancel, w.done = "", nil, nil
	w.page = 0
	w.mu.Unlock()

	if roomID == "" {
		return
	}
	cancel()
	<-done

	if w.conn.State() == status.Connected {
		ctx, cancelLeave := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancelLeave()
		w.conn.LeaveRoom(ctx, roomID)
	}
	w.store.SetActiveRoom("")
	w.logger.Info("room closed", zap.String("room_id", roomID))
}

// Send delivers content to the open room.
func (w *Window) Send(ctx context.Context, content string) error {
	roomID := w.RoomID()
	if roomID == "" {
		return ErrNoRoom
	}
	return w.sender.Send(ctx, roomID, content)
}

// LoadOlder fetches the next page of history. It reports false when the
// room has no more pages.
func (w *Window) LoadOlder(ctx context.Context) (bool, error) {
	w.mu.Lock()
	roomID, next := w.roomID, w.page+1
	w.mu.Unlock()
	if roomID == "" {
		return false, ErrNoRoom
	}
	if !w.store.Snapshot().HasMore[roomID] {
		return false, nil
	}

	if err := w.store.FetchMessages(ctx, roomID, next, w.opts.PageSize); err != nil {
		return false, err
	}
	w.mu.Lock()
	if w.roomID == roomID && w.page < next {
		w.page = next
	}
	w.mu.Unlock()
	return true, nil
}
