// Package store holds the in-memory chat state: rooms, per-room message
// lists, connection status and loading/error flags. It is mutated only
// through its action methods and read through immutable snapshots.
package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/hubchat/internal/api"
	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/status"
	"go.uber.org/zap"
)

// Bus event kinds.
const (
	// EventChanged is published after every visible change.
	EventChanged = "store.changed"
	// EventMessageAdded carries each message newly added to a room.
	EventMessageAdded = "store.message_added"
)

// RoomsAPI is the subset of the REST client the store needs.
type RoomsAPI interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
	ListMessages(ctx context.Context, roomID string, page, pageSize int) ([]chat.Message, error)
	MarkRead(ctx context.Context, roomID string) error
}

// State is a snapshot of the chat state.
type State struct {
	Rooms             []chat.Room
	Messages          map[string][]chat.Message
	HasMore           map[string]bool
	ActiveRoomID      string
	ConnectionState   status.State
	ConnectionError   string
	IsLoadingRooms    bool
	IsLoadingMessages bool
	Error             string
}

func initialState() State {
	return State{
		Messages:        make(map[string][]chat.Message),
		HasMore:         make(map[string]bool),
		ConnectionState: status.Disconnected,
	}
}

func (s State) clone() State {
	out := s
	out.Rooms = make([]chat.Room, len(s.Rooms))
	for i, r := range s.Rooms {
		out.Rooms[i] = r.Clone()
	}
	out.Messages = make(map[string][]chat.Message, len(s.Messages))
	for id, msgs := range s.Messages {
		out.Messages[id] = slices.Clone(msgs)
	}
	out.HasMore = make(map[string]bool, len(s.HasMore))
	for id, v := range s.HasMore {
		out.HasMore[id] = v
	}
	return out
}

// Room returns the room with the given ID.
func (s State) Room(roomID string) (chat.Room, bool) {
	for _, r := range s.Rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return chat.Room{}, false
}

// Store is the single owner of room and message collections.
type Store struct {
	api    RoomsAPI
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.RWMutex
	state State
}

// New creates an empty store.
func New(roomsAPI RoomsAPI, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:    roomsAPI,
		bus:    b,
		logger: logger,
		state:  initialState(),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe returns a channel of store events and an unsubscribe function.
func (s *Store) Subscribe(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("store.", bufSize)
}

// update applies fn under the write lock and notifies subscribers if fn
// reports a change.
func (s *Store) update(action string, fn func(st *State) bool) {
	s.mu.Lock()
	changed := fn(&s.state)
	s.mu.Unlock()
	if changed {
		s.bus.Emit(EventChanged, action)
	}
}

// FetchRooms replaces the room list with the server's. A failure is
// recorded in State.Error and also returned.
func (s *Store) FetchRooms(ctx context.Context) error {
	s.update("fetch_rooms", func(st *State) bool {
		st.IsLoadingRooms = true
		st.Error = ""
		return true
	})

	rooms, err := s.api.ListRooms(ctx)
	if err != nil {
		s.logger.Error("failed to fetch rooms", zap.Error(err))
	}

	s.update("fetch_rooms", func(st *State) bool {
		st.IsLoadingRooms = false
		if err != nil {
			st.Error = errorMessage(err, "Failed to load chat rooms")
			return true
		}
		st.Rooms = make([]chat.Room, len(rooms))
		for i, r := range rooms {
			st.Rooms[i] = r.Clone()
		}
		zeroUnread(st, st.ActiveRoomID)
		return true
	})
	return err
}

// AddRoom replaces the room with the same ID, or prepends it. The active
// room keeps a zero unread counter.
func (s *Store) AddRoom(room chat.Room) {
	s.update("add_room", func(st *State) bool {
		idx := slices.IndexFunc(st.Rooms, func(r chat.Room) bool { return r.ID == room.ID })
		if idx >= 0 {
			st.Rooms[idx] = room.Clone()
		} else {
			st.Rooms = append([]chat.Room{room.Clone()}, st.Rooms...)
		}
		zeroUnread(st, st.ActiveRoomID)
		return true
	})
}

// UpdateRoomLastMessage sets the room's last-message summary, bumps its
// unread counter unless it is the active room, and re-sorts the room list.
func (s *Store) UpdateRoomLastMessage(roomID string, msg chat.Message) {
	s.update("update_room_last_message", func(st *State) bool {
		return updateLastMessage(st, roomID, msg)
	})
}

func updateLastMessage(st *State, roomID string, msg chat.Message) bool {
	idx := slices.IndexFunc(st.Rooms, func(r chat.Room) bool { return r.ID == roomID })
	if idx < 0 {
		return false
	}
	room := &st.Rooms[idx]
	room.LastMessage = msg.Summary()
	if roomID != st.ActiveRoomID {
		room.UnreadCount++
	}
	sort.SliceStable(st.Rooms, func(i, j int) bool {
		return st.Rooms[i].ActivityTime().After(st.Rooms[j].ActivityTime())
	})
	return true
}

// DecrementUnreadCount resets the room's unread counter to zero.
func (s *Store) DecrementUnreadCount(roomID string) {
	s.update("decrement_unread", func(st *State) bool {
		return zeroUnread(st, roomID)
	})
}

func zeroUnread(st *State, roomID string) bool {
	for i := range st.Rooms {
		if st.Rooms[i].ID == roomID {
			if st.Rooms[i].UnreadCount == 0 {
				return false
			}
			st.Rooms[i].UnreadCount = 0
			return true
		}
	}
	return false
}

// FetchMessages loads a page of history. Page 1 replaces the room's list;
// later pages are prepended. Pages arrive newest-first and are stored
// oldest-first. A failure is recorded in State.Error and also returned.
func (s *Store) FetchMessages(ctx context.Context, roomID string, page, pageSize int) error {
	s.update("fetch_messages", func(st *State) bool {
		st.IsLoadingMessages = true
		st.Error = ""
		return true
	})

	msgs, err := s.api.ListMessages(ctx, roomID, page, pageSize)
	if err != nil {
		s.logger.Error("failed to fetch messages", zap.String("room_id", roomID), zap.Int("page", page), zap.Error(err))
	}

	s.update("fetch_messages", func(st *State) bool {
		st.IsLoadingMessages = false
		if err != nil {
			st.Error = errorMessage(err, "Failed to load messages")
			return true
		}

		older := slices.Clone(msgs)
		slices.Reverse(older)
		st.HasMore[roomID] = pageSize > 0 && len(msgs) >= pageSize

		if page <= 1 {
			st.Messages[roomID] = older
			return true
		}

		existing := st.Messages[roomID]
		seen := make(map[string]bool, len(existing))
		for _, m := range existing {
			seen[m.ID] = true
		}
		merged := make([]chat.Message, 0, len(older)+len(existing))
		for _, m := range older {
			if !seen[m.ID] {
				merged = append(merged, m)
			}
		}
		st.Messages[roomID] = append(merged, existing...)
		return true
	})
	return err
}

// AddMessage appends msg to its room unless a message with the same ID is
// already there, and updates the room's last message in the same step.
func (s *Store) AddMessage(msg chat.Message) {
	added := false
	s.update("add_message", func(st *State) bool {
		list := st.Messages[msg.ChatRoomID]
		if slices.ContainsFunc(list, func(m chat.Message) bool { return m.ID == msg.ID }) {
			return false
		}
		st.Messages[msg.ChatRoomID] = append(list, msg)
		updateLastMessage(st, msg.ChatRoomID, msg)
		added = true
		return true
	})
	if added {
		s.bus.Emit(EventMessageAdded, msg)
	}
}

// MarkRoomAsRead sends the read receipt and zeroes the unread counter even
// when the request fails.
func (s *Store) MarkRoomAsRead(ctx context.Context, roomID string) {
	if err := s.api.MarkRead(ctx, roomID); err != nil {
		s.logger.Warn("failed to mark room as read", zap.String("room_id", roomID), zap.Error(err))
	}
	s.DecrementUnreadCount(roomID)
}

// ClearChat discards all state.
func (s *Store) ClearChat() {
	s.update("clear_chat", func(st *State) bool {
		*st = initialState()
		return true
	})
}

// SetActiveRoom marks roomID as the room on screen and zeroes its unread
// counter. An empty ID clears the active room.
func (s *Store) SetActiveRoom(roomID string) {
	s.update("set_active_room", func(st *State) bool {
		changed := st.ActiveRoomID != roomID
		st.ActiveRoomID = roomID
		if zeroUnread(st, roomID) {
			changed = true
		}
		return changed
	})
}

// SetConnectionState records the realtime connection state.
func (s *Store) SetConnectionState(cs status.State) {
	s.update("connection_state", func(st *State) bool {
		if st.ConnectionState == cs {
			return false
		}
		st.ConnectionState = cs
		return true
	})
}

// SetConnectionError records the last connection error; "" clears it.
func (s *Store) SetConnectionError(msg string) {
	s.update("connection_error", func(st *State) bool {
		if st.ConnectionError == msg {
			return false
		}
		st.ConnectionError = msg
		return true
	})
}

// SetError records a user-visible error; "" clears it.
func (s *Store) SetError(msg string) {
	s.update("error", func(st *State) bool {
		if st.Error == msg {
			return false
		}
		st.Error = msg
		return true
	})
}

func errorMessage(err error, fallback string) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
