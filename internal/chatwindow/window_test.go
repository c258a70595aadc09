package chatwindow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/status"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/zap"
)

// mockConn records connection calls.
type mockConn struct {
	mu         sync.Mutex
	state      status.State
	connectErr error
	block      bool // ConnectWithRetry waits for ctx cancellation
	calls      []string
	joined     chan string
}

func newMockConn() *mockConn {
	return &mockConn{state: status.Disconnected, joined: make(chan string, 4)}
}

func (m *mockConn) record(c string) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *mockConn) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockConn) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	m.record("connect")
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.mu.Lock()
	m.state = status.Connected
	m.mu.Unlock()
	return nil
}

func (m *mockConn) JoinRoom(ctx context.Context, roomID string) error {
	m.record("join:" + roomID)
	m.joined <- roomID
	return nil
}

func (m *mockConn) LeaveRoom(ctx context.Context, roomID string) {
	m.record("leave:" + roomID)
}

func (m *mockConn) State() status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

type mockAPI struct {
	mu     sync.Mutex
	pages  map[int][]chat.Message
	marked []string
}

func (m *mockAPI) ListRooms(ctx context.Context) ([]chat.Room, error) { return nil, nil }

func (m *mockAPI) ListMessages(ctx context.Context, roomID string, page, pageSize int) ([]chat.Message, error) {
	return m.pages[page], nil
}

func (m *mockAPI) MarkRead(ctx context.Context, roomID string) error {
	m.mu.Lock()
	m.marked = append(m.marked, roomID)
	m.mu.Unlock()
	return nil
}

type mockSender struct {
	sent []string
	err  error
}

func (m *mockSender) Send(ctx context.Context, roomID, content string) error {
	m.sent = append(m.sent, roomID+":"+content)
	return m.err
}

func newTestWindow(conn *mockConn, api *mockAPI, sender *mockSender) (*Window, *store.Store) {
	st := store.New(api, bus.New(), zap.NewNop())
	w := New(conn, st, sender, Options{PageSize: 2, ConnectAttempts: 3}, zap.NewNop())
	return w, st
}

func waitJoin(t *testing.T, conn *mockConn) string {
	t.Helper()
	select {
	case room := <-conn.joined:
		return room
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for JoinRoom")
		return ""
	}
}

func TestOpenLoadsHistoryAndJoins(t *testing.T) {
	conn := newMockConn()
	api := &mockAPI{pages: map[int][]chat.Message{
		1: {{ID: "m2", ChatRoomID: "r1"}, {ID: "m1", ChatRoomID: "r1"}},
	}}
	w, st := newTestWindow(conn, api, &mockSender{})
	st.AddRoom(chat.Room{ID: "r1", UnreadCount: 5})

	if err := w.Open(context.Background(), "r1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if room := waitJoin(t, conn); room != "r1" {
		t.Errorf("joined %q, want r1", room)
	}

	snap := st.Snapshot()
	if snap.ActiveRoomID != "r1" {
		t.Errorf("ActiveRoomID = %q", snap.ActiveRoomID)
	}
	if msgs := snap.Messages["r1"]; len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Errorf("messages = %+v, want m1,m2", msgs)
	}
	if r1, _ := snap.Room("r1"); r1.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", r1.UnreadCount)
	}
	if len(api.marked) != 1 || api.marked[0] != "r1" {
		t.Errorf("marked = %v", api.marked)
	}
}

func TestOpenAnotherRoomClosesPrevious(t *testing.T) {
	conn := newMockConn()
	w, st := newTestWindow(conn, &mockAPI{}, &mockSender{})

	_ = w.Open(context.Background(), "r1")
	waitJoin(t, conn)
	_ = w.Open(context.Background(), "r2")
	waitJoin(t, conn)

	got := conn.callLog()
	want := []string{"connect", "join:r1", "leave:r1", "connect", "join:r2"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls = %v, want %v", got, want)
			break
		}
	}
	if st.Snapshot().ActiveRoomID != "r2" || w.RoomID() != "r2" {
		t.Errorf("active room = %q / %q, want r2", st.Snapshot().ActiveRoomID, w.RoomID())
	}
}

func TestCloseCancelsPendingConnect(t *testing.T) {
	conn := newMockConn()
	conn.block = true
	w, st := newTestWindow(conn, &mockAPI{}, &mockSender{})

	_ = w.Open(context.Background(), "r1")

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not cancel the pending connect")
	}

	for _, c := range conn.callLog() {
		if c == "join:r1" || c == "leave:r1" {
			t.Errorf("unexpected call %q while never connected", c)
		}
	}
	if st.Snapshot().ActiveRoomID != "" {
		t.Errorf("ActiveRoomID = %q after Close", st.Snapshot().ActiveRoomID)
	}

	// Second Close is a no-op.
	w.Close()
}

func TestConnectFailureSkipsJoin(t *testing.T) {
	conn := newMockConn()
	conn.connectErr = errors.New("unavailable")
	w, _ := newTestWindow(conn, &mockAPI{}, &mockSender{})

	_ = w.Open(context.Background(), "r1")
	w.Close()

	got := conn.callLog()
	if len(got) != 1 || got[0] != "connect" {
		t.Errorf("calls = %v, want only connect", got)
	}
}

func TestSend(t *testing.T) {
	conn := newMockConn()
	sender := &mockSender{}
	w, _ := newTestWindow(conn, &mockAPI{}, sender)

	if err := w.Send(context.Background(), "hi"); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("Send() without room error = %v, want ErrNoRoom", err)
	}

	_ = w.Open(context.Background(), "r1")
	defer w.Close()
	if err := w.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "r1:hi" {
		t.Errorf("sent = %v", sender.sent)
	}

	sender.err = errors.New("both paths down")
	if err := w.Send(context.Background(), "again"); err == nil {
		t.Error("Send() should surface sender failure")
	}
}

func TestLoadOlder(t *testing.T) {
	conn := newMockConn()
	api := &mockAPI{pages: map[int][]chat.Message{
		1: {{ID: "m4", ChatRoomID: "r1"}, {ID: "m3", ChatRoomID: "r1"}},
		2: {{ID: "m2", ChatRoomID: "r1"}, {ID: "m1", ChatRoomID: "r1"}},
		3: {{ID: "m0", ChatRoomID: "r1"}},
	}}
	w, st := newTestWindow(conn, api, &mockSender{})

	if _, err := w.LoadOlder(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("LoadOlder() without room error = %v", err)
	}

	_ = w.Open(context.Background(), "r1")
	defer w.Close()

	for _, wantLoaded := range []bool{true, true, false} {
		loaded, err := w.LoadOlder(context.Background())
		if err != nil {
			t.Fatalf("LoadOlder() error = %v", err)
		}
		if loaded != wantLoaded {
			t.Errorf("LoadOlder() = %v, want %v", loaded, wantLoaded)
		}
	}

	msgs := st.Snapshot().Messages["r1"]
	var ids string
	for _, m := range msgs {
		ids += m.ID
	}
	if ids != "m0m1m2m3m4" {
		t.Errorf("messages = %s, want m0m1m2m3m4", ids)
	}
}
