package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/hubchat/internal/config"
	"github.com/matheus3301/hubchat/internal/lock"
	"github.com/matheus3301/hubchat/internal/session"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// chatServer serves the REST endpoints the daemon touches.
type chatServer struct {
	mu     sync.Mutex
	marked []string
	posted []string
}

func (s *chatServer) handler(t *testing.T) http.Handler {
	reply := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]any{
			{"id": "r1", "roomType": "Direct", "unreadCount": 2, "createdAt": "2026-01-01T10:00:00Z"},
		})
	})
	mux.HandleFunc("GET /api/chat/rooms/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]any{
			{"id": "m2", "chatRoomId": "r1", "senderName": "Bia", "content": "second", "createdAt": "2026-01-01T10:02:00Z"},
			{"id": "m1", "chatRoomId": "r1", "senderName": "Ana", "content": "first", "createdAt": "2026-01-01T10:01:00Z"},
		})
	})
	mux.HandleFunc("POST /api/chat/rooms/r1/read", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.marked = append(s.marked, "r1")
		s.mu.Unlock()
		reply(w, nil)
	})
	mux.HandleFunc("POST /api/chat/rooms/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			t.Errorf("decode send body: %v", err)
		}
		s.mu.Lock()
		s.posted = append(s.posted, body.Content)
		s.mu.Unlock()
		reply(w, map[string]any{
			"id": "m3", "senderName": "Me", "content": body.Content, "createdAt": "2026-01-01T10:03:00Z",
		})
	})
	return mux
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{Profiles: map[string]config.Profile{
		"test": {
			APIBaseURL: baseURL + "/api",
			PageSize:   10,
			Reconnect:  config.Reconnect{BaseDelayMS: 10, MaxDelayMS: 20, MaxAttempts: 1},
		},
	}}
}

func TestDaemonOpensRoomAndSendsOverHTTP(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cs := &chatServer{}
	srv := httptest.NewServer(cs.handler(t))
	defer srv.Close()

	out := &syncBuffer{}
	var st *store.Store
	app := fxtest.New(t,
		Module(Params{
			Profile: "test",
			Room:    "r1",
			Config:  testConfig(srv.URL),
			Input:   strings.NewReader("hello\n"),
			Output:  out,
		}),
		fx.Populate(&st),
	)
	app.RequireStart()

	// No token on disk: the hub is never dialed and sending falls back to HTTP.
	waitForOutput(t, out, "Ana: first")
	waitForOutput(t, out, "Me: hello")
	waitForOutput(t, out, "* sent over http")

	snap := st.Snapshot()
	if snap.ActiveRoomID != "r1" {
		t.Errorf("ActiveRoomID = %q", snap.ActiveRoomID)
	}
	var ids string
	for _, m := range snap.Messages["r1"] {
		ids += m.ID
	}
	if ids != "m1m2m3" {
		t.Errorf("messages = %s, want m1m2m3", ids)
	}
	if r1, ok := snap.Room("r1"); !ok || r1.UnreadCount != 0 || r1.LastMessage == nil || r1.LastMessage.Content != "hello" {
		t.Errorf("room r1 = %+v", r1)
	}
	if info, held := lock.Holder(session.Dir("test")); !held || info.Room != "r1" {
		t.Errorf("lock holder = %+v, %v", info, held)
	}

	cs.mu.Lock()
	if len(cs.marked) != 1 || len(cs.posted) != 1 || cs.posted[0] != "hello" {
		t.Errorf("marked = %v, posted = %v", cs.marked, cs.posted)
	}
	cs.mu.Unlock()

	app.RequireStop()

	if _, held := lock.Holder(session.Dir("test")); held {
		t.Error("lock still held after stop")
	}
	if snap := st.Snapshot(); len(snap.Rooms) != 0 || snap.ActiveRoomID != "" {
		t.Errorf("state after stop = %+v", snap)
	}
}

func TestDaemonWithoutRoomLoadsRooms(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer((&chatServer{}).handler(t))
	defer srv.Close()

	var st *store.Store
	app := fxtest.New(t,
		Module(Params{Profile: "test", Config: testConfig(srv.URL), Output: &syncBuffer{}}),
		fx.Populate(&st),
	)
	app.RequireStart()

	deadline := time.Now().Add(2 * time.Second)
	for len(st.Snapshot().Rooms) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rooms := st.Snapshot().Rooms; len(rooms) != 1 || rooms[0].ID != "r1" {
		t.Errorf("rooms = %+v", rooms)
	}
	app.RequireStop()
}

func TestModuleRejectsUnknownProfile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	app := fx.New(
		Module(Params{Profile: "missing", Config: &config.Config{}}),
		fx.NopLogger,
	)
	if err := app.Err(); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{Profile: "test"}), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}
