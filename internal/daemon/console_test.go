package daemon

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/outbox"
	"github.com/matheus3301/hubchat/internal/status"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/zap"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %q does not contain %q", out.String(), want)
}

func TestFormatEvent(t *testing.T) {
	msg := chat.Message{ID: "m1", SenderName: "Ana", Content: "oi", CreatedAt: "2026-03-01T09:05:00Z"}
	stamp := chat.ParseTime(msg.CreatedAt).Local().Format("15:04")

	tests := []struct {
		name   string
		evt    bus.Event
		want   string
		wantOK bool
	}{
		{"state change", bus.Event{Kind: "connection.state_changed", Payload: status.StatusChange{From: status.Connecting, To: status.Connected}}, "* connection connecting -> connected", true},
		{"message added", bus.Event{Kind: store.EventMessageAdded, Payload: msg}, "[" + stamp + "] Ana: oi", true},
		{"message on other kind", bus.Event{Kind: "other", Payload: msg}, "", false},
		{"realtime ack", bus.Event{Kind: outbox.EventSendAck, Payload: outbox.SendAck{Via: outbox.ViaRealtime}}, "", false},
		{"http ack", bus.Event{Kind: outbox.EventSendAck, Payload: outbox.SendAck{Via: outbox.ViaHTTP}}, "* sent over http", true},
		{"failure", bus.Event{Kind: outbox.EventSendFailed, Payload: outbox.SendFailure{Error: "boom"}}, "! send failed: boom", true},
		{"store change", bus.Event{Kind: store.EventChanged, Payload: "add_room"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := formatEvent(tt.evt)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("formatEvent() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFormatMessageFallbacks(t *testing.T) {
	got := formatMessage(chat.Message{SenderID: "u1", Content: "x", CreatedAt: "garbage"})
	if got != "[--:--] u1: x" {
		t.Errorf("formatMessage() = %q", got)
	}
}

func TestConsolePrintsBusEvents(t *testing.T) {
	b := bus.New()
	out := &syncBuffer{}
	c := NewConsole(out, b, zap.NewNop())
	c.Start()
	c.Start() // second Start is a no-op

	b.Emit(outbox.EventSendFailed, outbox.SendFailure{Error: "offline"})
	waitForOutput(t, out, "! send failed: offline")

	c.Stop()
	c.Stop()
	b.Emit(outbox.EventSendFailed, outbox.SendFailure{Error: "late"})
	time.Sleep(20 * time.Millisecond)
	if strings.Contains(out.String(), "late") {
		t.Error("console printed after Stop")
	}
}

type fakeTarget struct {
	sent     []string
	older    int
	olderOK  bool
	olderErr error
	sendErr  error
}

func (f *fakeTarget) Send(ctx context.Context, content string) error {
	f.sent = append(f.sent, content)
	return f.sendErr
}

func (f *fakeTarget) LoadOlder(ctx context.Context) (bool, error) {
	f.older++
	return f.olderOK, f.olderErr
}

func TestReadInput(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(out, bus.New(), zap.NewNop())
	target := &fakeTarget{sendErr: errors.New("ignored")}

	c.ReadInput(context.Background(), strings.NewReader("hello\n\n   \n/older\n  world  \n"), target)

	if len(target.sent) != 2 || target.sent[0] != "hello" || target.sent[1] != "world" {
		t.Errorf("sent = %q", target.sent)
	}
	if target.older != 1 {
		t.Errorf("LoadOlder calls = %d, want 1", target.older)
	}
	if !strings.Contains(out.String(), "* no older messages") {
		t.Errorf("output = %q", out.String())
	}
}

func TestReadInputLoadOlderError(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(out, bus.New(), zap.NewNop())
	target := &fakeTarget{olderErr: errors.New("no room")}

	c.ReadInput(context.Background(), strings.NewReader("/older\n"), target)
	if out.String() != "! no room\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestReadInputStopsOnCancel(t *testing.T) {
	c := NewConsole(&syncBuffer{}, bus.New(), zap.NewNop())
	target := &fakeTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.ReadInput(ctx, strings.NewReader("a\nb\n"), target)
	if len(target.sent) != 0 {
		t.Errorf("sent = %q after cancel", target.sent)
	}
}

func TestPrintHistory(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(out, bus.New(), zap.NewNop())
	c.PrintHistory([]chat.Message{
		{SenderName: "A", Content: "one"},
		{SenderName: "B", Content: "two"},
	})
	if out.String() != "[--:--] A: one\n[--:--] B: two\n" {
		t.Errorf("output = %q", out.String())
	}
}
