package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chat"
	"github.com/matheus3301/hubchat/internal/outbox"
	"github.com/matheus3301/hubchat/internal/status"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/zap"
)

const (
	consoleBuffer = 256
	cmdOlder      = "/older"
)

// InputTarget receives lines typed on the console. chatwindow.Window
// implements it.
type InputTarget interface {
	Send(ctx context.Context, content string) error
	LoadOlder(ctx context.Context) (bool, error)
}

// Console prints connection changes, messages and send results as plain
// text lines.
type Console struct {
	out    io.Writer
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// NewConsole creates a console writing to out.
func NewConsole(out io.Writer, b *bus.Bus, logger *zap.Logger) *Console {
	return &Console{out: out, bus: b, logger: logger}
}

// Start subscribes to the bus and prints events until Stop.
func (c *Console) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	ch, unsub := c.bus.Subscribe("", consoleBuffer)
	c.unsub = unsub
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if line, ok := formatEvent(evt); ok {
					c.println(line)
				}
			}
		}
	}(c.stop, c.done)
}

// Stop unsubscribes and waits for the print loop to exit.
func (c *Console) Stop() {
	c.mu.Lock()
	stop, done, unsub := c.stop, c.done, c.unsub
	c.stop, c.done, c.unsub = nil, nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	unsub()
	close(stop)
	<-done
}

// PrintHistory prints already loaded messages, oldest first.
func (c *Console) PrintHistory(msgs []chat.Message) {
	for _, m := range msgs {
		c.println(formatMessage(m))
	}
}

// ReadInput sends every non-blank line of r to target until r is exhausted
// or ctx is done. "/older" loads the previous page of history instead.
func (c *Console) ReadInput(ctx context.Context, r io.Reader, target InputTarget) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case cmdOlder:
			loaded, err := target.LoadOlder(ctx)
			switch {
			case err != nil:
				c.println("! " + err.Error())
			case !loaded:
				c.println("* no older messages")
			}
		default:
			// Failures are reported through message.send_failed.
			if err := target.Send(ctx, line); err != nil {
				c.logger.Debug("console send failed", zap.Error(err))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("console input error", zap.Error(err))
	}
}

func (c *Console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, line); err != nil {
		c.logger.Debug("console write failed", zap.Error(err))
	}
}

func formatEvent(evt bus.Event) (string, bool) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return fmt.Sprintf("* connection %s -> %s", p.From, p.To), true
	case chat.Message:
		if evt.Kind != store.EventMessageAdded {
			return "", false
		}
		return formatMessage(p), true
	case outbox.SendAck:
		if p.Via != outbox.ViaHTTP {
			return "", false
		}
		return "* sent over http", true
	case outbox.SendFailure:
		return "! send failed: " + p.Error, true
	}
	return "", false
}

func formatMessage(m chat.Message) string {
	stamp := "--:--"
	if t := chat.ParseTime(m.CreatedAt); !t.IsZero() {
		stamp = t.Local().Format("15:04")
	}
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, sender, m.Content)
}
