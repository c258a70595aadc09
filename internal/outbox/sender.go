// Package outbox sends chat messages over the realtime hub, falling back to
// the REST API when the hub is unavailable or the invocation fails.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chat"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned for blank content.
var ErrEmptyMessage = errors.New("outbox: empty message")

// Bus event kinds.
const (
	EventSendAck    = "message.send_ack"
	EventSendFailed = "message.send_failed"
)

// Delivery paths reported in acks.
const (
	ViaRealtime = "realtime"
	ViaHTTP     = "http"
)

// RealtimeSender sends over the hub. realtime.Manager implements it.
type RealtimeSender interface {
	SendMessage(ctx context.Context, roomID, content string) error
}

// RESTSender sends over HTTP and returns the stored message. api.Client implements it.
type RESTSender interface {
	SendMessage(ctx context.Context, roomID, content string) (chat.Message, error)
}

// MessageSink stores messages sent over HTTP; their echo never arrives on
// the hub. store.Store implements it.
type MessageSink interface {
	AddMessage(msg chat.Message)
}

// SendAck is the payload of EventSendAck.
type SendAck struct {
	ClientMsgID string
	RoomID      string
	ServerMsgID string
	Via         string
}

// SendFailure is the payload of EventSendFailed.
type SendFailure struct {
	ClientMsgID string
	RoomID      string
	Error       string
}

// Sender delivers messages realtime-first with a REST fallback.
type Sender struct {
	realtime RealtimeSender
	rest     RESTSender
	sink     MessageSink
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewSender creates a new sender.
func NewSender(realtime RealtimeSender, rest RESTSender, sink MessageSink, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		realtime: realtime,
		rest:     rest,
		sink:     sink,
		bus:      b,
		logger:   logger,
	}
}

// Send delivers content to roomID. On error the caller still holds the draft
// and can restore it.
func (s *Sender) Send(ctx context.Context, roomID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	clientMsgID := uuid.NewString()
	log := s.logger.With(zap.String("client_msg_id", clientMsgID), zap.String("room_id", roomID))

	rtErr := s.realtime.SendMessage(ctx, roomID, content)
	if rtErr == nil {
		log.Info("message sent", zap.String("via", ViaRealtime))
		s.bus.Emit(EventSendAck, SendAck{ClientMsgID: clientMsgID, RoomID: roomID, Via: ViaRealtime})
		return nil
	}
	log.Warn("realtime send failed, falling back to http", zap.Error(rtErr))

	msg, err := s.rest.SendMessage(ctx, roomID, content)
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		s.bus.Emit(EventSendFailed, SendFailure{ClientMsgID: clientMsgID, RoomID: roomID, Error: err.Error()})
		return fmt.Errorf("send message: %w", err)
	}

	if msg.ChatRoomID == "" {
		msg.ChatRoomID = roomID
	}
	if s.sink != nil {
		s.sink.AddMessage(msg)
	}
	log.Info("message sent", zap.String("via", ViaHTTP), zap.String("server_msg_id", msg.ID))
	s.bus.Emit(EventSendAck, SendAck{ClientMsgID: clientMsgID, RoomID: roomID, ServerMsgID: msg.ID, Via: ViaHTTP})
	return nil
}
