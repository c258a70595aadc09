// Package chat holds the chat domain records shared by the realtime,
// REST and store layers.
package chat

import "time"

// RoomType distinguishes one-to-one rooms from project rooms.
type RoomType string

const (
	RoomDirect  RoomType = "Direct"
	RoomProject RoomType = "Project"
)

// Participant is a member of a chat room.
type Participant struct {
	UserID          string `json:"userId"`
	FullName        string `json:"fullName"`
	ProfilePhotoURL string `json:"profilePhotoUrl,omitempty"`
}

// LastMessage summarizes the most recent message of a room.
type LastMessage struct {
	Content    string `json:"content"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// Room is a chat room as returned by the API.
type Room struct {
	ID           string        `json:"id"`
	RoomType     RoomType      `json:"roomType"`
	Participants []Participant `json:"participants"`
	ProjectName  string        `json:"projectName,omitempty"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    string        `json:"createdAt"`
}

// ActivityTime is the time of the last message, or the room creation time
// when the room has no messages yet.
func (r Room) ActivityTime() time.Time {
	if r.LastMessage != nil && r.LastMessage.CreatedAt != "" {
		return ParseTime(r.LastMessage.CreatedAt)
	}
	return ParseTime(r.CreatedAt)
}

// Clone returns a copy of r that shares no mutable state with it.
func (r Room) Clone() Room {
	out := r
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.LastMessage != nil {
		lm := *r.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Message is a single chat message. Messages are never mutated after creation.
type Message struct {
	ID             string `json:"id"`
	ChatRoomID     string `json:"chatRoomId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	SenderPhotoURL string `json:"senderProfilePhotoUrl,omitempty"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
	IsRead         bool   `json:"isRead"`
}

// Summary converts the message into a room's last-message summary.
func (m Message) Summary() *LastMessage {
	return &LastMessage{
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		CreatedAt:  m.CreatedAt,
	}
}

// ParseTime parses an ISO-8601 timestamp. Unparseable input yields the zero time.
func ParseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
