package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// isoMillis matches the timestamps the web client produces.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

var now = time.Now

// NormalizeMessage converts a loosely typed payload into a Message. Keys are
// accepted in camelCase or PascalCase, camelCase first. Missing fields fall
// back to defaults; this never fails.
func NormalizeMessage(raw map[string]any) Message {
	createdAt := stringField(raw, "createdAt", "CreatedAt")
	if createdAt == "" {
		createdAt = now().UTC().Format(isoMillis)
	}
	return Message{
		ID:             stringField(raw, "id", "Id"),
		ChatRoomID:     stringField(raw, "chatRoomId", "ChatRoomId"),
		SenderID:       stringField(raw, "senderId", "SenderId"),
		SenderName:     stringField(raw, "senderName", "SenderName"),
		SenderPhotoURL: stringField(raw, "senderProfilePhotoUrl", "SenderProfilePhotoUrl"),
		Content:        stringField(raw, "content", "Content"),
		CreatedAt:      createdAt,
		IsRead:         boolField(raw, "isRead", "IsRead"),
	}
}

// NormalizeMessageJSON decodes data as a JSON object and normalizes it.
// Anything that is not an object yields a message built from defaults.
func NormalizeMessageJSON(data []byte) Message {
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	return NormalizeMessage(raw)
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(raw map[string]any, keys ...string) string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

func boolField(raw map[string]any, keys ...string) bool {
	v, ok := lookup(raw, keys...)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
