// Package api is the REST client for the chat rooms endpoints. It is used
// for history, read receipts and as the send path when the realtime hub is
// unavailable.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/hubchat/internal/chat"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Error is returned for non-2xx responses and unsuccessful envelopes.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
}

// envelope wraps every response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Client talks to {baseURL}/chat/rooms.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// "https://example.com/api".
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ListRooms returns the caller's rooms.
func (c *Client) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	if err := c.do(ctx, http.MethodGet, "/chat/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// CreateDirectRoom returns the direct room with otherUserID, creating it if needed.
func (c *Client) CreateDirectRoom(ctx context.Context, otherUserID string) (chat.Room, error) {
	var room chat.Room
	body := map[string]string{"otherUserId": otherUserID}
	if err := c.do(ctx, http.MethodPost, "/chat/rooms/direct", body, &room); err != nil {
		return chat.Room{}, fmt.Errorf("create direct room: %w", err)
	}
	return room, nil
}

// CreateProjectRoom returns the room of projectID, creating it if needed.
func (c *Client) CreateProjectRoom(ctx context.Context, projectID string) (chat.Room, error) {
	var room chat.Room
	body := map[string]string{"projectId": projectID}
	if err := c.do(ctx, http.MethodPost, "/chat/rooms/project", body, &room); err != nil {
		return chat.Room{}, fmt.Errorf("create project room: %w", err)
	}
	return room, nil
}

// GetRoom fetches a single room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (chat.Room, error) {
	var room chat.Room
	if err := c.do(ctx, http.MethodGet, "/chat/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return chat.Room{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return room, nil
}

// ListMessages returns one page of history, newest first.
func (c *Client) ListMessages(ctx context.Context, roomID string, page, pageSize int) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	path := "/chat/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()

	var raw []map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", roomID, err)
	}
	msgs := make([]chat.Message, len(raw))
	for i, r := range raw {
		msgs[i] = chat.NormalizeMessage(r)
	}
	return msgs, nil
}

// SendMessage posts content to roomID and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) (chat.Message, error) {
	var raw map[string]any
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/messages", body, &raw); err != nil {
		return chat.Message{}, fmt.Errorf("send message %s: %w", roomID, err)
	}
	return chat.NormalizeMessage(raw), nil
}

// MarkRead marks every message in roomID as read.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Success {
		return &Error{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
