// Package signalr is a minimal client for the SignalR JSON hub protocol over
// WebSockets: handshake, invocations with completions, server-invoked
// handlers, keep-alive pings and automatic reconnection.
package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const recordSeparator = 0x1e

// Hub protocol message types.
const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

var handshakeRequest = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// hubMessage is the inbound envelope; fields not used by a type stay empty.
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type invocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

type pingMessage struct {
	Type int `json:"type"`
}

func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// splitRecords splits a frame into its separator-terminated records.
func splitRecords(frame []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(frame, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// InvocationError is returned by Invoke when the hub method completed with an error.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("signalr: %s failed: %s", e.Target, e.Message)
}

// ServerCloseError reports a close message sent by the server.
type ServerCloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *ServerCloseError) Error() string {
	if e.Message == "" {
		return "signalr: server closed the connection"
	}
	return "signalr: server closed the connection: " + e.Message
}

// RetryPolicy decides how long to wait before the next reconnect attempt.
// Returning false stops reconnecting.
type RetryPolicy interface {
	NextRetryDelay(previousRetries int) (time.Duration, bool)
}

// ExponentialRetry doubles the delay from Base up to Max and gives up after
// MaxAttempts retries.
type ExponentialRetry struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetry retries after 1s, 2s, 4s, 8s and 16s.
var DefaultRetry = ExponentialRetry{Base: time.Second, Max: 16 * time.Second, MaxAttempts: 5}

func (p ExponentialRetry) NextRetryDelay(previousRetries int) (time.Duration, bool) {
	if previousRetries >= p.MaxAttempts {
		return 0, false
	}
	d := p.Base
	for i := 0; i < previousRetries && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d, true
}
