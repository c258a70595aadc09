package bus

import "time"

// Event represents a chat client event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
