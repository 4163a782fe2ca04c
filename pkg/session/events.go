package session

import (
	"encoding/json"
	"fmt"
)

// EventType classifies a server message received on the data channel.
type EventType string

const (
	EventLog     EventType = "log"
	EventError   EventType = "error"
	EventWarning EventType = "warning"
)

// Log event names the server emits during a conversation.
const (
	LogPauseDetected    = "pause_detected"
	LogResponseStarting = "response_starting"
	LogStartedTalking   = "started_talking"
)

// Event is a decoded server message. Log events carry the event name in
// Data; error and warning events carry a human-readable message.
type Event struct {
	Type    EventType `json:"type"`
	Data    string    `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
}

// decodeEvent parses a data channel payload. Unknown types are returned
// as-is so callers can log them rather than drop them silently.
func decodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode server event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("server event missing type: %s", string(payload))
	}
	return ev, nil
}
