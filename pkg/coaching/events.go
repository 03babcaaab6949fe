package coaching

import "time"

// EventType names a live coaching event.
type EventType string

const (
	EventStatus     EventType = "call.status"
	EventTranscript EventType = "call.transcript"
	EventTalkTime   EventType = "call.talk_time"
	EventAmmo       EventType = "call.ammo"
	EventNudge      EventType = "call.nudge"
	EventDetection  EventType = "call.detection"
	EventCompleted  EventType = "call.completed"
)

// Event is published to live subscribers (closer UI, message bus, status
// store). Data holds the type-specific payload.
type Event struct {
	Type      EventType   `json:"type"`
	CallID    string      `json:"call_id"`
	TeamID    string      `json:"team_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StatusChange is the payload of EventStatus.
type StatusChange struct {
	Status   CallStatus `json:"status"`
	CloserID string     `json:"closer_id,omitempty"`
}
