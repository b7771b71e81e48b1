package events

import "context"

// Streams
const (
	StreamAuth    = "events:auth"
	StreamOnboard = "events:onboard"
)

// Event types
const (
	EventSessionCreated       = "session_created"
	EventQRSigned             = "qr_signed"
	EventQRCompleted          = "qr_completed"
	EventOnboardStatusChanged = "onboard_status_changed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
