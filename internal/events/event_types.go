package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventUserRegistered    EventType = "user_registered"
	EventUserLoggedIn      EventType = "user_logged_in"
	EventLoginFailed       EventType = "login_failed"
	EventTokenRefreshed    EventType = "token_refreshed"
	EventUserLoggedOut     EventType = "user_logged_out"
	EventPasswordChanged   EventType = "password_changed"
	EventUserStatusChanged EventType = "user_status_changed"
)

// Event represents a domain event emitted by services. Payloads never carry
// secrets or tokens.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with a time-ordered id and the current time.
func NewEvent(eventType EventType, userID string, payload interface{}) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// LoginFailedPayload payload.
type LoginFailedPayload struct {
	Reason string `json:"reason"`
}

// UserStatusChangedPayload payload.
type UserStatusChangedPayload struct {
	Active  bool   `json:"active"`
	ActorID string `json:"actor_id"`
}
