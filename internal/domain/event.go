package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names an inventory change that is announced to subscribers.
type EventType string

const (
	EventInstanceCreated  EventType = "instance.created"
	EventInstanceDeleted  EventType = "instance.deleted"
	EventInstanceMigrated EventType = "instance.migrated"
	EventServerAdded      EventType = "server.added"
	EventServerRemoved    EventType = "server.removed"
	EventRackEvacuated    EventType = "rack.evacuated"
)

// Event describes a committed inventory change.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Kind       Kind              `json:"kind"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewEvent builds an event stamped with a fresh id and the current time.
func NewEvent(eventType EventType, kind Kind, name string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Kind:       kind,
		Name:       name,
		Attributes: attrs,
		Timestamp:  time.Now().UTC(),
	}
}

// Channel returns the pub/sub channel the event is announced on.
func (e Event) Channel() string {
	return "events:" + string(e.Kind)
}

// EventPublisher announces committed inventory changes.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
