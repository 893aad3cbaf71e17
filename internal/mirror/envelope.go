// ABOUTME: Broker envelope wrapping a dispatched real-time event
// ABOUTME: Carries ULID id, event type, room, and emit time for downstream consumers

package mirror

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Producer is stamped on every envelope this service emits.
const Producer = "handoff-gateway"

// Meta describes a mirrored event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	// Type is the real-time event name, e.g. "new-handoff".
	Type string `json:"type"`
	// Room is the room the event was fanned out to.
	Room string `json:"room"`
}

// Envelope is the JSON body published to the broker.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope builds an envelope with a fresh ULID and the current time.
func NewEnvelope(event, room string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       ulid.Make().String(),
			Producer: Producer,
			Time:     time.Now().UTC(),
			Type:     event,
			Room:     room,
		},
		Data: data,
	}
}

// RoutingKey returns the topic routing key for an event, e.g. "handoff.new-handoff".
func RoutingKey(event string) string {
	return "handoff." + event
}
