// Package envelope defines the wire shape every event carries once it
// crosses the eventbus package boundary. Every producer builds one
// with New before calling eventbus.Bus.Publish; every consumer
// receives one back from a subscription.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a domain payload with the metadata the coordinator,
// audit log and DLQ all need regardless of event_type.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	UserID        string          `json:"user_id,omitempty"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`

	// Attempt is bumped by the eventbus's replay drain loop each time
	// delivery is retried. Not persisted as part of the wire payload
	// read by subscribers, only used internally for DLQ bookkeeping.
	Attempt int `json:"-"`
}

// New marshals payload and stamps event_id/timestamp. correlationID
// should normally come from shared.TraceID(ctx); source identifies the
// producing component (e.g. "telegram", "cron", "coordinator").
func New(eventType, correlationID, userID, source string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		UserID:        userID,
		Source:        source,
		Payload:       raw,
	}, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e *Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
