// Package events carries domain notifications (resource writes, screening
// evaluations, CDS card batches) to subscribers over WebSocket and Redis
// streams.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Event types.
const (
	TypeResourceCreated = "resource.created"
	TypeResourceUpdated = "resource.updated"
	TypeResourceDeleted = "resource.deleted"
	TypeScreeningResult = "screening.evaluated"
	TypeCDSCards        = "cds.cards"
)

// TopicAll receives every event.
const TopicAll = "*"

// Event is a single notification.
type Event struct {
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	VersionID    string          `json:"versionId,omitempty"`
	PatientID    string          `json:"patientId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Topics lists the subscription topics an event is delivered on.
func (e Event) Topics() []string {
	topics := []string{TopicAll, "type/" + e.Type}
	if e.ResourceType != "" {
		topics = append(topics, "resource/"+e.ResourceType)
	}
	if e.PatientID != "" {
		topics = append(topics, PatientTopic(e.PatientID))
	}
	return topics
}

// PatientTopic is the topic for everything concerning one patient.
func PatientTopic(patientID string) string {
	return "patient/" + patientID
}

// NewEvent builds an event, encoding data as JSON when non-nil.
func NewEvent(eventType, resourceType, resourceID, patientID string, data interface{}) (Event, error) {
	ev := Event{
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		Timestamp:    time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// Publisher defines the interface for publishing events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// failures are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
