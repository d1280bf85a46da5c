// Package model defines the canonical transcript event shape that every
// STT provider is normalized into and every downstream consumer reads.
package model

import (
	"errors"
	"fmt"
	"time"
)

// EventType discriminates the canonical event variants.
type EventType string

const (
	// EventPartial is a mutable interim result for an open chunk.
	EventPartial EventType = "partial"
	// EventFinal closes a chunk. Terminal per chunk.
	EventFinal EventType = "final"
	// EventSessionStarted marks the provider session beginning.
	EventSessionStarted EventType = "session_started"
	// EventSessionStopped marks the provider session ending.
	EventSessionStopped EventType = "session_stopped"
	// EventError carries a provider failure.
	EventError EventType = "error"
)

// Valid reports whether the event type is one of the canonical variants.
func (t EventType) Valid() bool {
	switch t {
	case EventPartial, EventFinal, EventSessionStarted, EventSessionStopped, EventError:
		return true
	}
	return false
}

// Droppable reports whether events of this type may be evicted from a full
// delivery queue. Only partials are expendable; finals and lifecycle events
// carry state the consumer cannot reconstruct.
func (t EventType) Droppable() bool {
	return t == EventPartial
}

// Word is one unit of word-level detail on a transcript event.
type Word struct {
	Text       string  `json:"text"`
	StartMs    float64 `json:"start_ms,omitempty"`
	EndMs      float64 `json:"end_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	SpeakerID  string  `json:"speaker_id,omitempty"`
}

// EventErrorDetail carries provider error information on error events.
type EventErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TranscriptEvent is the canonical unit exchanged between the producer-side
// delivery client and the ingestion endpoint.
//
// EventID is the transport-level idempotency key: it is generated once per
// event instance, and re-delivery of the same EventID must be a no-op on the
// consumer. ChunkID identifies one logical speech segment; it is reused
// across partial updates and closed by exactly one final. Seq increases
// strictly per (ConversationID, ChunkID) and orders updates within a chunk
// only; it promises nothing across chunks or conversations.
type TranscriptEvent struct {
	EventID        string    `json:"event_id"`
	EventType      EventType `json:"event_type"`
	ConversationID string    `json:"conversation_id"`
	ChunkID        string    `json:"chunk_id,omitempty"`
	Seq            int64     `json:"seq,omitempty"`
	Text           string    `json:"text,omitempty"`
	TimestampUTC   string    `json:"timestamp_utc"`
	SpeakerID      string    `json:"speaker_id,omitempty"`
	AudioStartMs   float64   `json:"audio_start_ms,omitempty"`
	AudioEndMs     float64   `json:"audio_end_ms,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Words          []Word    `json:"words,omitempty"`

	Provider          string `json:"provider,omitempty"`
	Model             string `json:"model,omitempty"`
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	Error *EventErrorDetail `json:"error,omitempty"`
}

// Validation errors returned by Validate. Handlers map these to
// machine-readable 400 responses.
var (
	ErrMissingEventID        = errors.New("event_id is required")
	ErrMissingEventType      = errors.New("event_type is required")
	ErrUnknownEventType      = errors.New("unknown event_type")
	ErrMissingConversationID = errors.New("conversation_id is required")
	ErrMissingTimestamp      = errors.New("timestamp_utc is required")
	ErrInvalidTimestamp      = errors.New("timestamp_utc is not ISO-8601")
	ErrMissingChunkID        = errors.New("chunk_id is required for partial and final events")
	ErrMissingSeq            = errors.New("seq must be positive for partial and final events")
	ErrMissingText           = errors.New("text is required for partial and final events")
	ErrMissingErrorDetail    = errors.New("error detail is required for error events")
	ErrInvalidConfidence     = errors.New("confidence must be between 0.0 and 1.0")
)

// Validate checks structural requirements before an event may enter the
// session layer. It does not consult session state; staleness and duplicate
// checks belong to the session manager.
func (e *TranscriptEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if e.ConversationID == "" {
		return ErrMissingConversationID
	}
	if e.TimestampUTC == "" {
		return ErrMissingTimestamp
	}
	if _, err := time.Parse(time.RFC3339Nano, e.TimestampUTC); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, e.TimestampUTC)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return ErrInvalidConfidence
	}

	switch e.EventType {
	case EventPartial, EventFinal:
		if e.ChunkID == "" {
			return ErrMissingChunkID
		}
		if e.Seq <= 0 {
			return ErrMissingSeq
		}
		if e.Text == "" {
			return ErrMissingText
		}
	case EventError:
		if e.Error == nil || e.Error.Code == "" {
			return ErrMissingErrorDetail
		}
	}
	return nil
}

// Timestamp formats t as the canonical ISO-8601 UTC string with Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Now returns the canonical timestamp for the current instant.
func Now() string {
	return Timestamp(time.Now())
}
