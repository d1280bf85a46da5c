// Package provider adapts vendor speech-to-text streams into the canonical
// transcript event model.
package provider

import (
	"context"
	"errors"
	"fmt"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
)

// Adapter is a live speech-to-text session normalized to canonical events.
// Implementations own the vendor connection; callers push audio in and read
// canonical events out.
type Adapter interface {
	// Name returns the provider identifier stamped on emitted events.
	Name() string

	// Start opens the vendor stream and begins emitting events.
	Start(ctx context.Context) error

	// PushAudio sends one frame of audio to the vendor.
	PushAudio(data []byte) error

	// Stop flushes and closes the vendor stream. The events channel is
	// closed once the trailing results have been emitted or ctx expires.
	Stop(ctx context.Context) error

	// Events returns the canonical event stream.
	Events() <-chan model.TranscriptEvent
}

// ErrUnknownProvider is returned for a provider name outside the registry.
var ErrUnknownProvider = errors.New("unknown STT provider")

// New selects an adapter by the configured provider name.
func New(cfg config.STTConfig, conversationID string) (Adapter, error) {
	switch cfg.Provider {
	case "deepgram":
		return NewDeepgram(cfg, conversationID), nil
	case "google":
		return NewGoogle(cfg, conversationID), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

const eventBuffer = 64

// emitter carries the shared normalization state of an adapter: the event
// channel, the open chunk, and the per-chunk seq counter.
type emitter struct {
	provider       string
	modelName      string
	conversationID string
	events         chan model.TranscriptEvent
	metrics        *metrics.Metrics

	chunkID string
	seq     int64
	newID   func() string
}

func newEmitter(provider, modelName, conversationID string, newID func() string) *emitter {
	return &emitter{
		provider:       provider,
		modelName:      modelName,
		conversationID: conversationID,
		events:         make(chan model.TranscriptEvent, eventBuffer),
		metrics:        metrics.DefaultMetrics,
		newID:          newID,
	}
}

// send places ev on the channel without blocking the vendor read loop. A
// full channel drops the event and counts it; the consumer is too slow to
// keep live hypotheses anyway.
func (e *emitter) send(ev model.TranscriptEvent) {
	select {
	case e.events <- ev:
		e.metrics.ProviderEvents.WithLabelValues(e.provider, string(ev.EventType)).Inc()
	default:
		e.metrics.ProviderDropped.WithLabelValues(e.provider).Inc()
		logging.WithProvider(e.conversationID, e.provider).Warn().
			Str("eventType", string(ev.EventType)).
			Msg("Event channel full, dropping event")
	}
}

func (e *emitter) base(eventType model.EventType) model.TranscriptEvent {
	return model.TranscriptEvent{
		EventID:        e.newID(),
		EventType:      eventType,
		ConversationID: e.conversationID,
		TimestampUTC:   model.Now(),
		Provider:       e.provider,
		Model:          e.modelName,
	}
}

// transcript emits one partial or final for the open chunk, opening a new
// chunk when none is open and closing it when final.
func (e *emitter) transcript(text string, isFinal bool, confidence, startMs, endMs float64, speakerID string, words []model.Word) {
	if e.chunkID == "" {
		e.chunkID = e.newID()
		e.seq = 0
	}
	e.seq++

	eventType := model.EventPartial
	if isFinal {
		eventType = model.EventFinal
	}
	ev := e.base(eventType)
	ev.ChunkID = e.chunkID
	ev.Seq = e.seq
	ev.Text = text
	ev.Confidence = confidence
	ev.AudioStartMs = startMs
	ev.AudioEndMs = endMs
	ev.SpeakerID = speakerID
	ev.Words = words
	e.send(ev)

	if isFinal {
		e.chunkID = ""
		e.seq = 0
	}
}

func (e *emitter) lifecycle(eventType model.EventType, providerSessionID string) {
	ev := e.base(eventType)
	ev.ProviderSessionID = providerSessionID
	e.send(ev)
}

func (e *emitter) error(code, message string) {
	e.metrics.ProviderErrors.WithLabelValues(e.provider).Inc()
	ev := e.base(model.EventError)
	ev.Error = &model.EventErrorDetail{Code: code, Message: message}
	e.send(ev)
}
