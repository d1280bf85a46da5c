package model

import (
	"errors"
	"testing"
)

func validFinal() TranscriptEvent {
	return TranscriptEvent{
		EventID:        "ev-1",
		EventType:      EventFinal,
		ConversationID: "conv-1",
		ChunkID:        "chunk-1",
		Seq:            3,
		Text:           "hello there",
		TimestampUTC:   "2026-08-30T10:30:00.000Z",
		SpeakerID:      "speaker_0",
		Confidence:     0.92,
	}
}

func TestValidate_AcceptsWellFormedEvents(t *testing.T) {
	events := []TranscriptEvent{
		validFinal(),
		{
			EventID:        "ev-2",
			EventType:      EventPartial,
			ConversationID: "conv-1",
			ChunkID:        "chunk-1",
			Seq:            1,
			Text:           "hel",
			TimestampUTC:   "2026-08-30T10:30:00.000Z",
		},
		{
			EventID:        "ev-3",
			EventType:      EventSessionStarted,
			ConversationID: "conv-1",
			TimestampUTC:   "2026-08-30T10:29:58Z",
		},
		{
			EventID:        "ev-4",
			EventType:      EventError,
			ConversationID: "conv-1",
			TimestampUTC:   "2026-08-30T10:31:00.000Z",
			Error:          &EventErrorDetail{Code: "deepgram.connection_lost", Message: "socket closed"},
		},
	}

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Errorf("event %s: unexpected validation error: %v", ev.EventID, err)
		}
	}
}

func TestValidate_RejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TranscriptEvent)
		wantErr error
	}{
		{"missing event id", func(e *TranscriptEvent) { e.EventID = "" }, ErrMissingEventID},
		{"missing event type", func(e *TranscriptEvent) { e.EventType = "" }, ErrMissingEventType},
		{"unknown event type", func(e *TranscriptEvent) { e.EventType = "recognized" }, ErrUnknownEventType},
		{"missing conversation id", func(e *TranscriptEvent) { e.ConversationID = "" }, ErrMissingConversationID},
		{"missing timestamp", func(e *TranscriptEvent) { e.TimestampUTC = "" }, ErrMissingTimestamp},
		{"bad timestamp", func(e *TranscriptEvent) { e.TimestampUTC = "yesterday" }, ErrInvalidTimestamp},
		{"missing chunk id", func(e *TranscriptEvent) { e.ChunkID = "" }, ErrMissingChunkID},
		{"zero seq", func(e *TranscriptEvent) { e.Seq = 0 }, ErrMissingSeq},
		{"negative seq", func(e *TranscriptEvent) { e.Seq = -4 }, ErrMissingSeq},
		{"missing text", func(e *TranscriptEvent) { e.Text = "" }, ErrMissingText},
		{"confidence above one", func(e *TranscriptEvent) { e.Confidence = 1.2 }, ErrInvalidConfidence},
		{"confidence below zero", func(e *TranscriptEvent) { e.Confidence = -0.1 }, ErrInvalidConfidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validFinal()
			tt.mutate(&ev)
			err := ev.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ErrorEventRequiresDetail(t *testing.T) {
	ev := TranscriptEvent{
		EventID:        "ev-5",
		EventType:      EventError,
		ConversationID: "conv-1",
		TimestampUTC:   "2026-08-30T10:31:00.000Z",
	}
	if err := ev.Validate(); !errors.Is(err, ErrMissingErrorDetail) {
		t.Errorf("expected ErrMissingErrorDetail, got %v", err)
	}

	ev.Error = &EventErrorDetail{Message: "no code"}
	if err := ev.Validate(); !errors.Is(err, ErrMissingErrorDetail) {
		t.Errorf("expected ErrMissingErrorDetail for empty code, got %v", err)
	}
}

func TestEventType_Droppable(t *testing.T) {
	if !EventPartial.Droppable() {
		t.Error("partial events must be droppable")
	}
	for _, et := range []EventType{EventFinal, EventSessionStarted, EventSessionStopped, EventError} {
		if et.Droppable() {
			t.Errorf("%s events must never be droppable", et)
		}
	}
}
