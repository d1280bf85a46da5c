package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// capture redirects the global logger into a buffer for one test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name   string
		emit   func()
		fields map[string]string
	}{
		{
			name: "component",
			emit: func() { WithComponent("ingest").Info().Msg("listening") },
			fields: map[string]string{
				"component": "ingest",
			},
		},
		{
			name: "conversation",
			emit: func() { WithConversation("conv-1").Warn().Msg("discarded") },
			fields: map[string]string{
				"conversationId": "conv-1",
			},
		},
		{
			name: "chunk",
			emit: func() { WithChunk("conv-1", "chunk-7").Debug().Msg("stale") },
			fields: map[string]string{
				"conversationId": "conv-1",
				"chunkId":        "chunk-7",
			},
		},
		{
			name: "provider",
			emit: func() { WithProvider("conv-1", "deepgram").Error().Msg("stream error") },
			fields: map[string]string{
				"conversationId": "conv-1",
				"sttProvider":    "deepgram",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.emit()

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
			}
			for k, want := range tt.fields {
				if got, _ := entry[k].(string); got != want {
					t.Errorf("expected field %s=%q, got %q", k, want, got)
				}
			}
		})
	}
}

func TestInitLevels(t *testing.T) {
	Init(Config{Level: "warn", Format: "json"})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("expected global level warn, got %v", zerolog.GlobalLevel())
	}

	Init(Config{Level: "not-a-level", Format: "json"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected fallback to info, got %v", zerolog.GlobalLevel())
	}
}

func TestInitStampsService(t *testing.T) {
	Init(DefaultConfig())
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = log.Output(&buf)
	defer func() { log.Logger = prev }()

	log.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"service":"legionmeet-transcript-service"`) {
		t.Errorf("expected service field in %q", buf.String())
	}
}
