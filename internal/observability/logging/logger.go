// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "legionmeet-transcript-service").
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) *zerolog.Logger {
	l := log.With().
		Str("component", component).
		Logger()
	return &l
}

// WithConversation returns a logger with conversation context.
func WithConversation(conversationID string) *zerolog.Logger {
	l := log.With().
		Str("conversationId", conversationID).
		Logger()
	return &l
}

// WithChunk returns a logger with chunk context.
func WithChunk(conversationID, chunkID string) *zerolog.Logger {
	l := log.With().
		Str("conversationId", conversationID).
		Str("chunkId", chunkID).
		Logger()
	return &l
}

// WithProvider returns a logger with provider context.
func WithProvider(conversationID, provider string) *zerolog.Logger {
	l := log.With().
		Str("conversationId", conversationID).
		Str("sttProvider", provider).
		Logger()
	return &l
}
