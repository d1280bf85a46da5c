// Package store persists finalized transcript chunks, session records, and
// analysis results. The finalized log is append-only: the interface offers
// no update or delete for chunks, so immutability is enforced by the type,
// not by convention.
package store

import (
	"context"
	"time"
)

// FinalizedChunk is one closed speech segment as appended to the log.
type FinalizedChunk struct {
	ConversationID string    `json:"conversation_id"`
	ChunkID        string    `json:"chunk_id"`
	Seq            int64     `json:"seq"`
	Text           string    `json:"text"`
	SpeakerID      string    `json:"speaker_id,omitempty"`
	SpeakerRole    string    `json:"speaker_role,omitempty"`
	AudioStartMs   float64   `json:"audio_start_ms,omitempty"`
	AudioEndMs     float64   `json:"audio_end_ms,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	FinalizedAt    time.Time `json:"finalized_at"`
}

// SessionRecord summarizes a completed conversation.
type SessionRecord struct {
	ConversationID string            `json:"conversation_id"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FinalizedCount int               `json:"finalized_count"`
	DiscardedCount int               `json:"discarded_count"`
}

// AnalysisResult is the persisted output of one analysis call. Writes are
// idempotent on (ConversationID, ChunkID).
type AnalysisResult struct {
	ConversationID string    `json:"conversation_id"`
	ChunkID        string    `json:"chunk_id"`
	ResponseText   string    `json:"response_text"`
	SpeakerRole    string    `json:"speaker_role,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	ClarityScore   float64   `json:"clarity_score"`
	KeyPoints      []string  `json:"key_points,omitempty"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

// Store is the persistence boundary for the ingestion service.
type Store interface {
	// AppendFinalized appends a chunk to the conversation's finalized log.
	AppendFinalized(ctx context.Context, chunk FinalizedChunk) error

	// Finalized returns the finalized log for a conversation in append order.
	Finalized(ctx context.Context, conversationID string) ([]FinalizedChunk, error)

	// SaveSession records a completed session summary.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// SaveAnalysis upserts an analysis result keyed by conversation and chunk.
	SaveAnalysis(ctx context.Context, res AnalysisResult) error

	// AnalysisFor returns all analysis results for a conversation.
	AnalysisFor(ctx context.Context, conversationID string) ([]AnalysisResult, error)

	// Ping reports whether the backend is reachable. Used by readiness
	// probes.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
