package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store used for local runs and tests.
type Memory struct {
	mu        sync.RWMutex
	finalized map[string][]FinalizedChunk
	sessions  map[string]SessionRecord
	analyses  map[string]map[string]AnalysisResult // conversationID -> chunkID
	order     map[string][]string                  // analysis insertion order per conversation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		finalized: make(map[string][]FinalizedChunk),
		sessions:  make(map[string]SessionRecord),
		analyses:  make(map[string]map[string]AnalysisResult),
		order:     make(map[string][]string),
	}
}

// AppendFinalized appends a chunk to the conversation's finalized log.
func (m *Memory) AppendFinalized(_ context.Context, chunk FinalizedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[chunk.ConversationID] = append(m.finalized[chunk.ConversationID], chunk)
	return nil
}

// Finalized returns a copy of the finalized log in append order.
func (m *Memory) Finalized(_ context.Context, conversationID string) ([]FinalizedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := m.finalized[conversationID]
	out := make([]FinalizedChunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

// SaveSession records a completed session summary.
func (m *Memory) SaveSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ConversationID] = rec
	return nil
}

// Session returns a stored session record, if present.
func (m *Memory) Session(conversationID string) (SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[conversationID]
	return rec, ok
}

// SaveAnalysis upserts an analysis result keyed by conversation and chunk.
func (m *Memory) SaveAnalysis(_ context.Context, res AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChunk, ok := m.analyses[res.ConversationID]
	if !ok {
		byChunk = make(map[string]AnalysisResult)
		m.analyses[res.ConversationID] = byChunk
	}
	if _, exists := byChunk[res.ChunkID]; !exists {
		m.order[res.ConversationID] = append(m.order[res.ConversationID], res.ChunkID)
	}
	byChunk[res.ChunkID] = res
	return nil
}

// AnalysisFor returns analysis results in first-write order.
func (m *Memory) AnalysisFor(_ context.Context, conversationID string) ([]AnalysisResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byChunk := m.analyses[conversationID]
	out := make([]AnalysisResult, 0, len(byChunk))
	for _, chunkID := range m.order[conversationID] {
		out = append(out, byChunk[chunkID])
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
