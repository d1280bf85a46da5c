package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
	"legionmeet-transcript-service/internal/store"
)

// AnalysisSink receives finalized chunks for downstream analysis. Dispatch
// must not block: the session path hands off and moves on.
type AnalysisSink interface {
	Dispatch(chunk store.FinalizedChunk)
}

// Manager owns all conversation sessions. The manager lock guards the
// session map only; per-session work runs under each session's own lock,
// so conversations make progress independently.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store           store.Store
	sink            AnalysisSink
	analyzePartials bool
	metrics         *metrics.Metrics
	now             func() time.Time
}

// NewManager creates a session manager backed by st. sink may be nil when
// no analysis backend is wired.
func NewManager(st store.Store, sink AnalysisSink, analyzePartials bool) *Manager {
	return &Manager{
		sessions:        make(map[string]*Session),
		store:           st,
		sink:            sink,
		analyzePartials: analyzePartials,
		metrics:         metrics.DefaultMetrics,
		now:             time.Now,
	}
}

// Start activates a session for a conversation. Starting an already active
// session fails with ErrAlreadyActive; an ended conversation may start a
// fresh session, which replaces the frozen one.
func (m *Manager) Start(conversationID string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[conversationID]; ok {
		existing.mu.Lock()
		active := existing.state == StateActive
		existing.mu.Unlock()
		if active {
			return ErrAlreadyActive
		}
	}

	m.sessions[conversationID] = newSession(conversationID, metadata, m.now())
	m.metrics.SessionsStarted.Inc()
	m.metrics.SessionsActive.Inc()
	logging.WithConversation(conversationID).Info().Msg("Session started")
	return nil
}

// Ingest applies one canonical event to its conversation's session.
//
// Partials update the working set under strictly increasing seq. Finals
// promote the chunk to the append-only log and hand it to the analysis
// sink exactly once. Lifecycle and error events are recorded but change no
// state. The first partial or final for an unknown conversation activates
// a session implicitly; events for ended sessions return ErrNotActive.
func (m *Manager) Ingest(ctx context.Context, ev model.TranscriptEvent) error {
	s := m.lookup(ev.ConversationID)
	if s == nil {
		switch ev.EventType {
		case model.EventPartial, model.EventFinal:
			s = m.autoStart(ev.ConversationID)
		default:
			m.metrics.RecordLateEvent(string(ev.EventType))
			return ErrNotActive
		}
	}

	switch ev.EventType {
	case model.EventPartial:
		return m.ingestPartial(s, ev)
	case model.EventFinal:
		return m.ingestFinal(ctx, s, ev)
	case model.EventSessionStarted, model.EventSessionStopped:
		return m.ingestLifecycle(s, ev)
	case model.EventError:
		return m.ingestError(s, ev)
	default:
		return model.ErrUnknownEventType
	}
}

func (m *Manager) lookup(conversationID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[conversationID]
}

// autoStart activates a session for a conversation seen for the first
// time through the transcript stream rather than an explicit start call.
// An existing session is returned as-is: an ended one stays ended, so its
// events are still rejected downstream.
func (m *Manager) autoStart(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[conversationID]; ok {
		return s
	}
	s := newSession(conversationID, nil, m.now())
	m.sessions[conversationID] = s
	m.metrics.SessionsStarted.Inc()
	m.metrics.SessionsActive.Inc()
	logging.WithConversation(conversationID).Info().Msg("Session started on first event")
	return s
}

func (m *Manager) ingestPartial(s *Session, ev model.TranscriptEvent) error {
	s.mu.Lock()
	opened, err := s.applyPartial(ev, m.now())
	var snapshot store.FinalizedChunk
	if err == nil && m.analyzePartials && m.sink != nil {
		snapshot = m.chunkFromEventLocked(s, ev)
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrNotActive):
		m.metrics.RecordLateEvent(string(ev.EventType))
		return err
	case errors.Is(err, ErrStaleUpdate), errors.Is(err, ErrChunkFinalized):
		m.metrics.EventsStale.Inc()
		logging.WithChunk(ev.ConversationID, ev.ChunkID).Debug().
			Int64("seq", ev.Seq).
			Msg("Discarded stale partial")
		return err
	case err != nil:
		return err
	}

	if opened {
		m.metrics.WorkingChunks.Inc()
	}
	if m.analyzePartials && m.sink != nil {
		m.sink.Dispatch(snapshot)
	}
	return nil
}

func (m *Manager) ingestFinal(ctx context.Context, s *Session, ev model.TranscriptEvent) error {
	s.mu.Lock()
	wasWorking, err := s.applyFinal(ev)
	var chunk store.FinalizedChunk
	if err == nil {
		chunk = m.chunkFromEventLocked(s, ev)
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrNotActive):
		m.metrics.RecordLateEvent(string(ev.EventType))
		return err
	case errors.Is(err, ErrChunkFinalized):
		m.metrics.EventsStale.Inc()
		logging.WithChunk(ev.ConversationID, ev.ChunkID).Debug().
			Msg("Ignored repeated final for closed chunk")
		return err
	case err != nil:
		return err
	}

	if wasWorking {
		m.metrics.WorkingChunks.Dec()
	}

	if err := m.store.AppendFinalized(ctx, chunk); err != nil {
		// Roll the promotion back so a redelivered final can retry the
		// append instead of being absorbed as a repeat.
		s.mu.Lock()
		s.reopen(ev.ChunkID)
		s.mu.Unlock()
		logging.WithChunk(ev.ConversationID, ev.ChunkID).Error().Err(err).
			Msg("Failed to append finalized chunk")
		return err
	}
	m.metrics.ChunksFinalized.Inc()
	logging.WithChunk(ev.ConversationID, ev.ChunkID).Info().
		Int64("seq", ev.Seq).
		Int("textLength", len(ev.Text)).
		Msg("Chunk finalized")

	if m.sink != nil {
		m.sink.Dispatch(chunk)
	}
	return nil
}

func (m *Manager) ingestLifecycle(s *Session, ev model.TranscriptEvent) error {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		m.metrics.RecordLateEvent(string(ev.EventType))
		return ErrNotActive
	}
	logging.WithProvider(ev.ConversationID, ev.Provider).Info().
		Str("eventType", string(ev.EventType)).
		Str("providerSessionId", ev.ProviderSessionID).
		Msg("Provider lifecycle event")
	return nil
}

func (m *Manager) ingestError(s *Session, ev model.TranscriptEvent) error {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		m.metrics.RecordLateEvent(string(ev.EventType))
		return ErrNotActive
	}
	evt := logging.WithProvider(ev.ConversationID, ev.Provider).Warn()
	if ev.Error != nil {
		evt = evt.Str("code", ev.Error.Code).Str("detail", ev.Error.Message)
	}
	evt.Msg("Provider reported error")
	return nil
}

// chunkFromEventLocked builds the persisted form of a chunk. Caller holds
// the session lock so the role lookup is consistent.
func (m *Manager) chunkFromEventLocked(s *Session, ev model.TranscriptEvent) store.FinalizedChunk {
	return store.FinalizedChunk{
		ConversationID: ev.ConversationID,
		ChunkID:        ev.ChunkID,
		Seq:            ev.Seq,
		Text:           ev.Text,
		SpeakerID:      ev.SpeakerID,
		SpeakerRole:    s.roleFor(ev.SpeakerID),
		AudioStartMs:   ev.AudioStartMs,
		AudioEndMs:     ev.AudioEndMs,
		Confidence:     ev.Confidence,
		Provider:       ev.Provider,
		FinalizedAt:    m.now(),
	}
}

// MapSpeaker assigns a role to a speaker within an active session.
func (m *Manager) MapSpeaker(conversationID, speakerID, role string) error {
	s := m.lookup(conversationID)
	if s == nil {
		return ErrNotActive
	}
	s.mu.Lock()
	err := s.mapSpeaker(speakerID, role)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	logging.WithConversation(conversationID).Info().
		Str("speakerId", speakerID).
		Str("role", role).
		Msg("Speaker mapped")
	return nil
}

// End freezes a session. Open working chunks are discarded, the summary is
// persisted, and the final status is returned.
func (m *Manager) End(ctx context.Context, conversationID string) (Status, error) {
	s := m.lookup(conversationID)
	if s == nil {
		return Status{}, ErrNotActive
	}

	s.mu.Lock()
	discarded, err := s.end(m.now())
	var st Status
	var rec store.SessionRecord
	if err == nil {
		st = s.snapshot()
		rec = store.SessionRecord{
			ConversationID: s.conversationID,
			StartedAt:      s.startedAt,
			EndedAt:        s.endedAt,
			Metadata:       st.Metadata,
			FinalizedCount: s.finalizedCount,
			DiscardedCount: s.discardedCount,
		}
	}
	s.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	m.metrics.SessionsEnded.Inc()
	m.metrics.SessionsActive.Dec()
	if discarded > 0 {
		m.metrics.ChunksDiscarded.Add(float64(discarded))
		m.metrics.WorkingChunks.Sub(float64(discarded))
		logging.WithConversation(conversationID).Warn().
			Int("discarded", discarded).
			Msg("Discarded open working chunks at session end")
	}

	if err := m.store.SaveSession(ctx, rec); err != nil {
		logging.WithConversation(conversationID).Error().Err(err).
			Msg("Failed to persist session record")
		return st, err
	}
	logging.WithConversation(conversationID).Info().
		Int("finalized", rec.FinalizedCount).
		Int("discarded", rec.DiscardedCount).
		Msg("Session ended")
	return st, nil
}

// Status returns a snapshot of a session. The second return is false for
// conversations that never started.
func (m *Manager) Status(conversationID string) (Status, bool) {
	s := m.lookup(conversationID)
	if s == nil {
		return Status{ConversationID: conversationID, State: StateNotStarted.String()}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Stats aggregates counts across all known sessions.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	EndedSessions  int `json:"ended_sessions"`
	WorkingChunks  int `json:"working_chunks"`
	FinalizedTotal int `json:"finalized_total"`
	DiscardedTotal int `json:"discarded_total"`
}

// Stats returns service-wide session counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	for _, s := range m.sessions {
		s.mu.Lock()
		switch s.state {
		case StateActive:
			st.ActiveSessions++
		case StateEnded:
			st.EndedSessions++
		}
		st.WorkingChunks += len(s.working)
		st.FinalizedTotal += s.finalizedCount
		st.DiscardedTotal += s.discardedCount
		s.mu.Unlock()
	}
	return st
}
