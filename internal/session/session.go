// Package session tracks per-conversation transcript state. Each session
// moves through a strict lifecycle (not started, active, ended) and holds
// the mutable working set of open chunks plus the immutable finalized log.
package session

import (
	"errors"
	"sync"
	"time"

	"legionmeet-transcript-service/internal/model"
)

// State is the lifecycle state of a conversation session.
type State int

const (
	StateNotStarted State = iota
	StateActive
	StateEnded
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Speaker roles assignable through the mapping endpoint.
const (
	RoleInterviewer = "interviewer"
	RoleCandidate   = "candidate"
	RoleObserver    = "observer"
)

// ValidRole reports whether role is one of the assignable speaker roles.
func ValidRole(role string) bool {
	switch role {
	case RoleInterviewer, RoleCandidate, RoleObserver:
		return true
	}
	return false
}

var (
	// ErrNotActive is returned when an operation requires an active session.
	ErrNotActive = errors.New("session is not active")

	// ErrAlreadyActive is returned when starting a session that is already active.
	ErrAlreadyActive = errors.New("session is already active")

	// ErrInvalidRole is returned for a speaker role outside the known set.
	ErrInvalidRole = errors.New("invalid speaker role")

	// ErrStaleUpdate is returned when a partial carries a seq at or below
	// the newest one already applied to its chunk.
	ErrStaleUpdate = errors.New("stale working chunk update")

	// ErrChunkFinalized is returned for a repeated final on the same chunk.
	ErrChunkFinalized = errors.New("chunk already finalized")
)

// workingChunk is the newest partial hypothesis for one open chunk.
type workingChunk struct {
	Seq       int64
	Text      string
	SpeakerID string
	StartMs   float64
	EndMs     float64
	UpdatedAt time.Time
}

// Session holds the state of one conversation. All mutating methods take
// the session lock, so a session serializes its own events while distinct
// conversations proceed in parallel.
type Session struct {
	mu sync.Mutex

	conversationID string
	state          State
	startedAt      time.Time
	endedAt        time.Time
	metadata       map[string]string

	working   map[string]workingChunk // chunkID -> newest partial
	finalized map[string]struct{}     // chunkIDs promoted to the log
	roles     map[string]string       // speakerID -> role

	finalizedCount int
	discardedCount int
}

func newSession(conversationID string, metadata map[string]string, now time.Time) *Session {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Session{
		conversationID: conversationID,
		state:          StateActive,
		startedAt:      now,
		metadata:       md,
		working:        make(map[string]workingChunk),
		finalized:      make(map[string]struct{}),
		roles:          make(map[string]string),
	}
}

// applyPartial replaces the working chunk if the event's seq is strictly
// greater than the newest one applied. It reports whether the chunk was
// newly opened, and returns ErrStaleUpdate for an outdated seq or
// ErrChunkFinalized if the chunk already closed.
func (s *Session) applyPartial(ev model.TranscriptEvent, now time.Time) (opened bool, err error) {
	if s.state != StateActive {
		return false, ErrNotActive
	}
	if _, done := s.finalized[ev.ChunkID]; done {
		return false, ErrChunkFinalized
	}
	cur, exists := s.working[ev.ChunkID]
	if exists && ev.Seq <= cur.Seq {
		return false, ErrStaleUpdate
	}
	s.working[ev.ChunkID] = workingChunk{
		Seq:       ev.Seq,
		Text:      ev.Text,
		SpeakerID: ev.SpeakerID,
		StartMs:   ev.AudioStartMs,
		EndMs:     ev.AudioEndMs,
		UpdatedAt: now,
	}
	return !exists, nil
}

// applyFinal closes a chunk: removes it from the working set and marks it
// finalized so any later final or partial for the same chunk is rejected.
// It reports whether the chunk had an open working entry.
func (s *Session) applyFinal(ev model.TranscriptEvent) (wasWorking bool, err error) {
	if s.state != StateActive {
		return false, ErrNotActive
	}
	if _, done := s.finalized[ev.ChunkID]; done {
		return false, ErrChunkFinalized
	}
	_, wasWorking = s.working[ev.ChunkID]
	delete(s.working, ev.ChunkID)
	s.finalized[ev.ChunkID] = struct{}{}
	s.finalizedCount++
	return wasWorking, nil
}

// reopen undoes applyFinal for a chunk whose append to the log failed, so
// a redelivered final is not absorbed as a repeat.
func (s *Session) reopen(chunkID string) {
	if _, done := s.finalized[chunkID]; !done {
		return
	}
	delete(s.finalized, chunkID)
	s.finalizedCount--
}

// mapSpeaker assigns a role to a speaker.
func (s *Session) mapSpeaker(speakerID, role string) error {
	if s.state != StateActive {
		return ErrNotActive
	}
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	s.roles[speakerID] = role
	return nil
}

// roleFor returns the mapped role for a speaker, or empty string.
func (s *Session) roleFor(speakerID string) string {
	return s.roles[speakerID]
}

// end freezes the session. Open working chunks are discarded, never
// promoted: a chunk without a final was still a hypothesis.
func (s *Session) end(now time.Time) (discarded int, err error) {
	if s.state != StateActive {
		return 0, ErrNotActive
	}
	discarded = len(s.working)
	s.discardedCount = discarded
	s.working = make(map[string]workingChunk)
	s.state = StateEnded
	s.endedAt = now
	return discarded, nil
}

// Status is a point-in-time snapshot of a session for the status endpoint.
type Status struct {
	ConversationID string            `json:"conversation_id"`
	State          string            `json:"state"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
	WorkingChunks  int               `json:"working_chunks"`
	FinalizedCount int               `json:"finalized_count"`
	DiscardedCount int               `json:"discarded_count"`
	Speakers       map[string]string `json:"speakers"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Session) snapshot() Status {
	roles := make(map[string]string, len(s.roles))
	for k, v := range s.roles {
		roles[k] = v
	}
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	st := Status{
		ConversationID: s.conversationID,
		State:          s.state.String(),
		StartedAt:      s.startedAt,
		WorkingChunks:  len(s.working),
		FinalizedCount: s.finalizedCount,
		DiscardedCount: s.discardedCount,
		Speakers:       roles,
		Metadata:       md,
	}
	if s.state == StateEnded {
		ended := s.endedAt
		st.EndedAt = &ended
		st.DurationMs = s.endedAt.Sub(s.startedAt).Milliseconds()
	}
	return st
}
