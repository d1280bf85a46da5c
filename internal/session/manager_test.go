package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	chunks []store.FinalizedChunk
}

func (c *captureSink) Dispatch(ch store.FinalizedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
}

func (c *captureSink) all() []store.FinalizedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.FinalizedChunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}

func partial(conv, chunk string, seq int64, text string) model.TranscriptEvent {
	return model.TranscriptEvent{
		EventID:        "ev-" + chunk + "-p" + text,
		EventType:      model.EventPartial,
		ConversationID: conv,
		ChunkID:        chunk,
		Seq:            seq,
		Text:           text,
		TimestampUTC:   model.Now(),
	}
}

func final(conv, chunk string, seq int64, text string) model.TranscriptEvent {
	return model.TranscriptEvent{
		EventID:        "ev-" + chunk + "-f",
		EventType:      model.EventFinal,
		ConversationID: conv,
		ChunkID:        chunk,
		Seq:            seq,
		Text:           text,
		TimestampUTC:   model.Now(),
	}
}

func TestManager_StartLifecycle(t *testing.T) {
	m := NewManager(store.NewMemory(), nil, false)

	if err := m.Start("conv-1", nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := m.Start("conv-1", nil); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}

	if _, err := m.End(context.Background(), "conv-1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	// An ended conversation may start again as a fresh session.
	if err := m.Start("conv-1", nil); err != nil {
		t.Errorf("restart after end failed: %v", err)
	}
}

func TestManager_AutoStartOnFirstEvent(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, nil, false)
	ctx := context.Background()

	// A transcript event for a never-started conversation activates it.
	if err := m.Ingest(ctx, partial("conv-1", "c1", 1, "hello")); err != nil {
		t.Fatalf("partial for new conversation failed: %v", err)
	}
	st, ok := m.Status("conv-1")
	if !ok || st.State != "active" {
		t.Errorf("expected active auto-started session, got %+v (ok=%v)", st, ok)
	}

	if err := m.Ingest(ctx, final("conv-2", "c1", 1, "done")); err != nil {
		t.Fatalf("final for new conversation failed: %v", err)
	}
	chunks, _ := mem.Finalized(ctx, "conv-2")
	if len(chunks) != 1 {
		t.Errorf("expected 1 finalized chunk after auto-start, got %d", len(chunks))
	}

	// An explicit start of the auto-started session still conflicts.
	if err := m.Start("conv-1", nil); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestManager_EventsRejectedAfterEnd(t *testing.T) {
	m := NewManager(store.NewMemory(), nil, false)
	ctx := context.Background()

	// Lifecycle markers never activate a session on their own.
	started := model.TranscriptEvent{
		EventID:        "ev-started",
		EventType:      model.EventSessionStarted,
		ConversationID: "conv-1",
		TimestampUTC:   model.Now(),
	}
	if err := m.Ingest(ctx, started); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive for lifecycle event before start, got %v", err)
	}

	m.Start("conv-1", nil)
	m.End(ctx, "conv-1")

	if err := m.Ingest(ctx, final("conv-1", "c1", 1, "hello")); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive after end, got %v", err)
	}
}

func TestManager_OutOfOrderPartialsIgnored(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, nil, false)
	ctx := context.Background()
	m.Start("conv-1", nil)

	if err := m.Ingest(ctx, partial("conv-1", "c1", 1, "hel")); err != nil {
		t.Fatalf("seq 1 failed: %v", err)
	}
	if err := m.Ingest(ctx, partial("conv-1", "c1", 3, "hello wor")); err != nil {
		t.Fatalf("seq 3 failed: %v", err)
	}
	// Redelivered older hypothesis must not regress the chunk.
	if err := m.Ingest(ctx, partial("conv-1", "c1", 2, "hello")); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("expected ErrStaleUpdate for seq 2 after seq 3, got %v", err)
	}
	if err := m.Ingest(ctx, partial("conv-1", "c1", 3, "hello wor")); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("expected ErrStaleUpdate for equal seq, got %v", err)
	}

	st, _ := m.Status("conv-1")
	if st.WorkingChunks != 1 {
		t.Errorf("expected 1 working chunk, got %d", st.WorkingChunks)
	}
}

func TestManager_FinalPromotesOnce(t *testing.T) {
	mem := store.NewMemory()
	sink := &captureSink{}
	m := NewManager(mem, sink, false)
	ctx := context.Background()
	m.Start("conv-1", nil)

	m.Ingest(ctx, partial("conv-1", "c1", 1, "hello wor"))
	if err := m.Ingest(ctx, final("conv-1", "c1", 2, "hello world")); err != nil {
		t.Fatalf("final failed: %v", err)
	}

	// Redelivered final for the same chunk is absorbed.
	if err := m.Ingest(ctx, final("conv-1", "c1", 2, "hello world")); !errors.Is(err, ErrChunkFinalized) {
		t.Errorf("expected ErrChunkFinalized on repeat final, got %v", err)
	}
	// A partial for a closed chunk can never reopen it.
	if err := m.Ingest(ctx, partial("conv-1", "c1", 3, "hello world again")); !errors.Is(err, ErrChunkFinalized) {
		t.Errorf("expected ErrChunkFinalized on late partial, got %v", err)
	}

	chunks, _ := mem.Finalized(ctx, "conv-1")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 finalized chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "hello world" {
		t.Errorf("unexpected finalized text %q", chunks[0].Text)
	}

	if got := sink.all(); len(got) != 1 {
		t.Errorf("expected exactly 1 analysis dispatch, got %d", len(got))
	}

	st, _ := m.Status("conv-1")
	if st.WorkingChunks != 0 || st.FinalizedCount != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

// failingStore rejects the first n appends, then delegates.
type failingStore struct {
	store.Store
	failures int
}

func (f *failingStore) AppendFinalized(ctx context.Context, chunk store.FinalizedChunk) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.Store.AppendFinalized(ctx, chunk)
}

func TestManager_FinalRetriedAfterAppendFailure(t *testing.T) {
	mem := store.NewMemory()
	sink := &captureSink{}
	m := NewManager(&failingStore{Store: mem, failures: 1}, sink, false)
	ctx := context.Background()
	m.Start("conv-1", nil)

	m.Ingest(ctx, partial("conv-1", "c1", 1, "hello wor"))
	if err := m.Ingest(ctx, final("conv-1", "c1", 2, "hello world")); err == nil {
		t.Fatal("expected append failure to surface")
	}

	// The failed promotion must not poison the chunk: the producer's
	// redelivery lands in the log and triggers analysis.
	if err := m.Ingest(ctx, final("conv-1", "c1", 2, "hello world")); err != nil {
		t.Fatalf("redelivered final failed: %v", err)
	}
	chunks, _ := mem.Finalized(ctx, "conv-1")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 finalized chunk after retry, got %d", len(chunks))
	}
	if got := sink.all(); len(got) != 1 {
		t.Errorf("expected exactly 1 analysis dispatch, got %d", len(got))
	}

	st, _ := m.Status("conv-1")
	if st.FinalizedCount != 1 {
		t.Errorf("expected finalized count 1, got %d", st.FinalizedCount)
	}
}

func TestManager_FinalWithoutPriorPartial(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, nil, false)
	ctx := context.Background()
	m.Start("conv-1", nil)

	if err := m.Ingest(ctx, final("conv-1", "c1", 1, "short utterance")); err != nil {
		t.Fatalf("final without partials failed: %v", err)
	}
	chunks, _ := mem.Finalized(ctx, "conv-1")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 finalized chunk, got %d", len(chunks))
	}
}

func TestManager_SpeakerRoles(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, nil, false)
	ctx := context.Background()
	m.Start("conv-1", nil)

	if err := m.MapSpeaker("conv-1", "speaker_0", "moderator"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
	if err := m.MapSpeaker("conv-1", "speaker_0", RoleCandidate); err != nil {
		t.Fatalf("map speaker failed: %v", err)
	}
	if err := m.MapSpeaker("conv-2", "speaker_0", RoleCandidate); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive for unknown conversation, got %v", err)
	}

	ev := final("conv-1", "c1", 1, "my answer")
	ev.SpeakerID = "speaker_0"
	m.Ingest(ctx, ev)

	chunks, _ := mem.Finalized(ctx, "conv-1")
	if chunks[0].SpeakerRole != RoleCandidate {
		t.Errorf("expected role %q on finalized chunk, got %q", RoleCandidate, chunks[0].SpeakerRole)
	}
}

func TestManager_EndDiscardsWorkingChunks(t *testing.T) {
	mem := store.NewMemory()
	m := NewManager(mem, nil, false)
	ctx := context.Background()
	m.Start("conv-1", map[string]string{"candidate_name": "Jordan"})

	m.Ingest(ctx, partial("conv-1", "c1", 1, "finished thought"))
	m.Ingest(ctx, final("conv-1", "c1", 2, "finished thought"))
	m.Ingest(ctx, partial("conv-1", "c2", 1, "still talk"))

	st, err := m.End(ctx, "conv-1")
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if st.FinalizedCount != 1 || st.DiscardedCount != 1 {
		t.Errorf("unexpected summary: %+v", st)
	}

	// Open hypotheses are never promoted.
	chunks, _ := mem.Finalized(ctx, "conv-1")
	if len(chunks) != 1 {
		t.Errorf("expected 1 finalized chunk after end, got %d", len(chunks))
	}

	rec, ok := mem.Session("conv-1")
	if !ok {
		t.Fatal("expected persisted session record")
	}
	if rec.FinalizedCount != 1 || rec.DiscardedCount != 1 {
		t.Errorf("unexpected session record: %+v", rec)
	}
	if rec.Metadata["candidate_name"] != "Jordan" {
		t.Errorf("metadata not persisted: %+v", rec.Metadata)
	}
}

func TestManager_PartialAnalysisDispatch(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(store.NewMemory(), sink, true)
	ctx := context.Background()
	m.Start("conv-1", nil)

	m.Ingest(ctx, partial("conv-1", "c1", 1, "hel"))
	m.Ingest(ctx, partial("conv-1", "c1", 2, "hello"))
	m.Ingest(ctx, partial("conv-1", "c1", 1, "hel")) // stale, not dispatched
	m.Ingest(ctx, final("conv-1", "c1", 3, "hello world"))

	got := sink.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 dispatches (2 partials + 1 final), got %d", len(got))
	}
	if got[1].Text != "hello" || got[2].Text != "hello world" {
		t.Errorf("unexpected dispatch order: %+v", got)
	}
}

func TestManager_StatusAndStats(t *testing.T) {
	m := NewManager(store.NewMemory(), nil, false)
	ctx := context.Background()

	if _, ok := m.Status("conv-unknown"); ok {
		t.Error("expected ok=false for unknown conversation")
	}

	m.Start("conv-1", nil)
	m.Start("conv-2", nil)
	m.Ingest(ctx, partial("conv-1", "c1", 1, "hi"))
	m.Ingest(ctx, final("conv-2", "c1", 1, "done"))
	m.End(ctx, "conv-2")

	st := m.Stats()
	if st.ActiveSessions != 1 || st.EndedSessions != 1 {
		t.Errorf("unexpected session counts: %+v", st)
	}
	if st.WorkingChunks != 1 || st.FinalizedTotal != 1 {
		t.Errorf("unexpected chunk counts: %+v", st)
	}
}
