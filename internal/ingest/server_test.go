package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/session"
	"legionmeet-transcript-service/internal/store"
)

func newTestServer(t *testing.T, cfg config.IngestConfig) (*httptest.Server, *store.Memory) {
	t.Helper()
	if cfg.IntakeQueueSize == 0 {
		cfg.IntakeQueueSize = 16
	}
	mem := store.NewMemory()
	mgr := session.NewManager(mem, nil, false)
	srv := NewServer(cfg, "0", mgr, mem, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mem
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func startSession(t *testing.T, base, conversationID string) {
	t.Helper()
	resp := postJSON(t, base+"/session/start", map[string]any{"conversation_id": conversationID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func transcriptEvent(id string, eventType model.EventType, chunk string, seq int64, text string) map[string]any {
	return map[string]any{
		"event_id":        id,
		"event_type":      string(eventType),
		"conversation_id": "conv-1",
		"chunk_id":        chunk,
		"seq":             seq,
		"text":            text,
		"timestamp_utc":   model.Now(),
	}
}

func TestServer_SessionStartConflict(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})

	startSession(t, ts.URL, "conv-1")
	resp := postJSON(t, ts.URL+"/session/start", map[string]any{"conversation_id": "conv-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeSessionAlreadyActive, errorCode(t, resp))
}

func TestServer_TranscriptAutoStartsSession(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})

	// The first transcript event for a new conversation opens its session.
	resp := postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventPartial, "c1", 1, "hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", decode(t, resp)["status"])

	statusResp, err := http.Get(ts.URL + "/session/status?conversation_id=conv-1")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, "active", decode(t, statusResp)["state"])
}

func TestServer_MalformedEventRejected(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	ev := transcriptEvent("e1", model.EventPartial, "c1", 1, "hi")
	delete(ev, "chunk_id")
	resp := postJSON(t, ts.URL+"/transcript", ev)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMalformedEvent, errorCode(t, resp))

	resp = postJSON(t, ts.URL+"/transcript", map[string]any{"event_type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TranscriptFlow(t *testing.T) {
	ts, mem := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	resp := postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventPartial, "c1", 1, "hel"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", decode(t, resp)["status"])

	// Redelivery of the same event instance is absorbed.
	resp = postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventPartial, "c1", 1, "hel"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decode(t, resp)["status"])

	// A fresh event with an outdated seq is stale, not an error.
	resp = postJSON(t, ts.URL+"/transcript", transcriptEvent("e2", model.EventPartial, "c1", 1, "hel"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", decode(t, resp)["status"])

	resp = postJSON(t, ts.URL+"/transcript", transcriptEvent("e3", model.EventFinal, "c1", 2, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", decode(t, resp)["status"])

	chunks, err := mem.Finalized(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Text)
}

func TestServer_MapSpeaker(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	resp := postJSON(t, ts.URL+"/session/map-speaker", map[string]any{
		"conversation_id": "conv-1", "speaker_id": "speaker_0", "role": "moderator",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRole, errorCode(t, resp))

	resp = postJSON(t, ts.URL+"/session/map-speaker", map[string]any{
		"conversation_id": "conv-1", "speaker_id": "speaker_0", "role": "candidate",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SessionEndAndStatus(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventFinal, "c1", 1, "done"))
	postJSON(t, ts.URL+"/transcript", transcriptEvent("e2", model.EventPartial, "c2", 1, "open"))

	resp := postJSON(t, ts.URL+"/session/end", map[string]any{"conversation_id": "conv-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode(t, resp)
	assert.Equal(t, "ended", summary["state"])
	assert.Equal(t, float64(1), summary["finalized_count"])
	assert.Equal(t, float64(1), summary["discarded_count"])

	// The session is frozen: late events are refused.
	resp = postJSON(t, ts.URL+"/transcript", transcriptEvent("e3", model.EventFinal, "c3", 1, "late"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	statusResp, err := http.Get(ts.URL + "/session/status?conversation_id=conv-1")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, "ended", decode(t, statusResp)["state"])
}

func TestServer_SessionTranscript(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventFinal, "c1", 1, "first answer"))
	postJSON(t, ts.URL+"/transcript", transcriptEvent("e2", model.EventFinal, "c2", 1, "second answer"))

	resp, err := http.Get(ts.URL + "/session/transcript?conversation_id=conv-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body transcriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Chunks, 2)
	assert.Equal(t, "first answer", body.Chunks[0].Text)
	assert.Equal(t, "second answer", body.Chunks[1].Text)
}

func TestServer_RateLimit(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{
		RateLimitEnabled:  true,
		ConversationRate:  1,
		ConversationBurst: 1,
	})
	startSession(t, ts.URL, "conv-1")

	resp := postJSON(t, ts.URL+"/transcript", transcriptEvent("e1", model.EventPartial, "c1", 1, "hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/transcript", transcriptEvent("e2", model.EventPartial, "c1", 2, "hi t"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, errorCode(t, resp))
}

func TestServer_HealthAndStats(t *testing.T) {
	ts, _ := newTestServer(t, config.IngestConfig{})
	startSession(t, ts.URL, "conv-1")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	statsResp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	stats := decode(t, statsResp)
	sessions, ok := stats["sessions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), sessions["active_sessions"])
}

func TestDeduper_RotatesGenerations(t *testing.T) {
	d := NewDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	d.rotated = now

	require.False(t, d.Seen("e1"))
	require.True(t, d.Seen("e1"))

	// One window later the ID survives in the previous generation.
	now = now.Add(time.Minute)
	require.True(t, d.Seen("e1"))

	// Two rotations later it is forgotten.
	now = now.Add(2 * time.Minute)
	require.False(t, d.Seen("e1"))
}

func TestDeduper_Forget(t *testing.T) {
	d := NewDeduper(time.Minute)
	require.False(t, d.Seen("e1"))
	d.Forget("e1")
	require.False(t, d.Seen("e1"))
}

func TestDeduper_ManyIDs(t *testing.T) {
	d := NewDeduper(time.Minute)
	for i := 0; i < 100; i++ {
		require.False(t, d.Seen(fmt.Sprintf("e%d", i)))
	}
	assert.Equal(t, 100, d.Len())
}
