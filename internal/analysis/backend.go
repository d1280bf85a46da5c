package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"legionmeet-transcript-service/internal/store"
)

// Backend calls an external analysis service over HTTP. The service
// receives the finalized chunk and returns scores for it.
type Backend struct {
	url    string
	client *http.Client
}

// NewBackend creates an analyzer that POSTs chunks to url.
func NewBackend(url string, timeout time.Duration) *Backend {
	return &Backend{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type backendRequest struct {
	ConversationID string  `json:"conversation_id"`
	ChunkID        string  `json:"chunk_id"`
	Text           string  `json:"text"`
	SpeakerID      string  `json:"speaker_id,omitempty"`
	SpeakerRole    string  `json:"speaker_role,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

type backendResponse struct {
	RelevanceScore float64  `json:"relevance_score"`
	ClarityScore   float64  `json:"clarity_score"`
	KeyPoints      []string `json:"key_points"`
}

// Analyze sends the chunk to the backend and maps its response.
func (b *Backend) Analyze(ctx context.Context, chunk store.FinalizedChunk) (store.AnalysisResult, error) {
	payload, err := json.Marshal(backendRequest{
		ConversationID: chunk.ConversationID,
		ChunkID:        chunk.ChunkID,
		Text:           chunk.Text,
		SpeakerID:      chunk.SpeakerID,
		SpeakerRole:    chunk.SpeakerRole,
		Confidence:     chunk.Confidence,
	})
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("failed to build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("analysis backend call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return store.AnalysisResult{}, fmt.Errorf("analysis backend returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return store.AnalysisResult{}, fmt.Errorf("failed to decode analysis response: %w", err)
	}

	return store.AnalysisResult{
		ConversationID: chunk.ConversationID,
		ChunkID:        chunk.ChunkID,
		ResponseText:   chunk.Text,
		SpeakerRole:    chunk.SpeakerRole,
		RelevanceScore: parsed.RelevanceScore,
		ClarityScore:   parsed.ClarityScore,
		KeyPoints:      parsed.KeyPoints,
		AnalyzedAt:     time.Now().UTC(),
	}, nil
}
