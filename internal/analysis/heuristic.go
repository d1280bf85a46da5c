package analysis

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"legionmeet-transcript-service/internal/store"
)

// Topic is one checklist item a candidate answer can cover.
type Topic struct {
	Name     string
	Keywords []string
}

// DefaultChecklist covers the ground a technical screening usually walks.
func DefaultChecklist() []Topic {
	return []Topic{
		{Name: "experience", Keywords: []string{"worked", "experience", "project", "team", "built", "shipped"}},
		{Name: "architecture", Keywords: []string{"architecture", "design", "scalable", "microservice", "api", "database"}},
		{Name: "problem_solving", Keywords: []string{"problem", "debug", "solved", "approach", "tradeoff", "optimize"}},
		{Name: "collaboration", Keywords: []string{"collaborate", "review", "mentor", "pair", "stakeholder", "communicate"}},
		{Name: "outcome", Keywords: []string{"result", "impact", "improved", "reduced", "increased", "delivered"}},
	}
}

var fillerWords = map[string]struct{}{
	"um": {}, "uh": {}, "like": {}, "basically": {}, "actually": {},
	"literally": {}, "kinda": {}, "sorta": {}, "y'know": {},
}

// Heuristic scores chunks against a keyword checklist without calling any
// external service. It keeps per-conversation coverage so repeated mentions
// of a topic do not inflate later scores.
type Heuristic struct {
	mu       sync.Mutex
	topics   []Topic
	coverage map[string]map[string]struct{} // conversationID -> covered topic names
}

// NewHeuristic creates a checklist analyzer. A nil or empty checklist falls
// back to the default one.
func NewHeuristic(topics []Topic) *Heuristic {
	if len(topics) == 0 {
		topics = DefaultChecklist()
	}
	return &Heuristic{
		topics:   topics,
		coverage: make(map[string]map[string]struct{}),
	}
}

// Analyze scores one chunk. Relevance reflects checklist topics the text
// touches, clarity penalizes filler words and very short answers.
func (h *Heuristic) Analyze(_ context.Context, chunk store.FinalizedChunk) (store.AnalysisResult, error) {
	text := strings.ToLower(chunk.Text)
	words := strings.Fields(text)

	var matched []string
	for _, topic := range h.topics {
		for _, kw := range topic.Keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, topic.Name)
				break
			}
		}
	}

	relevance := float64(len(matched)) / float64(len(h.topics))
	if relevance > 1 {
		relevance = 1
	}

	clarity := 1.0
	if len(words) > 0 {
		fillers := 0
		for _, w := range words {
			if _, ok := fillerWords[strings.Trim(w, ".,!?")]; ok {
				fillers++
			}
		}
		clarity -= 2 * float64(fillers) / float64(len(words))
	}
	if len(words) < 5 {
		clarity -= 0.3
	}
	if clarity < 0 {
		clarity = 0
	}

	h.markCovered(chunk.ConversationID, matched)

	sort.Strings(matched)
	return store.AnalysisResult{
		ConversationID: chunk.ConversationID,
		ChunkID:        chunk.ChunkID,
		ResponseText:   chunk.Text,
		SpeakerRole:    chunk.SpeakerRole,
		RelevanceScore: relevance,
		ClarityScore:   clarity,
		KeyPoints:      matched,
		AnalyzedAt:     time.Now().UTC(),
	}, nil
}

func (h *Heuristic) markCovered(conversationID string, topics []string) {
	if len(topics) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	covered, ok := h.coverage[conversationID]
	if !ok {
		covered = make(map[string]struct{})
		h.coverage[conversationID] = covered
	}
	for _, t := range topics {
		covered[t] = struct{}{}
	}
}

// Covered returns the checklist topics a conversation has touched so far.
func (h *Heuristic) Covered(conversationID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	covered := h.coverage[conversationID]
	out := make([]string, 0, len(covered))
	for t := range covered {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
