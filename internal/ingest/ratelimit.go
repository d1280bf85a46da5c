package ingest

import (
	"sync"

	"golang.org/x/time/rate"
)

// conversationLimiter applies a token bucket per conversation so one noisy
// producer cannot starve the rest.
type conversationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newConversationLimiter(perSecond float64, burst int) *conversationLimiter {
	return &conversationLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether one event for the conversation may pass now.
func (l *conversationLimiter) Allow(conversationID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[conversationID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter state for an ended conversation.
func (l *conversationLimiter) Forget(conversationID string) {
	l.mu.Lock()
	delete(l.limiters, conversationID)
	l.mu.Unlock()
}
