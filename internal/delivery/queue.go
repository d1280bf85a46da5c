// Package delivery ships canonical transcript events to the ingestion
// endpoint with at-least-once semantics, bounded buffering, and retry.
package delivery

import (
	"sync"

	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
)

// queue is a bounded FIFO for one conversation's outbound events.
//
// When full, the oldest droppable event (a partial) is evicted to make
// room, since a newer hypothesis supersedes it anyway. Finals, lifecycle
// markers, and errors are only evicted when no droppable event remains,
// and then oldest first so the newest state survives.
type queue struct {
	mu       sync.Mutex
	items    []model.TranscriptEvent
	capacity int
	metrics  *metrics.Metrics
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		capacity: capacity,
		metrics:  metrics.DefaultMetrics,
	}
}

// push appends ev, evicting per policy when the queue is full. It reports
// whether an eviction happened.
func (q *queue) push(ev model.TranscriptEvent) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.evictLocked()
		evicted = true
	}
	q.items = append(q.items, ev)
	return evicted
}

func (q *queue) evictLocked() {
	idx := 0
	for i, it := range q.items {
		if it.EventType.Droppable() {
			idx = i
			break
		}
	}
	victim := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)

	q.metrics.RecordEviction(string(victim.EventType))
	logging.WithChunk(victim.ConversationID, victim.ChunkID).Warn().
		Str("eventType", string(victim.EventType)).
		Str("eventId", victim.EventID).
		Msg("Evicted event from full delivery queue")
}

// pop removes and returns the oldest event.
func (q *queue) pop() (model.TranscriptEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.TranscriptEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// peek returns the oldest event without removing it. The sender holds an
// event here while delivery is suspended, so it stays subject to the
// eviction policy instead of being silently dropped.
func (q *queue) peek() (model.TranscriptEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.TranscriptEvent{}, false
	}
	return q.items[0], true
}

// dropFront removes the oldest event if id still matches. The front may
// have been evicted while the sender was delivering it.
func (q *queue) dropFront(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0].EventID == id {
		q.items = q.items[1:]
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
