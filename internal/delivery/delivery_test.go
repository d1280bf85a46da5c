package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"legionmeet-transcript-service/internal/model"
)

func ev(eventType model.EventType, id, chunk string, seq int64) model.TranscriptEvent {
	return model.TranscriptEvent{
		EventID:        id,
		EventType:      eventType,
		ConversationID: "conv-1",
		ChunkID:        chunk,
		Seq:            seq,
		Text:           "text",
		TimestampUTC:   model.Now(),
	}
}

func TestQueue_EvictsOldestPartialFirst(t *testing.T) {
	q := newQueue(2)

	q.push(ev(model.EventFinal, "f1", "c1", 1))
	q.push(ev(model.EventPartial, "p1", "c2", 1))
	// Queue is full; the partial must go, not the older final.
	if evicted := q.push(ev(model.EventFinal, "f2", "c2", 2)); !evicted {
		t.Fatal("expected eviction on full queue")
	}

	first, _ := q.pop()
	second, _ := q.pop()
	if first.EventID != "f1" || second.EventID != "f2" {
		t.Errorf("finals must survive eviction, got %q then %q", first.EventID, second.EventID)
	}
	if _, ok := q.pop(); ok {
		t.Error("expected empty queue after two pops")
	}
}

func TestQueue_EvictsOldestWhenNoDroppable(t *testing.T) {
	q := newQueue(2)

	q.push(ev(model.EventFinal, "f1", "c1", 1))
	q.push(ev(model.EventFinal, "f2", "c2", 1))
	q.push(ev(model.EventFinal, "f3", "c3", 1))

	first, _ := q.pop()
	second, _ := q.pop()
	if first.EventID != "f2" || second.EventID != "f3" {
		t.Errorf("expected oldest overall evicted, got %q then %q", first.EventID, second.EventID)
	}
}

func TestQueue_PreservesOrder(t *testing.T) {
	q := newQueue(10)
	for i, id := range []string{"a", "b", "c"} {
		q.push(ev(model.EventPartial, id, "c1", int64(i+1)))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.pop()
		if !ok || got.EventID != want {
			t.Errorf("expected %q, got %q", want, got.EventID)
		}
	}
}

func TestQueue_DropFrontMatchesID(t *testing.T) {
	q := newQueue(4)
	q.push(ev(model.EventFinal, "f1", "c1", 1))
	q.push(ev(model.EventFinal, "f2", "c2", 1))

	front, ok := q.peek()
	if !ok || front.EventID != "f1" {
		t.Fatalf("expected to peek f1, got %q (ok=%v)", front.EventID, ok)
	}
	// Peek must not consume.
	if q.len() != 2 {
		t.Errorf("expected length 2 after peek, got %d", q.len())
	}

	q.dropFront("wrong-id")
	if q.len() != 2 {
		t.Errorf("mismatched dropFront must be a no-op, length %d", q.len())
	}
	q.dropFront("f1")
	next, _ := q.peek()
	if next.EventID != "f2" {
		t.Errorf("expected f2 at front after drop, got %q", next.EventID)
	}
}

func TestClient_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got model.TranscriptEvent
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		mu.Lock()
		received = append(received, got.EventID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{EndpointURL: srv.URL, QueueCapacity: 10, MaxAttempts: 2})
	c.Publish(ev(model.EventPartial, "e1", "c1", 1))
	c.Publish(ev(model.EventPartial, "e2", "c1", 2))
	c.Publish(ev(model.EventFinal, "e3", "c1", 3))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(received))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if received[i] != want {
			t.Errorf("position %d: expected %q, got %q", i, want, received[i])
		}
	}
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{
		EndpointURL:    srv.URL,
		QueueCapacity:  4,
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
	})
	c.Publish(ev(model.EventFinal, "e1", "c1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 attempts (1 failure + 1 success), got %d", calls)
	}
}

func TestClient_DoesNotRetryPermanentRejection(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "malformed", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{
		EndpointURL:    srv.URL,
		QueueCapacity:  4,
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Millisecond,
	})
	c.Publish(ev(model.EventFinal, "e1", "c1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("400 must not be retried, got %d attempts", calls)
	}
}

func TestClient_KeepsFinalQueuedWhileSuspended(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		up := healthy
		mu.Unlock()
		if !up {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		select {
		case delivered <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	c := NewClient(Config{
		EndpointURL:        srv.URL,
		QueueCapacity:      4,
		MaxAttempts:        1,
		InitialBackoff:     time.Millisecond,
		BreakerMaxFailures: 1,
		BreakerCooldown:    10 * time.Millisecond,
	})
	c.Publish(ev(model.EventFinal, "f1", "c1", 1))

	// Leave the endpoint down long enough for attempts to exhaust and the
	// breaker to open; the final must survive the suspension.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	healthy = true
	mu.Unlock()

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("final was not delivered after the endpoint recovered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestClient_PublishAfterCloseDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{EndpointURL: srv.URL, QueueCapacity: 4})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// Must not panic or block.
	c.Publish(ev(model.EventPartial, "late", "c1", 1))
}
