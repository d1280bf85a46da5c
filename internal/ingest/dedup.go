package ingest

import (
	"sync"
	"time"
)

// Deduper remembers event IDs for roughly one TTL window so redelivered
// events can be absorbed. It keeps two generations and rotates them each
// window, which bounds memory without tracking per-entry deadlines: an ID
// is remembered for at least one window and at most two.
type Deduper struct {
	mu       sync.Mutex
	window   time.Duration
	current  map[string]struct{}
	previous map[string]struct{}
	rotated  time.Time
	now      func() time.Time
}

// NewDeduper creates a deduper with the given remembering window.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Deduper{
		window:   window,
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
		rotated:  time.Now(),
		now:      time.Now,
	}
}

// Seen records id and reports whether it was already known.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().Sub(d.rotated) >= d.window {
		d.previous = d.current
		d.current = make(map[string]struct{})
		d.rotated = d.now()
	}

	if _, ok := d.current[id]; ok {
		return true
	}
	if _, ok := d.previous[id]; ok {
		return true
	}
	d.current[id] = struct{}{}
	return false
}

// Forget removes id so a redelivery can be accepted. Used when processing
// failed after the ID was recorded.
func (d *Deduper) Forget(id string) {
	d.mu.Lock()
	delete(d.current, id)
	delete(d.previous, id)
	d.mu.Unlock()
}

// Len returns the number of remembered IDs across both generations.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.current) + len(d.previous)
}
