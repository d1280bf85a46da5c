package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
	"legionmeet-transcript-service/internal/resilience"
)

// Config holds delivery client configuration.
type Config struct {
	EndpointURL        string
	QueueCapacity      int
	RequestTimeout     time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// statusError is a non-2xx response from the ingestion endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("delivery rejected with status %d: %s", e.code, e.body)
}

// retryable admits network failures, timeouts, 429, and 5xx. Other HTTP
// statuses are permanent: the event is malformed or the session is gone,
// and retrying cannot fix that.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// Client delivers canonical events to the ingestion endpoint. Each
// conversation gets its own bounded queue and sender goroutine, so one
// slow conversation cannot stall the others while per-conversation order
// is preserved.
type Client struct {
	endpoint   string
	httpClient *http.Client
	retryCfg   *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	cooldown   time.Duration
	capacity   int
	metrics    *metrics.Metrics

	mu      sync.Mutex
	senders map[string]*sender
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

type sender struct {
	q    *queue
	wake chan struct{}
}

// NewClient creates a delivery client for the given endpoint.
func NewClient(cfg Config) *Client {
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		retryCfg.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		retryCfg.MaxBackoff = cfg.MaxBackoff
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures < 1 {
		maxFailures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 15 * time.Second
	}
	capacity := cfg.QueueCapacity
	if capacity < 1 {
		capacity = 100
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Client{
		endpoint:   cfg.EndpointURL,
		httpClient: &http.Client{Timeout: timeout},
		retryCfg:   retryCfg,
		breaker:    resilience.NewCircuitBreaker("delivery", maxFailures, cooldown),
		cooldown:   cooldown,
		capacity:   capacity,
		metrics:    metrics.DefaultMetrics,
		senders:    make(map[string]*sender),
		done:       make(chan struct{}),
	}
}

// Publish enqueues an event for delivery and returns immediately. The
// capture path is never blocked: a full queue evicts per policy instead.
func (c *Client) Publish(ev model.TranscriptEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logging.WithConversation(ev.ConversationID).Warn().
			Str("eventId", ev.EventID).
			Msg("Delivery client closed, dropping event")
		return
	}
	s, ok := c.senders[ev.ConversationID]
	if !ok {
		s = &sender{q: newQueue(c.capacity), wake: make(chan struct{}, 1)}
		c.senders[ev.ConversationID] = s
		c.wg.Add(1)
		go c.run(s)
	}
	c.mu.Unlock()

	s.q.push(ev)
	c.metrics.DeliveryEnqueued.Inc()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events, drains the queues, and waits for in-flight
// deliveries to finish or ctx to expire.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(s *sender) {
	defer c.wg.Done()
	for {
		ev, ok := s.q.peek()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-c.done:
				c.drain(s)
				return
			}
		}
		if c.deliver(ev) {
			s.q.dropFront(ev.EventID)
			continue
		}
		// Transport is down or the breaker is open. The event stays
		// queued; wait out the cooldown and try it again.
		select {
		case <-time.After(c.cooldown):
		case <-c.done:
			c.drain(s)
			return
		}
	}
}

// drain makes one best-effort pass over the remaining queue at shutdown.
func (c *Client) drain(s *sender) {
	for {
		ev, ok := s.q.pop()
		if !ok {
			return
		}
		if !c.deliver(ev) {
			c.metrics.DeliveryFailures.WithLabelValues("abandoned").Inc()
			logging.WithConversation(ev.ConversationID).Warn().
				Str("eventId", ev.EventID).
				Str("eventType", string(ev.EventType)).
				Msg("Dropping undelivered event at shutdown")
		}
	}
}

// deliver attempts one event. It reports whether the event is settled:
// delivered, or permanently rejected and not worth keeping. Retryable
// exhaustion reports false so the caller keeps the event queued.
func (c *Client) deliver(ev model.TranscriptEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.WithConversation(ev.ConversationID).Error().Err(err).
			Str("eventId", ev.EventID).
			Msg("Failed to marshal event for delivery")
		return true
	}

	err = resilience.Retry(context.Background(), func() error {
		if err := c.breaker.Allow(); err != nil {
			c.metrics.DeliveryFailures.WithLabelValues("circuit_open").Inc()
			return err
		}
		c.metrics.DeliveryAttempts.Inc()

		start := time.Now()
		attemptErr := c.post(payload)
		c.breaker.RecordResult(attemptErr == nil)
		c.metrics.RecordCircuitState(c.breaker.Name(), int(c.breaker.State()))
		if attemptErr == nil {
			c.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
		}
		return attemptErr
	}, c.retryCfg, retryable)

	if err == nil {
		return true
	}

	if retryable(err) {
		c.metrics.DeliveryFailures.WithLabelValues("deferred").Inc()
		logging.WithConversation(ev.ConversationID).Warn().Err(err).
			Str("eventId", ev.EventID).
			Str("eventType", string(ev.EventType)).
			Msg("Delivery deferred, keeping event queued")
		return false
	}
	c.metrics.DeliveryFailures.WithLabelValues("rejected").Inc()
	logging.WithConversation(ev.ConversationID).Error().Err(err).
		Str("eventId", ev.EventID).
		Str("eventType", string(ev.EventType)).
		Msg("Delivery abandoned")
	return true
}

func (c *Client) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.endpoint+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &statusError{code: resp.StatusCode, body: string(body)}
}
