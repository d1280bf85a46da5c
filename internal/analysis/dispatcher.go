// Package analysis scores finalized transcript chunks in the background.
// Analysis is best effort: a failed or dropped analysis never affects the
// finalized log it was derived from.
package analysis

import (
	"context"
	"sync"
	"time"

	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
	"legionmeet-transcript-service/internal/store"
)

// Analyzer scores one finalized chunk.
type Analyzer interface {
	Analyze(ctx context.Context, chunk store.FinalizedChunk) (store.AnalysisResult, error)
}

// Dispatcher fans finalized chunks out to a bounded worker pool. Dispatch
// never blocks the caller: when the queue is full the chunk is dropped and
// counted, since the finalized log already holds the durable copy.
type Dispatcher struct {
	queue    chan store.FinalizedChunk
	analyzer Analyzer
	store    store.Store
	timeout  time.Duration
	workers  int
	metrics  *metrics.Metrics

	// OnResult, when set before Start, receives each persisted result.
	// Used to feed the live observer stream.
	OnResult func(store.AnalysisResult)

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given worker count and queue
// capacity. Call Start before dispatching.
func NewDispatcher(analyzer Analyzer, st store.Store, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		queue:    make(chan store.FinalizedChunk, queueSize),
		analyzer: analyzer,
		store:    st,
		timeout:  timeout,
		workers:  workers,
		metrics:  metrics.DefaultMetrics,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	logging.WithComponent("analysis").Info().
		Int("workers", d.workers).
		Int("queueSize", cap(d.queue)).
		Msg("Analysis dispatcher started")
}

// Dispatch hands a chunk to the pool without blocking.
func (d *Dispatcher) Dispatch(chunk store.FinalizedChunk) {
	select {
	case d.queue <- chunk:
		d.metrics.AnalysisDispatched.Inc()
		d.metrics.AnalysisQueueDepth.Set(float64(len(d.queue)))
	default:
		d.metrics.AnalysisFailed.Inc()
		logging.WithChunk(chunk.ConversationID, chunk.ChunkID).Warn().
			Msg("Analysis queue full, dropping chunk")
	}
}

// Close stops accepting work and waits for in-flight analyses to finish or
// ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.queue) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for chunk := range d.queue {
		d.metrics.AnalysisQueueDepth.Set(float64(len(d.queue)))
		d.analyzeOne(chunk)
	}
}

func (d *Dispatcher) analyzeOne(chunk store.FinalizedChunk) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.analyzer.Analyze(ctx, chunk)
	d.metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		d.metrics.AnalysisFailed.Inc()
		logging.WithChunk(chunk.ConversationID, chunk.ChunkID).Error().Err(err).
			Msg("Analysis failed")
		return
	}

	result.ConversationID = chunk.ConversationID
	result.ChunkID = chunk.ChunkID
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}

	if err := d.store.SaveAnalysis(ctx, result); err != nil {
		d.metrics.AnalysisFailed.Inc()
		logging.WithChunk(chunk.ConversationID, chunk.ChunkID).Error().Err(err).
			Msg("Failed to persist analysis result")
		return
	}
	d.metrics.AnalysisCompleted.Inc()
	logging.WithChunk(chunk.ConversationID, chunk.ChunkID).Debug().
		Float64("relevance", result.RelevanceScore).
		Float64("clarity", result.ClarityScore).
		Msg("Analysis persisted")

	if d.OnResult != nil {
		d.OnResult(result)
	}
}
