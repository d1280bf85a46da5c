// Package ingest exposes the HTTP surface of the transcript service:
// event intake, session control, status, and the live observer stream.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/events"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/observability/metrics"
	"legionmeet-transcript-service/internal/session"
	"legionmeet-transcript-service/internal/store"
)

const serviceVersion = "1.0.0"

// Machine-readable error codes returned in the error envelope.
const (
	CodeMalformedEvent       = "MALFORMED_EVENT"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeInvalidRole          = "INVALID_ROLE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeOverloaded           = "OVERLOADED"
	CodeInternal             = "INTERNAL"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// Server is the ingestion HTTP server.
type Server struct {
	manager       *session.Manager
	store         store.Store
	publisher     *events.Publisher
	hub           *Hub
	dedup         *Deduper
	limiter       *conversationLimiter
	sourceLimiter *conversationLimiter
	intake        chan struct{}
	metrics       *metrics.Metrics

	httpServer *http.Server
	hubCancel  context.CancelFunc
}

// NewServer wires the ingestion surface. publisher may be nil for tests.
func NewServer(cfg config.IngestConfig, port string, mgr *session.Manager, st store.Store, pub *events.Publisher) *Server {
	s := &Server{
		manager:   mgr,
		store:     st,
		publisher: pub,
		hub:       NewHub(),
		dedup:     NewDeduper(cfg.DedupWindow),
		intake:    make(chan struct{}, cfg.IntakeQueueSize),
		metrics:   metrics.DefaultMetrics,
	}
	if cfg.RateLimitEnabled {
		s.limiter = newConversationLimiter(cfg.ConversationRate, cfg.ConversationBurst)
		s.sourceLimiter = newConversationLimiter(cfg.SourceRate, cfg.SourceBurst)
	}

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/transcript", s.handleTranscript)
	r.Post("/session/start", s.handleSessionStart)
	r.Post("/session/map-speaker", s.handleMapSpeaker)
	r.Post("/session/end", s.handleSessionEnd)
	r.Get("/session/status", s.handleSessionStatus)
	r.Get("/session/transcript", s.handleSessionTranscript)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/stream", s.hub.ServeWS)
	return r
}

// Start runs the hub and the HTTP listener. Blocks until the listener
// stops.
func (s *Server) Start() error {
	var hubCtx context.Context
	hubCtx, s.hubCancel = context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)

	logging.WithComponent("ingest").Info().
		Str("addr", s.httpServer.Addr).
		Msg("Ingestion server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and the stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.WithComponent("ingest").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var ev model.TranscriptEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.metrics.RecordEventRejected("malformed_json")
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "invalid JSON body")
		return
	}
	if err := ev.Validate(); err != nil {
		s.metrics.RecordEventRejected("validation")
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, err.Error())
		return
	}

	if s.limiter != nil && !s.limiter.Allow(ev.ConversationID) {
		s.metrics.RateLimited.WithLabelValues("conversation").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "conversation rate limit exceeded")
		return
	}
	if s.sourceLimiter != nil && !s.sourceLimiter.Allow(sourceKey(r)) {
		s.metrics.RateLimited.WithLabelValues("source").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "source rate limit exceeded")
		return
	}

	select {
	case s.intake <- struct{}{}:
	default:
		s.metrics.IntakeOverloaded.Inc()
		writeError(w, http.StatusServiceUnavailable, CodeOverloaded, "intake queue full")
		return
	}
	s.metrics.IntakeQueueDepth.Set(float64(len(s.intake)))
	defer func() {
		<-s.intake
		s.metrics.IntakeQueueDepth.Set(float64(len(s.intake)))
	}()

	// Redeliveries are absorbed here so the session layer only ever sees
	// an event instance once.
	if s.dedup.Seen(ev.EventID) {
		s.metrics.EventsDuplicate.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	err := s.manager.Ingest(r.Context(), ev)
	switch {
	case err == nil:
		s.metrics.RecordEventReceived(string(ev.EventType))
		if s.publisher != nil {
			s.publisher.Publish(context.WithoutCancel(r.Context()), ev)
		}
		s.hub.Broadcast(streamMessage{Type: "transcript_event", Data: ev})
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, CodeSessionNotActive,
			fmt.Sprintf("no active session for conversation %q", ev.ConversationID))
	case errors.Is(err, session.ErrStaleUpdate), errors.Is(err, session.ErrChunkFinalized):
		// Absorbed, not an error: at-least-once delivery makes these routine.
		writeJSON(w, http.StatusOK, map[string]string{"status": "stale"})
	case errors.Is(err, model.ErrUnknownEventType):
		s.metrics.RecordEventRejected("event_type")
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, err.Error())
	default:
		// Processing failed after the ID was recorded; forget it so the
		// producer's retry is not absorbed as a duplicate.
		s.dedup.Forget(ev.EventID)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to process event")
	}
}

type sessionStartRequest struct {
	ConversationID string            `json:"conversation_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "conversation_id is required")
		return
	}

	if err := s.manager.Start(req.ConversationID, req.Metadata); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			writeError(w, http.StatusConflict, CodeSessionAlreadyActive,
				fmt.Sprintf("session for conversation %q is already active", req.ConversationID))
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "started",
		"conversation_id": req.ConversationID,
	})
}

type mapSpeakerRequest struct {
	ConversationID string `json:"conversation_id"`
	SpeakerID      string `json:"speaker_id"`
	Role           string `json:"role"`
}

func (s *Server) handleMapSpeaker(w http.ResponseWriter, r *http.Request) {
	var req mapSpeakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.ConversationID == "" || req.SpeakerID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "conversation_id and speaker_id are required")
		return
	}

	err := s.manager.MapSpeaker(req.ConversationID, req.SpeakerID, req.Role)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "mapped"})
	case errors.Is(err, session.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, CodeInvalidRole,
			fmt.Sprintf("role %q is not one of interviewer, candidate, observer", req.Role))
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, CodeSessionNotActive,
			fmt.Sprintf("no active session for conversation %q", req.ConversationID))
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to map speaker")
	}
}

type sessionEndRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "conversation_id is required")
		return
	}

	st, err := s.manager.End(r.Context(), req.ConversationID)
	if err != nil {
		if errors.Is(err, session.ErrNotActive) {
			writeError(w, http.StatusConflict, CodeSessionNotActive,
				fmt.Sprintf("no active session for conversation %q", req.ConversationID))
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to end session")
		return
	}
	if s.limiter != nil {
		s.limiter.Forget(req.ConversationID)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "conversation_id query parameter is required")
		return
	}
	st, _ := s.manager.Status(conversationID)
	writeJSON(w, http.StatusOK, st)
}

type transcriptResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Chunks         []store.FinalizedChunk `json:"chunks"`
	Analyses       []store.AnalysisResult `json:"analyses"`
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, CodeMalformedEvent, "conversation_id query parameter is required")
		return
	}

	chunks, err := s.store.Finalized(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read finalized log")
		return
	}
	analyses, err := s.store.AnalysisFor(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read analyses")
		return
	}
	if chunks == nil {
		chunks = []store.FinalizedChunk{}
	}
	if analyses == nil {
		analyses = []store.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		ConversationID: conversationID,
		Chunks:         chunks,
		Analyses:       analyses,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "legionmeet-transcript-service",
		"version":         serviceVersion,
		"active_sessions": s.manager.Stats().ActiveSessions,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":           s.manager.Stats(),
		"dedup_entries":      s.dedup.Len(),
		"intake_queue_depth": len(s.intake),
	})
}

// streamMessage is the envelope for the live observer feed.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BroadcastAnalysis publishes a persisted analysis result on the live feed.
func (s *Server) BroadcastAnalysis(res store.AnalysisResult) {
	s.hub.Broadcast(streamMessage{Type: "analysis_result", Data: res})
}

// sourceKey identifies the request's origin for per-source rate limiting.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
