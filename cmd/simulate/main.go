// The simulator replays a scripted two-speaker interview against a running
// service, exercising the full partial/final lifecycle without a live STT
// vendor.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/delivery"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
)

type line struct {
	speaker string
	text    string
}

var script = []line{
	{"speaker_0", "Thanks for joining today. Can you walk me through a project you are proud of?"},
	{"speaker_1", "Sure. I worked on a scalable microservice architecture for payment processing."},
	{"speaker_1", "The hardest problem was a race condition we debugged under production load."},
	{"speaker_0", "How did you approach the tradeoff between consistency and latency?"},
	{"speaker_1", "We measured both, then optimized the hot path and the result improved p99 by forty percent."},
	{"speaker_0", "Great. How do you usually collaborate with reviewers on a design like that?"},
	{"speaker_1", "I write a short design doc and pair with a teammate before the review meeting."},
}

func main() {
	pace := flag.Duration("pace", 300*time.Millisecond, "delay between partial updates")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: "console",
	})

	endpoint := cfg.Delivery.EndpointURL
	convID := "sim-" + uuid.NewString()[:8]

	mustPost(endpoint+"/session/start", map[string]any{
		"conversation_id": convID,
		"metadata":        map[string]string{"candidate_name": "Jordan", "mode": "simulation"},
	})
	mustPost(endpoint+"/session/map-speaker", map[string]any{
		"conversation_id": convID, "speaker_id": "speaker_0", "role": "interviewer",
	})
	mustPost(endpoint+"/session/map-speaker", map[string]any{
		"conversation_id": convID, "speaker_id": "speaker_1", "role": "candidate",
	})

	client := delivery.NewClient(delivery.Config{
		EndpointURL:    endpoint,
		QueueCapacity:  cfg.Delivery.QueueCapacity,
		RequestTimeout: cfg.Delivery.RequestTimeout,
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
	})

	log.Info().Str("conversationId", convID).Msg("Replaying scripted interview")
	audioMs := float64(0)
	for _, l := range script {
		audioMs = replayLine(client, convID, l, audioMs, *pace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Delivery client did not drain cleanly")
	}

	mustPost(endpoint+"/session/end", map[string]any{"conversation_id": convID})

	transcript := mustGet(endpoint + "/session/transcript?conversation_id=" + convID)
	fmt.Println(transcript)
}

// replayLine emits word-by-word growing partials and one final for a
// scripted utterance, the way a live provider would.
func replayLine(client *delivery.Client, convID string, l line, startMs float64, pace time.Duration) float64 {
	chunkID := uuid.NewString()
	words := strings.Fields(l.text)
	endMs := startMs + float64(len(words))*400

	seq := int64(0)
	for i := range words {
		seq++
		isLast := i == len(words)-1
		eventType := model.EventPartial
		if isLast {
			eventType = model.EventFinal
		}
		client.Publish(model.TranscriptEvent{
			EventID:        uuid.NewString(),
			EventType:      eventType,
			ConversationID: convID,
			ChunkID:        chunkID,
			Seq:            seq,
			Text:           strings.Join(words[:i+1], " "),
			TimestampUTC:   model.Now(),
			SpeakerID:      l.speaker,
			AudioStartMs:   startMs,
			AudioEndMs:     startMs + float64(i+1)*400,
			Confidence:     0.9,
			Provider:       "simulator",
		})
		time.Sleep(pace)
	}
	return endMs
}

func mustPost(url string, body any) {
	payload, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatal().Err(err).Str("url", url).Msg("Request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Fatal().Int("status", resp.StatusCode).Str("url", url).Str("body", string(out)).
			Msg("Request rejected")
	}
}

func mustGet(url string) string {
	resp, err := http.Get(url)
	if err != nil {
		log.Fatal().Err(err).Str("url", url).Msg("Request failed")
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return string(out)
}
