// The relay captures audio, streams it through the configured STT
// provider, and delivers the canonical events to the ingestion endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/delivery"
	"legionmeet-transcript-service/internal/observability/logging"
	"legionmeet-transcript-service/internal/provider"
)

// frameBytes is 100ms of 16kHz 16-bit mono PCM.
const frameBytes = 3200

func main() {
	audioPath := flag.String("audio", "-", "raw PCM16 audio file, or - for stdin")
	conversationID := flag.String("conversation", "", "conversation id (generated when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	convID := *conversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	audio, err := openAudio(*audioPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *audioPath).Msg("Failed to open audio source")
	}
	defer audio.Close()

	if err := postSession(cfg.Delivery.EndpointURL, "/session/start", convID); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	client := delivery.NewClient(delivery.Config{
		EndpointURL:        cfg.Delivery.EndpointURL,
		QueueCapacity:      cfg.Delivery.QueueCapacity,
		RequestTimeout:     cfg.Delivery.RequestTimeout,
		MaxAttempts:        cfg.Delivery.MaxAttempts,
		InitialBackoff:     cfg.Delivery.InitialBackoff,
		MaxBackoff:         cfg.Delivery.MaxBackoff,
		BreakerMaxFailures: cfg.Delivery.BreakerMaxFailures,
		BreakerCooldown:    cfg.Delivery.BreakerCooldown,
	})

	adapter, err := provider.New(cfg.STT, convID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to select STT provider")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("provider", adapter.Name()).Msg("Failed to start STT session")
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range adapter.Events() {
			client.Publish(ev)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Info().
		Str("conversationId", convID).
		Str("provider", adapter.Name()).
		Msg("Relay started")
	streamAudio(ctx, adapter, audio, sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.STT.StopTimeout)
	defer stopCancel()
	if err := adapter.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("STT session did not stop cleanly")
	}
	<-forwarded

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer closeCancel()
	if err := client.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Delivery client did not drain cleanly")
	}
	if err := postSession(cfg.Delivery.EndpointURL, "/session/end", convID); err != nil {
		log.Warn().Err(err).Msg("Failed to end session")
	}
	log.Info().Msg("Relay finished")
}

func openAudio(path string) (io.ReadCloser, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// streamAudio paces frames at real-time rate until EOF, cancel, or signal.
func streamAudio(ctx context.Context, adapter provider.Adapter, audio io.Reader, sig <-chan os.Signal) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, frameBytes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			log.Info().Msg("Signal received, stopping capture")
			return
		case <-ticker.C:
			n, err := audio.Read(buf)
			if n > 0 {
				if err := adapter.PushAudio(buf[:n]); err != nil {
					log.Error().Err(err).Msg("Failed to push audio frame")
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Error().Err(err).Msg("Audio read failed")
				}
				return
			}
		}
	}
}

func postSession(endpoint, path, conversationID string) error {
	payload, _ := json.Marshal(map[string]string{"conversation_id": conversationID})
	resp, err := http.Post(endpoint+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return nil
}
