package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
)

const googleName = "google"

// speechStream wraps the methods used from the streaming recognize client
// so the receive loop can be exercised with a fake stream.
type speechStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Google adapts a Google Cloud Speech streaming session to canonical
// events.
type Google struct {
	cfg config.STTConfig
	em  *emitter

	mu     sync.Mutex
	client *speech.Client
	stream speechStream
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGoogle creates a Google Speech adapter for one conversation.
func NewGoogle(cfg config.STTConfig, conversationID string) *Google {
	return &Google{
		cfg:  cfg,
		em:   newEmitter(googleName, "default", conversationID, uuid.NewString),
		done: make(chan struct{}),
	}
}

// Name returns the provider identifier.
func (g *Google) Name() string { return googleName }

// Events returns the canonical event stream.
func (g *Google) Events() <-chan model.TranscriptEvent { return g.em.events }

// Start opens the streaming session. Credentials come from the ambient
// Google application default credentials.
func (g *Google) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)

	client, err := speech.NewClient(loopCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create speech client: %w", err)
	}
	stream, err := client.StreamingRecognize(loopCtx)
	if err != nil {
		client.Close()
		cancel()
		return fmt.Errorf("failed to open streaming recognize: %w", err)
	}

	cfgReq := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:              speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:       int32(g.cfg.SampleRateHz),
					LanguageCode:          g.cfg.LanguageCode,
					EnableWordTimeOffsets: true,
					DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
						EnableSpeakerDiarization: true,
					},
				},
				InterimResults: g.cfg.InterimResults,
			},
		},
	}
	if err := stream.Send(cfgReq); err != nil {
		stream.CloseSend()
		client.Close()
		cancel()
		return fmt.Errorf("failed to send streaming config: %w", err)
	}

	g.mu.Lock()
	g.client = client
	g.stream = stream
	g.cancel = cancel
	g.mu.Unlock()

	g.em.lifecycle(model.EventSessionStarted, "")
	go g.receive(stream)
	return nil
}

// PushAudio sends one audio frame on the stream.
func (g *Google) PushAudio(data []byte) error {
	g.mu.Lock()
	stream := g.stream
	g.mu.Unlock()
	if stream == nil {
		return errors.New("google session not started")
	}
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	})
}

// Stop half-closes the stream so trailing results flush, then waits for
// the receive loop bounded by ctx.
func (g *Google) Stop(ctx context.Context) error {
	g.mu.Lock()
	stream := g.stream
	client := g.client
	cancel := g.cancel
	g.stream = nil
	g.mu.Unlock()
	if stream == nil {
		return nil
	}
	stream.CloseSend()

	var err error
	select {
	case <-g.done:
	case <-ctx.Done():
		logging.WithProvider(g.em.conversationID, googleName).Warn().
			Msg("Timed out waiting for google stream to drain")
		cancel()
		err = ctx.Err()
	}
	if client != nil {
		client.Close()
	}
	return err
}

// receive drains the stream until EOF, cancellation, or a terminal error.
func (g *Google) receive(stream speechStream) {
	defer close(g.done)
	defer close(g.em.events)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			g.em.lifecycle(model.EventSessionStopped, "")
			return
		}
		if err != nil {
			g.em.error(googleErrorCode(err), err.Error())
			g.em.lifecycle(model.EventSessionStopped, "")
			return
		}
		g.handleResponse(resp)
	}
}

// googleErrorCode maps a stream error to a vendor-namespaced code, e.g.
// codes.Internal becomes "google_internal".
func googleErrorCode(err error) string {
	return "google_" + strings.ToLower(status.Code(err).String())
}

// handleResponse normalizes the leading result of one response. Later
// results are immature lookahead hypotheses and are dropped; they return
// on the next response once they lead.
func (g *Google) handleResponse(resp *speechpb.StreamingRecognizeResponse) {
	if len(resp.Results) == 0 {
		return
	}
	result := resp.Results[0]
	if len(result.Alternatives) == 0 {
		return
	}
	alt := result.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return
	}

	words := make([]model.Word, 0, len(alt.Words))
	speakerID := ""
	var startMs, endMs float64
	for i, w := range alt.Words {
		wordStart := float64(w.StartTime.AsDuration().Milliseconds())
		wordEnd := float64(w.EndTime.AsDuration().Milliseconds())
		if i == 0 {
			startMs = wordStart
		}
		endMs = wordEnd

		wordSpeaker := ""
		if w.SpeakerTag > 0 {
			// Google tags are 1-based; normalize to the 0-based form the
			// rest of the pipeline uses.
			wordSpeaker = fmt.Sprintf("speaker_%d", w.SpeakerTag-1)
			speakerID = wordSpeaker
		}
		words = append(words, model.Word{
			Text:      w.Word,
			StartMs:   wordStart,
			EndMs:     wordEnd,
			SpeakerID: wordSpeaker,
		})
	}
	if len(words) == 0 {
		words = nil
	}

	g.em.transcript(text, result.IsFinal, float64(alt.Confidence), startMs, endMs, speakerID, words)
}
