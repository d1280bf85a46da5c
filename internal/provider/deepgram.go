package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	dginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/google/uuid"

	"legionmeet-transcript-service/internal/config"
	"legionmeet-transcript-service/internal/model"
	"legionmeet-transcript-service/internal/observability/logging"
)

const deepgramName = "deepgram"

// dgConn wraps the methods used from the Deepgram websocket client so the
// event loop can be exercised without a live connection.
type dgConn interface {
	io.Writer
	Stop()
}

// dgHandler receives Deepgram callbacks over channels.
type dgHandler struct {
	openChan          chan *api.OpenResponse
	messageChan       chan *api.MessageResponse
	metadataChan      chan *api.MetadataResponse
	speechStartedChan chan *api.SpeechStartedResponse
	utteranceEndChan  chan *api.UtteranceEndResponse
	closeChan         chan *api.CloseResponse
	errorChan         chan *api.ErrorResponse
	unhandledChan     chan *[]byte
}

func newDGHandler() *dgHandler {
	return &dgHandler{
		openChan:          make(chan *api.OpenResponse, 1),
		messageChan:       make(chan *api.MessageResponse, 10),
		metadataChan:      make(chan *api.MetadataResponse, 1),
		speechStartedChan: make(chan *api.SpeechStartedResponse, 1),
		utteranceEndChan:  make(chan *api.UtteranceEndResponse, 1),
		closeChan:         make(chan *api.CloseResponse, 1),
		errorChan:         make(chan *api.ErrorResponse, 1),
		unhandledChan:     make(chan *[]byte, 1),
	}
}

func (h *dgHandler) GetOpen() []*chan *api.OpenResponse {
	return []*chan *api.OpenResponse{&h.openChan}
}

func (h *dgHandler) GetMessage() []*chan *api.MessageResponse {
	return []*chan *api.MessageResponse{&h.messageChan}
}

func (h *dgHandler) GetMetadata() []*chan *api.MetadataResponse {
	return []*chan *api.MetadataResponse{&h.metadataChan}
}

func (h *dgHandler) GetSpeechStarted() []*chan *api.SpeechStartedResponse {
	return []*chan *api.SpeechStartedResponse{&h.speechStartedChan}
}

func (h *dgHandler) GetUtteranceEnd() []*chan *api.UtteranceEndResponse {
	return []*chan *api.UtteranceEndResponse{&h.utteranceEndChan}
}

func (h *dgHandler) GetClose() []*chan *api.CloseResponse {
	return []*chan *api.CloseResponse{&h.closeChan}
}

func (h *dgHandler) GetError() []*chan *api.ErrorResponse {
	return []*chan *api.ErrorResponse{&h.errorChan}
}

func (h *dgHandler) GetUnhandled() []*chan *[]byte {
	return []*chan *[]byte{&h.unhandledChan}
}

// Deepgram adapts a Deepgram live websocket session to canonical events.
type Deepgram struct {
	cfg     config.STTConfig
	em      *emitter
	handler *dgHandler

	mu     sync.Mutex
	conn   dgConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeepgram creates a Deepgram adapter for one conversation.
func NewDeepgram(cfg config.STTConfig, conversationID string) *Deepgram {
	return &Deepgram{
		cfg:     cfg,
		em:      newEmitter(deepgramName, cfg.DeepgramModel, conversationID, uuid.NewString),
		handler: newDGHandler(),
		done:    make(chan struct{}),
	}
}

// Name returns the provider identifier.
func (d *Deepgram) Name() string { return deepgramName }

// Events returns the canonical event stream.
func (d *Deepgram) Events() <-chan model.TranscriptEvent { return d.em.events }

// Start connects to Deepgram and begins the event loop.
func (d *Deepgram) Start(ctx context.Context) error {
	listen.InitWithDefault()

	cOptions := &dginterfaces.ClientOptions{
		APIKey:          d.cfg.DeepgramAPIKey,
		EnableKeepAlive: true,
	}
	tOptions := &dginterfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.LanguageCode,
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.cfg.SampleRateHz,
		VadEvents:      true,
		InterimResults: d.cfg.InterimResults,
		UtteranceEndMs: "1000",
	}

	loopCtx, cancel := context.WithCancel(ctx)
	conn, err := listen.NewWSUsingChan(loopCtx, "", cOptions, tOptions, d.handler)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}
	if ok := conn.Connect(); !ok {
		cancel()
		return errors.New("failed to connect to deepgram")
	}

	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.mu.Unlock()

	go d.run(loopCtx)
	return nil
}

// PushAudio writes one audio frame to the websocket.
func (d *Deepgram) PushAudio(data []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.New("deepgram session not started")
	}
	_, err := conn.Write(data)
	return err
}

// Stop flushes the stream and waits for the event loop to drain, bounded
// by ctx.
func (d *Deepgram) Stop(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	cancel := d.cancel
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Stop()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		logging.WithProvider(d.em.conversationID, deepgramName).Warn().
			Msg("Timed out waiting for deepgram stream to drain")
		cancel()
		return ctx.Err()
	}
}

func (d *Deepgram) run(ctx context.Context) {
	defer close(d.done)
	defer close(d.em.events)

	for {
		select {
		case <-d.handler.openChan:
			d.em.lifecycle(model.EventSessionStarted, "")
		case msg := <-d.handler.messageChan:
			if msg == nil {
				continue
			}
			d.handleMessage(msg)
		case <-d.handler.metadataChan:
		case <-d.handler.speechStartedChan:
		case <-d.handler.utteranceEndChan:
		case errResp := <-d.handler.errorChan:
			if errResp != nil {
				d.em.error("deepgram_stream_error", fmt.Sprintf("%v", errResp))
			}
		case <-d.handler.closeChan:
			d.em.lifecycle(model.EventSessionStopped, "")
			return
		case <-d.handler.unhandledChan:
		case <-ctx.Done():
			d.em.lifecycle(model.EventSessionStopped, "")
			return
		}
	}
}

func (d *Deepgram) handleMessage(msg *api.MessageResponse) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return
	}

	startMs := msg.Start * 1000
	endMs := (msg.Start + msg.Duration) * 1000
	d.em.transcript(text, msg.IsFinal, alt.Confidence, startMs, endMs, "", nil)
}
