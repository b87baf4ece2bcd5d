// Package router dispatches inbound endpoint events to the display, the
// response accumulator and the playback queue.
package router

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/display"
	"github.com/room4-2/livevoice/messages"
	"github.com/room4-2/livevoice/metrics"
	"github.com/room4-2/livevoice/transcript"
)

// Status lines shown for protocol milestones
const (
	StatusTurnCompleted     = "Turn completed. Processing response..."
	StatusResponseCompleted = "AI response completed. Continue speaking or stop recording."
)

// ProtocolError reports an inbound message that is not valid JSON
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed inbound message: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AudioSink receives audio payloads for playback
type AudioSink interface {
	Enqueue(payload string) error
	Complete()
}

// HandlerFunc handles one parsed event
type HandlerFunc func(ev *messages.Event)

// Router maps event type tags to handlers
type Router struct {
	surface display.Surface
	text    *transcript.Accumulator
	audio   AudioSink
	logger  zerolog.Logger
	metrics *metrics.Client

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

// New creates a router with the default handler table
func New(surface display.Surface, text *transcript.Accumulator, audio AudioSink, logger zerolog.Logger, m *metrics.Client) *Router {
	r := &Router{
		surface:  surface,
		text:     text,
		audio:    audio,
		logger:   logger.With().Str("component", "router").Logger(),
		metrics:  m,
		handlers: make(map[string][]HandlerFunc),
	}

	r.Register(messages.TypeStatus, r.handleStatus)
	r.Register(messages.TypeTranscription, r.handleTranscription)
	r.Register(messages.TypeLLMResponseText, r.handleResponseText)
	r.Register(messages.TypeLLMResponse, r.handleResponseText)
	r.Register(messages.TypeResponseTextDelta, r.handleResponseText)
	r.Register(messages.TypeAudioChunk, r.handleAudioChunk)
	r.Register(messages.TypeAudioComplete, r.handleAudioComplete)
	r.Register(messages.TypeError, r.handleError)
	return r
}

// Register adds a handler for a tag. Handlers run in registration order.
func (r *Router) Register(tag string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = append(r.handlers[tag], h)
}

// Handle parses and dispatches one inbound message. Unknown tags are ignored.
func (r *Router) Handle(raw []byte) error {
	ev, err := messages.ParseEvent(raw)
	if err != nil {
		perr := &ProtocolError{Raw: raw, Err: err}
		if r.metrics != nil {
			r.metrics.ProtocolErrors.Inc()
		}
		r.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed message")
		return perr
	}

	r.mu.RLock()
	handlers := r.handlers[ev.Type]
	r.mu.RUnlock()

	if r.metrics != nil {
		r.metrics.InboundEvents.WithLabelValues(ev.Type).Inc()
	}
	if len(handlers) == 0 {
		r.logger.Debug().Str("type", ev.Type).Msg("Ignoring message")
		return nil
	}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (r *Router) handleStatus(ev *messages.Event) {
	r.surface.Status(ev.Message, display.LevelActive)
}

func (r *Router) handleTranscription(ev *messages.Event) {
	if ev.IsFinal {
		r.surface.Transcript(ev.Text, true)
		r.surface.Status(StatusTurnCompleted, display.LevelIdle)
		r.text.MarkTurnBoundary()
		return
	}
	r.surface.Transcript(ev.Text, false)
}

func (r *Router) handleResponseText(ev *messages.Event) {
	inc := ev.TextIncrement()
	if inc == "" {
		return
	}
	r.surface.Response(r.text.Append(inc))
}

func (r *Router) handleAudioChunk(ev *messages.Event) {
	payload := ev.AudioPayload()
	if payload == "" {
		return
	}
	if err := r.audio.Enqueue(payload); err != nil {
		r.logger.Debug().Err(err).Int("chunk_index", ev.ChunkIndex).Msg("Audio chunk rejected")
	}
}

func (r *Router) handleAudioComplete(ev *messages.Event) {
	r.surface.Status(StatusResponseCompleted, display.LevelIdle)
	r.audio.Complete()
	r.logger.Debug().Int("total_chunks", ev.TotalChunks).Msg("Audio complete")
}

func (r *Router) handleError(ev *messages.Event) {
	r.logger.Warn().Str("message", ev.Message).Msg("Endpoint reported error")
	r.surface.Status("Error: "+ev.Message, display.LevelError)
}
