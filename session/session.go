package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/gemini"
	"github.com/room4-2/livevoice/logging"
	"github.com/room4-2/livevoice/messages"
	"github.com/room4-2/livevoice/metrics"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024 // 512KB max message
)

// Messages sent to clients by the endpoint itself
const (
	StatusConnected       = "Connected to transcription service"
	MsgKeyNotConfigured   = "Gemini API key not configured"
	MsgUpstreamFailed     = "Failed to connect to assistant"
	MsgRecordingTruncated = "Audio buffer full, recording truncated"
)

var (
	// ErrNoAPIKey is returned when no Gemini key is known for a session
	ErrNoAPIKey = errors.New("gemini api key not configured")
	// ErrSessionClosed is returned when the session closed while dialing
	ErrSessionClosed = errors.New("session closed")
)

// Upstream is the speech model connection of one session
type Upstream interface {
	SendAudio(pcm []byte) error
	EndAudio() error
	Close() error
}

// UpstreamDialer opens an upstream whose events are delivered to h
type UpstreamDialer func(ctx context.Context, apiKey string, h gemini.Handlers) (Upstream, error)

// Options configures a ClientSession
type Options struct {
	MaxBufferSize int
	RecordDir     string
	KeepAlive     time.Duration
	Dial          UpstreamDialer
	KeyFor        func(sessionID string) string
	OnBind        func(cs *ClientSession)
	Logger        zerolog.Logger
	Metrics       *metrics.Server
}

// ClientSession represents a single client connection
type ClientSession struct {
	ID           string // connection id
	ClientConn   *websocket.Conn
	Recording    *AudioBuffer
	CreatedAt    time.Time
	LastActivity time.Time

	opts   Options
	logger zerolog.Logger

	// Use channels for non-blocking writes
	writeChan chan *messages.Event
	pumpDone  chan struct{}

	mu        sync.RWMutex
	sessionID string
	upstream  Upstream
	started   bool
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	turnMu     sync.Mutex
	heard      strings.Builder
	heardOpen  bool
	chunkIndex int
	truncated  bool
}

// NewClientSession wraps an upgraded connection. The upstream is dialed once
// the client identified itself or started streaming.
func NewClientSession(id string, clientConn *websocket.Conn, opts Options) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(readLimit)

	now := time.Now()
	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		Recording:    NewAudioBuffer(opts.MaxBufferSize),
		CreatedAt:    now,
		LastActivity: now,
		opts:         opts,
		logger:       opts.Logger.With().Str("conn", logging.ShortID(id)).Logger(),
		writeChan:    make(chan *messages.Event, writeBufferSize),
		pumpDone:     make(chan struct{}),
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the bidirectional message handling
func (cs *ClientSession) Start() {
	cs.mu.Lock()
	cs.started = true
	cs.mu.Unlock()

	go cs.writePump()
	cs.queueMessage(messages.NewStatusEvent(StatusConnected))
	go cs.handleClientMessages()
}

// SessionID returns the identifier announced by the client, "" until then
func (cs *ClientSession) SessionID() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sessionID
}

// IdleSince returns the time of the last client message
func (cs *ClientSession) IdleSince() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.LastActivity
}

// IsClosed reports whether Close ran
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.LastActivity = time.Now()
	cs.mu.Unlock()
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		messageType, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Warn().Err(err).Msg("Client connection lost")
			}
			return
		}
		cs.touch()

		if messageType == websocket.BinaryMessage {
			if err := cs.handleAudio(message); err != nil {
				return
			}
			continue
		}

		if strings.TrimSpace(string(message)) == messages.EOF {
			cs.handleEOF()
			return
		}
		if err := cs.handleText(message); err != nil {
			return
		}
	}
}

func (cs *ClientSession) handleAudio(pcm []byte) error {
	if cs.opts.Metrics != nil {
		cs.opts.Metrics.AudioBytesIn.Add(float64(len(pcm)))
	}
	if err := cs.Recording.Append(pcm); err != nil {
		cs.turnMu.Lock()
		first := !cs.truncated
		cs.truncated = true
		cs.turnMu.Unlock()
		if first {
			cs.logger.Warn().Int("max_bytes", cs.Recording.MaxSize()).Msg(MsgRecordingTruncated)
		}
	}

	up, err := cs.ensureUpstream()
	if err != nil {
		return err
	}
	if err := up.SendAudio(pcm); err != nil {
		cs.logger.Error().Err(err).Msg("Failed forwarding audio")
	}
	return nil
}

func (cs *ClientSession) handleText(raw []byte) error {
	var msg messages.SessionMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil || msg.Type != messages.TypeSession {
		cs.logger.Debug().Int("bytes", len(raw)).Msg("Ignoring text message")
		return nil
	}

	cs.mu.Lock()
	if cs.sessionID == "" {
		cs.sessionID = msg.SessionID
	}
	sid := cs.sessionID
	cs.mu.Unlock()
	cs.logger.Info().Str("session_id", sid).Msg("Session identified")

	if cs.opts.OnBind != nil {
		cs.opts.OnBind(cs)
	}
	_, err := cs.ensureUpstream()
	return err
}

func (cs *ClientSession) handleEOF() {
	cs.mu.RLock()
	up := cs.upstream
	cs.mu.RUnlock()

	cs.logger.Info().Msg("Client finished streaming")
	if up == nil {
		return
	}
	if err := up.EndAudio(); err != nil {
		cs.logger.Warn().Err(err).Msg("Failed ending audio stream")
	}
}

// ensureUpstream dials the upstream on first use. Only the read loop calls it.
func (cs *ClientSession) ensureUpstream() (Upstream, error) {
	cs.mu.RLock()
	up, closed, sid := cs.upstream, cs.closed, cs.sessionID
	cs.mu.RUnlock()
	if up != nil {
		return up, nil
	}
	if closed {
		return nil, ErrSessionClosed
	}

	key := ""
	if cs.opts.KeyFor != nil {
		key = cs.opts.KeyFor(sid)
	}
	if key == "" {
		cs.logger.Warn().Msg("No Gemini key for session")
		cs.queueMessage(messages.NewErrorEvent(MsgKeyNotConfigured))
		return nil, ErrNoAPIKey
	}

	up, err := cs.opts.Dial(cs.ctx, key, cs.handlers())
	if err != nil {
		if cs.opts.Metrics != nil {
			cs.opts.Metrics.UpstreamErrors.Inc()
		}
		cs.logger.Error().Err(err).Msg("Failed to connect upstream")
		cs.queueMessage(messages.NewErrorEvent(MsgUpstreamFailed))
		return nil, err
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		up.Close()
		return nil, ErrSessionClosed
	}
	cs.upstream = up
	cs.mu.Unlock()
	return up, nil
}

func (cs *ClientSession) handlers() gemini.Handlers {
	return gemini.Handlers{
		OnInputTranscription:  cs.onInputTranscription,
		OnText:                cs.onResponseText,
		OnOutputTranscription: cs.onResponseText,
		OnAudio:               cs.onAudio,
		OnInterrupted: func() {
			cs.logger.Debug().Msg("Model output interrupted")
		},
		OnComplete: cs.onComplete,
		OnError:    cs.onUpstreamError,
	}
}

// onInputTranscription accumulates what the user said. Fragments are sent as
// interim transcriptions until the turn ends.
func (cs *ClientSession) onInputTranscription(text string, finished bool) {
	cs.turnMu.Lock()
	cs.heard.WriteString(text)
	cs.heardOpen = true
	current := cs.heard.String()
	if finished {
		cs.heard.Reset()
		cs.heardOpen = false
	}
	cs.turnMu.Unlock()

	if current == "" {
		return
	}
	cs.queueMessage(messages.NewTranscriptionEvent(current, finished))
}

// finishHeardTurn sends the final transcription once the model starts answering
func (cs *ClientSession) finishHeardTurn() {
	cs.turnMu.Lock()
	if !cs.heardOpen {
		cs.turnMu.Unlock()
		return
	}
	text := cs.heard.String()
	cs.heard.Reset()
	cs.heardOpen = false
	cs.turnMu.Unlock()

	if text != "" {
		cs.queueMessage(messages.NewTranscriptionEvent(text, true))
	}
}

func (cs *ClientSession) onResponseText(text string) {
	cs.finishHeardTurn()
	cs.queueMessage(messages.NewResponseTextEvent(text))
}

func (cs *ClientSession) onAudio(pcm []byte) {
	cs.finishHeardTurn()

	cs.turnMu.Lock()
	index := cs.chunkIndex
	cs.chunkIndex++
	cs.turnMu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(EncodeWAV(pcm, OutputSampleRate))
	cs.sendMessage(messages.NewAudioChunkEvent(index, encoded))
	if cs.opts.Metrics != nil {
		cs.opts.Metrics.ChunksOut.Inc()
	}
}

func (cs *ClientSession) onComplete() {
	cs.finishHeardTurn()

	cs.turnMu.Lock()
	total := cs.chunkIndex
	cs.chunkIndex = 0
	cs.turnMu.Unlock()

	cs.sendMessage(messages.NewAudioCompleteEvent(total))
}

func (cs *ClientSession) onUpstreamError(err error) {
	if cs.opts.Metrics != nil {
		cs.opts.Metrics.UpstreamErrors.Inc()
	}
	cs.logger.Error().Err(err).Msg("Gemini error")
	cs.queueMessage(messages.NewErrorEvent(err.Error()))

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
		websocket.IsUnexpectedCloseError(err) {
		cs.logger.Info().Msg("Closing session due to Gemini connection error")
		cs.Close()
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer close(cs.pumpDone)

	var ping <-chan time.Time
	if cs.opts.KeepAlive > 0 {
		ticker := time.NewTicker(cs.opts.KeepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-cs.CloseChan:
			cs.drain()
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			cs.ClientConn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return

		case ev := <-cs.writeChan:
			if err := cs.writeEvent(ev); err != nil {
				cs.logger.Debug().Err(err).Msg("Write failed")
				return
			}

		case <-ping:
			deadline := time.Now().Add(writeTimeout)
			if err := cs.ClientConn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// drain flushes what was queued before the close
func (cs *ClientSession) drain() {
	for {
		select {
		case ev := <-cs.writeChan:
			if err := cs.writeEvent(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (cs *ClientSession) writeEvent(ev *messages.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.ClientConn.WriteMessage(websocket.TextMessage, payload)
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(ev *messages.Event) {
	cs.mu.RLock()
	closed := cs.closed
	cs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case cs.writeChan <- ev:
	default:
		cs.logger.Warn().Str("type", ev.Type).Msg("Write queue full, dropping message")
	}
}

// sendMessage waits for room in the write queue. Audio must not be dropped,
// so the upstream reader is held back instead.
func (cs *ClientSession) sendMessage(ev *messages.Event) {
	select {
	case cs.writeChan <- ev:
	case <-cs.CloseChan:
	case <-cs.pumpDone:
	}
}

// Close tears the session down. Safe to call from any goroutine, repeatedly.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	up, started := cs.upstream, cs.started
	cs.mu.Unlock()

	cs.cancel()
	close(cs.CloseChan)

	if started {
		select {
		case <-cs.pumpDone:
		case <-time.After(writeTimeout):
		}
	}

	if up != nil {
		if err := up.Close(); err != nil {
			cs.logger.Debug().Err(err).Msg("Upstream close failed")
		}
	}
	if cs.ClientConn != nil {
		cs.ClientConn.Close()
	}

	if cs.opts.RecordDir != "" {
		path, err := cs.Recording.Save(cs.opts.RecordDir)
		if err != nil {
			cs.logger.Error().Err(err).Msg("Failed saving recording")
		} else if path != "" {
			cs.logger.Info().Str("path", path).Msg("Recording saved")
		}
	} else {
		cs.Recording.Clear()
	}
	return nil
}
