// Package client runs a realtime voice session: microphone frames stream to
// the endpoint while transcription, response text and synthesized speech
// stream back.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/capture"
	"github.com/room4-2/livevoice/connection"
	"github.com/room4-2/livevoice/display"
	"github.com/room4-2/livevoice/identity"
	"github.com/room4-2/livevoice/metrics"
	"github.com/room4-2/livevoice/playback"
	"github.com/room4-2/livevoice/router"
	"github.com/room4-2/livevoice/transcript"
)

// Status lines owned by the session lifecycle
const (
	StatusConnected       = "Connected. Speak now!"
	StatusIdle            = "Idle"
	StatusConnectionError = "Connection error"
	StatusMicDenied       = "Mic access denied."
)

var (
	// ErrKeysRequired is returned by Start until credentials were accepted
	ErrKeysRequired = errors.New("credentials must be submitted before starting")
	// ErrAlreadyRunning is returned by Start on a running session
	ErrAlreadyRunning = errors.New("session already running")
)

// Options configures a Session
type Options struct {
	Location identity.Location
	Dialer   *websocket.Dialer
	HTTP     *http.Client

	Source  capture.Source
	Decoder playback.Decoder
	Player  playback.Player
	Surface display.Surface

	SampleRate    int
	FrameSize     int
	MinStartItems int
	GraceDelay    time.Duration

	// RequireKeys blocks Start until SubmitKeys succeeded
	RequireKeys bool

	Logger  zerolog.Logger
	Metrics *metrics.Client
}

// Session is one voice client. Start and Stop may be called repeatedly; each
// Start opens a fresh connection under the same session identifier.
type Session struct {
	opts    Options
	id      string
	address *url.URL
	logger  zerolog.Logger
	surface display.Surface
	text    *transcript.Accumulator
	queue   *playback.Queue
	router  *router.Router
	httpc   *http.Client

	mu      sync.Mutex
	running bool
	keysSet bool
	conn    *connection.Manager
	encoder *capture.Encoder
	ended   chan struct{}
}

// New resolves the session identifier and prepares the pipeline
func New(opts Options) (*Session, error) {
	if opts.Location == nil {
		return nil, errors.New("location is required")
	}
	if opts.Source == nil || opts.Player == nil || opts.Surface == nil {
		return nil, errors.New("audio source, player and surface are required")
	}

	sess, err := identity.NewResolver(opts.Location).Resolve()
	if err != nil {
		return nil, err
	}
	address, err := opts.Location.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to read address: %w", err)
	}

	httpc := opts.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}

	logger := opts.Logger.With().Str("session_id", sess.ID).Logger()
	s := &Session{
		opts:    opts,
		id:      sess.ID,
		address: address,
		logger:  logger,
		surface: opts.Surface,
		text:    transcript.New(),
		httpc:   httpc,
	}
	s.queue = playback.NewQueue(playback.Options{
		Decoder:       opts.Decoder,
		Player:        opts.Player,
		MinStartItems: opts.MinStartItems,
		GraceDelay:    opts.GraceDelay,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	s.router = router.New(opts.Surface, s.text, s.queue, logger, opts.Metrics)

	logger.Info().Str("address", address.String()).Msg("Session resolved")
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Running reports whether a connection is active
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the current run ends. It is nil before the first Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Router exposes the dispatch table so callers can register extra handlers
func (s *Session) Router() *router.Router {
	return s.router
}

// Start connects and begins streaming microphone audio
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.opts.RequireKeys && !s.keysSet {
		s.mu.Unlock()
		return ErrKeysRequired
	}
	s.running = true
	s.ended = make(chan struct{})
	s.text.Reset()
	s.queue.Reset()

	conn := connection.New(connection.Options{
		URL:     connection.EndpointURL(s.address),
		Dialer:  s.opts.Dialer,
		Logger:  s.logger,
		Metrics: s.opts.Metrics,
	})
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Open(ctx, s.id); err != nil {
		if s.teardown() {
			s.surface.Status(StatusConnectionError, display.LevelError)
		}
		return err
	}
	go s.dispatch(conn)
	s.surface.Status(StatusConnected, display.LevelActive)

	enc := capture.NewEncoder(capture.Options{
		Source:     s.opts.Source,
		Sender:     conn,
		SampleRate: s.opts.SampleRate,
		FrameSize:  s.opts.FrameSize,
		Logger:     s.logger,
		Metrics:    s.opts.Metrics,
	})
	s.mu.Lock()
	if s.conn != conn {
		// stopped while connecting
		s.mu.Unlock()
		return nil
	}
	s.encoder = enc
	s.mu.Unlock()

	if err := enc.Start(ctx); err != nil {
		if s.teardown() {
			s.surface.Status(StatusMicDenied, display.LevelError)
		}
		return err
	}
	return nil
}

func (s *Session) dispatch(conn *connection.Manager) {
	for msg := range conn.Messages() {
		if !s.current(conn) {
			// stopped: whatever is still buffered belongs to the old run
			return
		}
		if msg.Binary {
			s.logger.Debug().Int("bytes", len(msg.Data)).Msg("Ignoring binary message")
			continue
		}
		// errors are logged and counted by the router
		_ = s.router.Handle(msg.Data)
	}

	if !s.current(conn) {
		return
	}

	state := conn.State()
	if !s.teardown() {
		return
	}
	if state == connection.StateErrored {
		s.logger.Error().Err(conn.Err()).Msg("Session ended by connection error")
		s.surface.Status(StatusConnectionError, display.LevelError)
		return
	}
	s.surface.Status(StatusIdle, display.LevelIdle)
}

func (s *Session) current(conn *connection.Manager) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

// teardown releases capture, playback and the connection. It reports false
// when nothing was running.
func (s *Session) teardown() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	enc, conn, ended := s.encoder, s.conn, s.ended
	s.encoder, s.conn = nil, nil
	s.mu.Unlock()

	if enc != nil {
		enc.Stop()
	}
	s.queue.Reset()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed closing connection")
		}
	}
	close(ended)
	s.logger.Info().Msg("Session stopped")
	return true
}

// Stop ends the current run. Safe to call repeatedly.
func (s *Session) Stop() {
	if s.teardown() {
		s.surface.Status(StatusIdle, display.LevelIdle)
	}
}

// Cancel stops and clears the transcription and response areas
func (s *Session) Cancel() {
	s.Stop()
	s.text.Reset()
	s.surface.Clear()
}

// Close stops the session and releases the playback queue
func (s *Session) Close() {
	s.Stop()
	s.queue.Close()
}
