// Package connection owns the duplex channel between the voice client and the
// processing endpoint.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/messages"
	"github.com/room4-2/livevoice/metrics"
)

// Path is the well-known endpoint path of the streaming channel
const Path = "/ws"

const (
	defaultWriteTimeout = 10 * time.Second
	inboundBufferSize   = 64
)

var (
	// ErrAlreadyOpen is returned by Open on a manager that left Idle
	ErrAlreadyOpen = errors.New("connection already opened")
	// ErrNotOpen is returned by Send when the channel is not open
	ErrNotOpen = errors.New("connection not open")
	// ErrWriteRejected wraps write failures of an open channel
	ErrWriteRejected = errors.New("write rejected by channel")
)

// ConnectionError reports a handshake failure or a transport error. It is
// terminal for the session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Message is one inbound frame
type Message struct {
	Binary bool
	Data   []byte
}

// Options configures a Manager
type Options struct {
	URL           string
	Dialer        *websocket.Dialer // defaults to websocket.DefaultDialer
	Logger        zerolog.Logger
	Metrics       *metrics.Client
	WriteTimeout  time.Duration
	OnStateChange func(from, to State) // called outside internal locks
}

// Manager drives one connection through its lifecycle. A Manager is single
// use: once Closed or Errored it stays there.
type Manager struct {
	url          string
	dialer       *websocket.Dialer
	logger       zerolog.Logger
	metrics      *metrics.Client
	writeTimeout time.Duration
	onState      func(from, to State)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	err        error

	writeMu sync.Mutex

	messages  chan Message
	done      chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

// New creates an idle manager
func New(opts Options) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &Manager{
		url:          opts.URL,
		dialer:       dialer,
		logger:       opts.Logger.With().Str("component", "connection").Logger(),
		metrics:      opts.Metrics,
		writeTimeout: wt,
		onState:      opts.OnStateChange,
		state:        StateIdle,
		messages:     make(chan Message, inboundBufferSize),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
	}
}

// EndpointURL derives the channel URL from the client address: same host,
// ws for http and wss for https, fixed Path.
func EndpointURL(address *url.URL) string {
	u := url.URL{Scheme: "ws", Host: address.Host, Path: Path}
	switch address.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	}
	return u.String()
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether frames may be sent
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// Messages delivers inbound frames. It is closed once the connection ends.
func (m *Manager) Messages() <-chan Message {
	return m.messages
}

// Done is closed when the manager reached a terminal state
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the ConnectionError that ended the connection, nil after a
// clean close.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Open dials the endpoint and sends the session-initiation message
func (m *Manager) Open(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	from := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.emit(from, StateConnecting)

	m.logger.Info().Str("url", m.url).Msg("Connecting")
	conn, _, err := m.dialer.DialContext(dialCtx, m.url, nil)
	cancel()

	m.mu.Lock()
	m.cancelDial = nil
	if m.state != StateConnecting {
		// closed while the handshake was in flight
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return &ConnectionError{Op: "dial", Err: context.Canceled}
	}
	if err != nil {
		cerr := &ConnectionError{Op: "dial", Err: err}
		m.err = cerr
		from = m.setStateLocked(StateErrored)
		m.mu.Unlock()
		m.emit(from, StateErrored)
		m.closeChannels()
		m.logger.Error().Err(err).Msg("Handshake failed")
		return cerr
	}
	m.conn = conn
	from = m.setStateLocked(StateOpen)
	m.mu.Unlock()
	m.emit(from, StateOpen)

	go m.readPump(conn)

	m.logger.Info().Str("session_id", sessionID).Msg("Connected")
	payload, err := messages.NewSessionMessage(sessionID).Encode()
	if err == nil {
		err = m.write(conn, websocket.TextMessage, payload)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed sending session message")
	}
	return nil
}

// Send writes one binary frame
func (m *Manager) Send(frame []byte) error {
	return m.send(websocket.BinaryMessage, frame)
}

// SendText writes one text frame
func (m *Manager) SendText(text string) error {
	return m.send(websocket.TextMessage, []byte(text))
}

func (m *Manager) send(messageType int, data []byte) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, messageType, data); err != nil {
		if m.metrics != nil {
			m.metrics.SendErrors.Inc()
		}
		m.logger.Debug().Err(err).Msg("Write rejected")
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

// Close sends the EOF sentinel when open and shuts the channel down. Calling
// it on a closed manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		from := m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.emit(from, StateClosed)
		m.stopPump()
		m.closeChannels()
		return nil

	case StateConnecting:
		if m.cancelDial != nil {
			m.cancelDial()
		}
		from := m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.emit(from, StateClosed)
		m.stopPump()
		m.closeChannels()
		return nil

	case StateOpen:
		conn := m.conn
		m.mu.Unlock()

		if err := m.write(conn, websocket.TextMessage, []byte(messages.EOF)); err != nil {
			m.logger.Debug().Err(err).Msg("Failed sending EOF")
		}

		m.mu.Lock()
		if m.state != StateOpen {
			// the read pump already ended the connection
			m.mu.Unlock()
			return nil
		}
		from := m.setStateLocked(StateClosing)
		m.mu.Unlock()
		m.emit(from, StateClosing)

		m.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.writeMu.Unlock()
		m.stopPump()
		conn.Close()

		m.mu.Lock()
		from = m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.emit(from, StateClosed)
		m.logger.Info().Msg("Connection closed")
		return nil

	default:
		// Closing, Closed, Errored
		m.mu.Unlock()
		return nil
	}
}

func (m *Manager) write(conn *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// readPump delivers inbound frames until the channel ends
func (m *Manager) readPump(conn *websocket.Conn) {
	defer m.closeChannels()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, err)
			return
		}
		select {
		case m.messages <- Message{Binary: mt == websocket.BinaryMessage, Data: data}:
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handleReadError(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.state != StateOpen {
		// we initiated the close
		m.mu.Unlock()
		return
	}
	to := StateErrored
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		to = StateClosed
	} else {
		m.err = &ConnectionError{Op: "read", Err: err}
	}
	from := m.setStateLocked(to)
	m.mu.Unlock()
	m.emit(from, to)

	conn.Close()
	if to == StateErrored {
		m.logger.Error().Err(err).Msg("Connection lost")
	} else {
		m.logger.Info().Msg("Connection closed by endpoint")
	}
}

func (m *Manager) setStateLocked(to State) State {
	from := m.state
	m.state = to
	return from
}

func (m *Manager) emit(from, to State) {
	if from == to {
		return
	}
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State changed")
	if m.onState != nil {
		m.onState(from, to)
	}
}

func (m *Manager) stopPump() {
	m.quitOnce.Do(func() { close(m.quit) })
}

func (m *Manager) closeChannels() {
	m.closeOnce.Do(func() {
		close(m.messages)
		close(m.done)
	})
}
