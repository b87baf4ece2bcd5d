package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	messageType int
	data        []byte
}

// endpoint is a minimal websocket server recording what the client sends
type endpoint struct {
	t        *testing.T
	server   *httptest.Server
	received chan frame
	conns    chan *websocket.Conn
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	e := &endpoint{
		t:        t,
		received: make(chan frame, 32),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				close(e.received)
				return
			}
			e.received <- frame{messageType: mt, data: data}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *endpoint) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + Path
}

func (e *endpoint) next(t *testing.T) frame {
	t.Helper()
	select {
	case f, ok := <-e.received:
		require.True(t, ok, "endpoint stopped reading")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (e *endpoint) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-e.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not finish")
	}
}

func TestOpenSendsSessionMessage(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})

	require.NoError(t, m.Open(context.Background(), "abc"))
	assert.Equal(t, StateOpen, m.State())
	assert.True(t, m.IsOpen())

	f := e.next(t)
	assert.Equal(t, websocket.TextMessage, f.messageType)
	assert.JSONEq(t, `{"type":"session","session_id":"abc"}`, string(f.data))

	require.NoError(t, m.Close())
}

func TestOpenTwiceFails(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})

	require.NoError(t, m.Open(context.Background(), "abc"))
	assert.ErrorIs(t, m.Open(context.Background(), "abc"), ErrAlreadyOpen)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Open(context.Background(), "abc"), ErrAlreadyOpen)
}

func TestSendRequiresOpen(t *testing.T) {
	m := New(Options{URL: "ws://127.0.0.1:1/ws", Logger: zerolog.Nop()})
	assert.ErrorIs(t, m.Send([]byte{1, 2}), ErrNotOpen)
	assert.ErrorIs(t, m.SendText("hi"), ErrNotOpen)
}

func TestSendBinaryFrame(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})
	require.NoError(t, m.Open(context.Background(), "abc"))
	e.next(t) // session message

	require.NoError(t, m.Send([]byte{0x01, 0x00, 0xff, 0x7f}))
	f := e.next(t)
	assert.Equal(t, websocket.BinaryMessage, f.messageType)
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0x7f}, f.data)

	require.NoError(t, m.Close())
}

func TestCloseSendsEOFOnce(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})
	require.NoError(t, m.Open(context.Background(), "abc"))
	e.next(t)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	f := e.next(t)
	assert.Equal(t, "EOF", string(f.data))

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.NoError(t, m.Err())
	waitDone(t, m)

	// the endpoint sees nothing but the closing handshake
	_, ok := <-e.received
	assert.False(t, ok)

	assert.ErrorIs(t, m.Send([]byte{1}), ErrNotOpen)
}

func TestEndpointCloseMovesToClosed(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})
	require.NoError(t, m.Open(context.Background(), "abc"))
	sc := e.conn(t)

	require.NoError(t, sc.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","message":"hi"}`)))
	msg := <-m.Messages()
	assert.False(t, msg.Binary)
	assert.Equal(t, `{"type":"status","message":"hi"}`, string(msg.Data))

	require.NoError(t, sc.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitDone(t, m)

	assert.Equal(t, StateClosed, m.State())
	assert.NoError(t, m.Err())
	_, ok := <-m.Messages()
	assert.False(t, ok)
}

func TestAbnormalCloseMovesToErrored(t *testing.T) {
	e := newEndpoint(t)
	m := New(Options{URL: e.url(), Logger: zerolog.Nop()})
	require.NoError(t, m.Open(context.Background(), "abc"))

	e.conn(t).UnderlyingConn().Close()
	waitDone(t, m)

	assert.Equal(t, StateErrored, m.State())
	var cerr *ConnectionError
	require.ErrorAs(t, m.Err(), &cerr)
	assert.Equal(t, "read", cerr.Op)

	// terminal: close stays a no-op
	require.NoError(t, m.Close())
	assert.Equal(t, StateErrored, m.State())
}

func TestCloseAfterEndpointClosedStaysTerminal(t *testing.T) {
	e := newEndpoint(t)

	var mu sync.Mutex
	var seen []State
	m := New(Options{
		URL:    e.url(),
		Logger: zerolog.Nop(),
		OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})
	require.NoError(t, m.Open(context.Background(), "abc"))
	sc := e.conn(t)
	e.next(t) // session message

	// hold the writer so Close parks on the EOF write
	m.writeMu.Lock()
	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sc.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitDone(t, m)
	m.writeMu.Unlock()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, StateClosed, m.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, seen)
}

func TestDialFailureMovesToErrored(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	srv.Close()

	var mu sync.Mutex
	var seen []State
	m := New(Options{
		URL:    addr,
		Logger: zerolog.Nop(),
		OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	err := m.Open(context.Background(), "abc")
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
	assert.Equal(t, StateErrored, m.State())
	waitDone(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateErrored}, seen)
}

func TestCloseIdleManager(t *testing.T) {
	m := New(Options{URL: "ws://127.0.0.1:1/ws", Logger: zerolog.Nop()})
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	waitDone(t, m)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"http://localhost:8000/?session_id=abc", "ws://localhost:8000/ws"},
		{"https://voice.example.com/app", "wss://voice.example.com/ws"},
		{"http://10.0.0.2", "ws://10.0.0.2/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			u, err := url.Parse(tt.address)
			require.NoError(t, err)
			assert.Equal(t, tt.want, EndpointURL(u))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "errored", StateErrored.String())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateClosing.Terminal())
}
