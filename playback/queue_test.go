package playback

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/livevoice/metrics"
)

// fakeDecoder blocks each payload until its gate is released. Payloads
// without a gate decode immediately; "bad" fails.
type fakeDecoder struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newFakeDecoder(gated ...string) *fakeDecoder {
	d := &fakeDecoder{gates: make(map[string]chan struct{})}
	for _, g := range gated {
		d.gates[g] = make(chan struct{})
	}
	return d
}

func (d *fakeDecoder) release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.gates[name])
}

func (d *fakeDecoder) Decode(ctx context.Context, data []byte) (*Item, error) {
	name := string(data)
	d.mu.Lock()
	gate := d.gates[name]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if name == "bad" {
		return nil, errors.New("corrupt")
	}
	return &Item{Duration: 10 * time.Millisecond}, nil
}

// fakePlayer records plays and lets the test finish the current item
type fakePlayer struct {
	mu        sync.Mutex
	active    int
	maxActive int
	played    []uint64
	current   func()
	stops     int
}

func (p *fakePlayer) Play(item *Item, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.played = append(p.played, item.Seq)
	p.current = done
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.active = 0
	p.current = nil
}

func (p *fakePlayer) finish() bool {
	p.mu.Lock()
	done := p.current
	p.current = nil
	if done != nil {
		p.active--
	}
	p.mu.Unlock()
	if done == nil {
		return false
	}
	go done()
	return true
}

func (p *fakePlayer) playedSeqs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.played))
	copy(out, p.played)
	return out
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func newTestQueue(d Decoder, p Player, opts ...func(*Options)) *Queue {
	o := Options{Decoder: d, Player: p, Logger: zerolog.Nop(), GraceDelay: 20 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	return NewQueue(o)
}

func waitPlayed(t *testing.T, p *fakePlayer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.playedSeqs()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestNormalizeBase64(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"already padded", "QUJD", "QUJD"},
		{"whitespace", " QU\nJD\tRA ", "QUJDRA=="},
		{"missing one pad", "QUI", "QUI="},
		{"missing two pads", "QQ", "QQ=="},
		{"remainder one", "QUJDR", "QUJDR==="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBase64(tt.in))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	data, err := DecodePayload("QUJDRA")
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), data)

	_, err = DecodePayload("QUJDR")
	assert.Error(t, err)
}

func TestPlaysInArrivalOrder(t *testing.T) {
	dec := newFakeDecoder("A", "B")
	player := &fakePlayer{}
	q := newTestQueue(dec, player)
	defer q.Close()

	require.NoError(t, q.Enqueue(b64("A")))
	require.NoError(t, q.Enqueue(b64("B")))
	require.NoError(t, q.Enqueue(b64("C")))

	// C decodes first but must wait for A and B
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, player.playedSeqs())

	dec.release("A")
	waitPlayed(t, player, 1)
	dec.release("B")

	for i := 2; i <= 3; i++ {
		require.Eventually(t, player.finish, time.Second, 5*time.Millisecond)
		waitPlayed(t, player, i)
	}
	require.Eventually(t, player.finish, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !q.Playing() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint64{0, 1, 2}, player.playedSeqs())
	assert.Equal(t, 1, player.maxActive)
}

func TestDecodeFailureIsSkipped(t *testing.T) {
	player := &fakePlayer{}
	var mu sync.Mutex
	var failed []uint64
	m := metrics.NewClient(prometheus.NewRegistry())
	q := newTestQueue(newFakeDecoder(), player, func(o *Options) {
		o.Metrics = m
		o.OnDecodeError = func(err *DecodeError) {
			mu.Lock()
			failed = append(failed, err.Seq)
			mu.Unlock()
		}
	})
	defer q.Close()

	require.NoError(t, q.Enqueue(b64("A")))
	require.NoError(t, q.Enqueue(b64("bad")))
	require.NoError(t, q.Enqueue(b64("C")))

	waitPlayed(t, player, 1)
	require.Eventually(t, player.finish, time.Second, 5*time.Millisecond)
	waitPlayed(t, player, 2)

	assert.Equal(t, []uint64{0, 2}, player.playedSeqs())
	mu.Lock()
	assert.Equal(t, []uint64{1}, failed)
	mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksDecoded))
}

func TestInvalidBase64DoesNotStallQueue(t *testing.T) {
	player := &fakePlayer{}
	q := newTestQueue(newFakeDecoder(), player)
	defer q.Close()

	err := q.Enqueue("QUJDR")
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, uint64(0), derr.Seq)

	require.NoError(t, q.Enqueue(b64("A")))
	waitPlayed(t, player, 1)
	assert.Equal(t, []uint64{1}, player.playedSeqs())
}

func TestEmptyPayloadIgnored(t *testing.T) {
	player := &fakePlayer{}
	q := newTestQueue(newFakeDecoder(), player)
	defer q.Close()

	require.NoError(t, q.Enqueue(""))
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Playing())
}

func TestMinStartWaitsForCompletion(t *testing.T) {
	player := &fakePlayer{}
	q := newTestQueue(newFakeDecoder(), player, func(o *Options) { o.MinStartItems = 2 })
	defer q.Close()

	require.NoError(t, q.Enqueue(b64("A")))
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, player.playedSeqs())

	q.Complete()
	waitPlayed(t, player, 1)
	assert.Equal(t, 0, q.Len())
}

func TestMinStartReached(t *testing.T) {
	player := &fakePlayer{}
	q := newTestQueue(newFakeDecoder(), player, func(o *Options) { o.MinStartItems = 2 })
	defer q.Close()

	require.NoError(t, q.Enqueue(b64("A")))
	require.NoError(t, q.Enqueue(b64("B")))
	waitPlayed(t, player, 1)
	assert.Equal(t, 1, q.Len())
}

func TestResetStopsAndDiscards(t *testing.T) {
	dec := newFakeDecoder("B")
	player := &fakePlayer{}
	q := newTestQueue(dec, player)
	defer q.Close()

	require.NoError(t, q.Enqueue(b64("A")))
	waitPlayed(t, player, 1)
	require.NoError(t, q.Enqueue(b64("B")))

	q.Reset()
	assert.False(t, q.Playing())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, player.stops)

	// B finishes decoding after the reset and must not play
	dec.release("B")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint64{0}, player.playedSeqs())

	require.NoError(t, q.Enqueue(b64("C")))
	waitPlayed(t, player, 2)
	assert.Equal(t, []uint64{0, 2}, player.playedSeqs())
}

func TestEnqueueAfterClose(t *testing.T) {
	q := newTestQueue(newFakeDecoder(), &fakePlayer{})
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(b64("A")), ErrClosed)
}

func wavBytes(t *testing.T, sampleRate, samples int) []byte {
	t.Helper()
	var buf bytes.Buffer
	dataLen := uint32(samples * 2)
	write := func(v any) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }

	buf.WriteString("RIFF")
	write(36 + dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1)) // PCM
	write(uint16(1)) // mono
	write(uint32(sampleRate))
	write(uint32(sampleRate * 2))
	write(uint16(2))
	write(uint16(16))
	buf.WriteString("data")
	write(dataLen)
	for i := 0; i < samples; i++ {
		write(int16(i * 10))
	}
	return buf.Bytes()
}

func TestBeepDecoderWAV(t *testing.T) {
	item, err := BeepDecoder{}.Decode(context.Background(), wavBytes(t, 24000, 240))
	require.NoError(t, err)
	assert.Equal(t, 240, item.Buffer.Len())
	assert.Equal(t, 10*time.Millisecond, item.Duration)
	assert.EqualValues(t, 24000, item.Format.SampleRate)
	assert.Equal(t, 1, item.Format.NumChannels)
}

func TestBeepDecoderUnsupported(t *testing.T) {
	_, err := BeepDecoder{}.Decode(context.Background(), []byte("plain text"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
