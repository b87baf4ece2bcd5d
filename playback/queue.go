// Package playback decodes streamed audio chunks and plays them one at a time
// in arrival order.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/metrics"
)

const (
	DefaultMinStartItems = 1
	DefaultGraceDelay    = 300 * time.Millisecond
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("playback queue closed")

// Options configures a Queue
type Options struct {
	Decoder       Decoder
	Player        Player
	MinStartItems int           // items buffered before playback starts
	GraceDelay    time.Duration // wait after the completion signal before flushing
	Logger        zerolog.Logger
	Metrics       *metrics.Client
	OnDecodeError func(err *DecodeError)
}

type decodeResult struct {
	item *Item // nil when decoding failed
}

// Queue is the playback buffer. Chunks decode concurrently but enter the queue
// in arrival order; a chunk that fails to decode is skipped. At most one item
// plays at any time.
type Queue struct {
	decoder       Decoder
	player        Player
	minStart      int
	grace         time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Client
	onDecodeError func(err *DecodeError)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	nextSeq    uint64
	releaseSeq uint64
	pending    map[uint64]decodeResult
	items      []*Item
	playing    bool
	flush      bool // completion grace elapsed, start without waiting for minStart
	generation uint64
	graceTimer *time.Timer
	closed     bool
}

// NewQueue creates an empty queue
func NewQueue(opts Options) *Queue {
	minStart := opts.MinStartItems
	if minStart <= 0 {
		minStart = DefaultMinStartItems
	}
	grace := opts.GraceDelay
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = BeepDecoder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		decoder:       decoder,
		player:        opts.Player,
		minStart:      minStart,
		grace:         grace,
		logger:        opts.Logger.With().Str("component", "playback").Logger(),
		metrics:       opts.Metrics,
		onDecodeError: opts.OnDecodeError,
		ctx:           ctx,
		cancel:        cancel,
		pending:       make(map[uint64]decodeResult),
	}
}

// Enqueue accepts a base64 audio payload. An empty payload is ignored. Base64
// errors are returned directly; container decode errors are reported through
// OnDecodeError once the chunk's turn comes up.
func (q *Queue) Enqueue(payload string) error {
	normalized := NormalizeBase64(payload)
	if normalized == "" {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	seq := q.nextSeq
	q.nextSeq++
	gen := q.generation
	q.mu.Unlock()

	data, err := DecodePayload(normalized)
	if err != nil {
		derr := &DecodeError{Seq: seq, Err: err}
		q.resolve(gen, seq, decodeResult{}, derr)
		return derr
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		start := time.Now()
		item, err := q.decoder.Decode(q.ctx, data)
		if q.metrics != nil {
			q.metrics.DecodeTime.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			q.resolve(gen, seq, decodeResult{}, &DecodeError{Seq: seq, Err: err})
			return
		}
		item.Seq = seq
		q.resolve(gen, seq, decodeResult{item: item}, nil)
	}()
	return nil
}

// resolve records the outcome of chunk seq and releases every chunk that is
// now in order
func (q *Queue) resolve(gen, seq uint64, res decodeResult, derr *DecodeError) {
	if derr != nil {
		if q.metrics != nil {
			q.metrics.DecodeErrors.Inc()
		}
		q.logger.Warn().Err(derr.Err).Uint64("seq", seq).Msg("Dropping undecodable audio chunk")
	} else if q.metrics != nil {
		q.metrics.ChunksDecoded.Inc()
	}

	q.mu.Lock()
	if gen != q.generation || q.closed {
		q.mu.Unlock()
		return
	}
	q.pending[seq] = res
	for {
		r, ok := q.pending[q.releaseSeq]
		if !ok {
			break
		}
		delete(q.pending, q.releaseSeq)
		q.releaseSeq++
		if r.item != nil {
			q.items = append(q.items, r.item)
		}
	}
	q.tryStartLocked(false)
	q.mu.Unlock()

	if derr != nil && q.onDecodeError != nil {
		q.onDecodeError(derr)
	}
}

// Complete signals the end of the current response. Anything still buffered
// starts playing after the grace delay, even below MinStartItems.
func (q *Queue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.graceTimer != nil {
		q.graceTimer.Stop()
	}
	gen := q.generation
	q.graceTimer = time.AfterFunc(q.grace, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if gen != q.generation || q.closed {
			return
		}
		q.flush = true
		q.tryStartLocked(true)
	})
}

func (q *Queue) tryStartLocked(force bool) {
	for !q.playing && len(q.items) > 0 {
		if !force && !q.flush && len(q.items) < q.minStart {
			break
		}
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.playing = true

		gen := q.generation
		var once sync.Once
		err := q.player.Play(item, func() {
			once.Do(func() { q.finished(gen) })
		})
		if err != nil {
			q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("Failed playing audio chunk")
			q.playing = false
			continue
		}
		q.logger.Debug().Uint64("seq", item.Seq).Dur("duration", item.Duration).Msg("Playing audio chunk")
	}
	q.updateDepthLocked()
}

func (q *Queue) finished(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation || q.closed {
		return
	}
	q.playing = false
	if q.metrics != nil {
		q.metrics.ItemsPlayed.Inc()
	}
	if len(q.items) == 0 && len(q.pending) == 0 && q.releaseSeq == q.nextSeq {
		q.flush = false
	}
	q.tryStartLocked(true)
}

// Reset drops everything queued or decoding and stops the current item
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *Queue) resetLocked() {
	q.generation++
	q.items = nil
	q.pending = make(map[uint64]decodeResult)
	q.releaseSeq = q.nextSeq
	q.flush = false
	if q.graceTimer != nil {
		q.graceTimer.Stop()
		q.graceTimer = nil
	}
	if q.playing {
		q.player.Stop()
		q.playing = false
	}
	q.updateDepthLocked()
}

// Close resets the queue and waits for in-flight decodes. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.resetLocked()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Playing reports whether an item is being rendered
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of decoded items waiting to play
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) updateDepthLocked() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.items)))
	}
}
