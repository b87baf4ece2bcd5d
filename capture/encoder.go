// Package capture reads microphone frames and streams them as PCM16.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/metrics"
)

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 4096
)

// ErrAlreadyStarted is returned by Start on a running encoder
var ErrAlreadyStarted = errors.New("capture already started")

// PermissionDeniedError reports that the audio input could not be acquired
type PermissionDeniedError struct {
	Err error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// Source opens audio input streams
type Source interface {
	Open(sampleRate, frameSize int) (Stream, error)
}

// Stream yields mono float32 frames. Read blocks until a frame is ready and
// fails once the stream was aborted.
type Stream interface {
	Read() ([]float32, error)
	Abort() error
	Close() error
}

// Sender is the outbound side of the connection
type Sender interface {
	Send(frame []byte) error
	IsOpen() bool
}

// Quantize converts a sample to a signed 16-bit integer, clamping to
// [-1, 1]. Negative values scale by 32768, others by 32767.
func Quantize(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodeFrame quantizes samples into little-endian PCM16
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// Options configures an Encoder
type Options struct {
	Source     Source
	Sender     Sender
	SampleRate int
	FrameSize  int
	Logger     zerolog.Logger
	Metrics    *metrics.Client
}

// Encoder pumps frames from a Source to a Sender. An encoder runs once.
type Encoder struct {
	source     Source
	sender     Sender
	sampleRate int
	frameSize  int
	logger     zerolog.Logger
	metrics    *metrics.Client

	mu       sync.Mutex
	stream   Stream
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewEncoder creates an encoder
func NewEncoder(opts Options) *Encoder {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	size := opts.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &Encoder{
		source:     opts.Source,
		sender:     opts.Sender,
		sampleRate: rate,
		frameSize:  size,
		logger:     opts.Logger.With().Str("component", "capture").Logger(),
		metrics:    opts.Metrics,
		done:       make(chan struct{}),
	}
}

// Start acquires the input and begins streaming. It returns a
// PermissionDeniedError when the input cannot be opened.
func (e *Encoder) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	stream, err := e.source.Open(e.sampleRate, e.frameSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("Audio input unavailable")
		return &PermissionDeniedError{Err: err}
	}
	e.stream = stream
	e.started = true

	go e.pump(ctx, stream)
	e.logger.Info().Int("sample_rate", e.sampleRate).Int("frame_size", e.frameSize).Msg("Capture started")
	return nil
}

func (e *Encoder) pump(ctx context.Context, stream Stream) {
	defer close(e.done)

	for {
		samples, err := stream.Read()
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Debug().Err(err).Msg("Capture read ended")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(samples) == 0 {
			continue
		}

		if !e.sender.IsOpen() {
			if e.metrics != nil {
				e.metrics.FramesDropped.Inc()
			}
			continue
		}
		if err := e.sender.Send(EncodeFrame(samples)); err != nil {
			// the connection logs and counts write failures
			continue
		}
		if e.metrics != nil {
			e.metrics.FramesSent.Inc()
		}
	}
}

// Stop releases the input. Safe to call repeatedly and before Start.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		stream := e.stream
		started := e.started
		e.started = true // a stopped encoder cannot be restarted
		e.mu.Unlock()

		if !started || stream == nil {
			return
		}
		if err := stream.Abort(); err != nil {
			e.logger.Debug().Err(err).Msg("Abort failed")
		}
		<-e.done
		if err := stream.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed closing audio input")
		}
		e.logger.Info().Msg("Capture stopped")
	})
}
