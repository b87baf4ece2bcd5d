package capture

import (
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// PortAudioSource opens the default input device
type PortAudioSource struct {
	logger zerolog.Logger
}

// NewPortAudioSource creates a source backed by the default input device
func NewPortAudioSource(logger zerolog.Logger) *PortAudioSource {
	return &PortAudioSource{logger: logger.With().Str("component", "portaudio").Logger()}
}

func (s *PortAudioSource) Open(sampleRate, frameSize int) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}
	return &portAudioStream{stream: stream, buf: buf, logger: s.logger}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32
	logger zerolog.Logger

	mu      sync.Mutex
	aborted bool
	closed  bool
}

var errAborted = errors.New("stream aborted")

func (p *portAudioStream) Read() ([]float32, error) {
	p.mu.Lock()
	aborted := p.aborted
	p.mu.Unlock()
	if aborted {
		return nil, errAborted
	}

	if err := p.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			p.logger.Warn().Msg("Input overflowed")
		} else {
			return nil, err
		}
	}
	frame := make([]float32, len(p.buf))
	copy(frame, p.buf)
	return frame, nil
}

func (p *portAudioStream) Abort() error {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return nil
	}
	p.aborted = true
	p.mu.Unlock()
	return p.stream.Abort()
}

func (p *portAudioStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
