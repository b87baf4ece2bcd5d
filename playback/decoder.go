package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// ErrUnsupportedFormat is returned for payloads that are neither WAV nor MP3
var ErrUnsupportedFormat = errors.New("unsupported audio container")

// Item is one decoded, playable audio chunk
type Item struct {
	Seq      uint64
	Format   beep.Format
	Buffer   *beep.Buffer
	Duration time.Duration
}

// Decoder turns an encoded audio chunk into a playable Item
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*Item, error)
}

// DecodeError reports a chunk that could not be decoded. The chunk is skipped.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio chunk %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BeepDecoder decodes WAV and MP3 chunks fully into memory
type BeepDecoder struct{}

func (BeepDecoder) Decode(ctx context.Context, data []byte) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	switch sniff(data) {
	case "wav":
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	case "mp3":
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, err
	}
	return &Item{
		Format:   format,
		Buffer:   buf,
		Duration: format.SampleRate.D(buf.Len()),
	}, nil
}

func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return ""
	}
}
