package playback

import (
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Player renders Items on the audio output. Play must not block; done is
// called once when the item finished. A stopped item may never report done.
type Player interface {
	Play(item *Item, done func()) error
	Stop()
}

// Speaker plays through the default output device
type Speaker struct {
	rate beep.SampleRate

	mu     sync.Mutex
	inited bool
}

// NewSpeaker creates a player with the given output rate and buffer length
func NewSpeaker(sampleRate int, buffer time.Duration) (*Speaker, error) {
	rate := beep.SampleRate(sampleRate)
	if err := speaker.Init(rate, rate.N(buffer)); err != nil {
		return nil, err
	}
	return &Speaker{rate: rate, inited: true}, nil
}

// Play starts the item, resampled to the device rate, and calls done when it ends
func (s *Speaker) Play(item *Item, done func()) error {
	var streamer beep.Streamer = item.Buffer.Streamer(0, item.Buffer.Len())
	if item.Format.SampleRate != s.rate {
		streamer = beep.Resample(4, item.Format.SampleRate, s.rate, streamer)
	}
	// done runs on its own goroutine so it never holds the speaker lock
	speaker.Play(beep.Seq(streamer, beep.Callback(func() { go done() })))
	return nil
}

// Stop silences whatever is playing
func (s *Speaker) Stop() {
	speaker.Clear()
}

// Close releases the output device
func (s *Speaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return
	}
	s.inited = false
	speaker.Clear()
	speaker.Close()
}
