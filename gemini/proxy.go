package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Zephyr" // Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr

	// InputMIMEType describes the PCM frames forwarded from clients
	InputMIMEType = "audio/pcm;rate=16000"
)

// ErrNotConnected is returned when sending on a closed or unset session
var ErrNotConnected = errors.New("proxy is closed or not connected")

// Handlers receive upstream events. Any of them may be nil.
type Handlers struct {
	OnAudio               func(pcm []byte) // 24kHz 16-bit mono PCM
	OnText                func(text string)
	OnInputTranscription  func(text string, finished bool)
	OnOutputTranscription func(text string)
	OnInterrupted         func()
	OnComplete            func()
	OnError               func(err error)
}

// Options configures a Proxy
type Options struct {
	APIKey string
	Model  string
	Voice  string
	Logger zerolog.Logger
}

// Proxy manages the connection to Gemini Live API using the official SDK
type Proxy struct {
	client  *genai.Client
	session *genai.Session
	model   string
	voice   string
	logger  zerolog.Logger

	mu       sync.RWMutex
	handlers Handlers
	closed   bool
}

// NewProxy creates the GenAI client. Setup opens the live session.
func NewProxy(ctx context.Context, opts Options) (*Proxy, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	return &Proxy{
		client: client,
		model:  model,
		voice:  voice,
		logger: opts.Logger.With().Str("component", "gemini").Logger(),
	}, nil
}

// Dial creates a proxy, opens the live session and starts receiving
func Dial(ctx context.Context, opts Options, systemPrompt string, h Handlers) (*Proxy, error) {
	gp, err := NewProxy(ctx, opts)
	if err != nil {
		return nil, err
	}
	gp.SetHandlers(h)
	if err := gp.Setup(ctx, systemPrompt); err != nil {
		return nil, err
	}
	gp.StartReceiving()
	return gp, nil
}

// SetHandlers replaces the event handlers
func (gp *Proxy) SetHandlers(h Handlers) {
	gp.mu.Lock()
	gp.handlers = h
	gp.mu.Unlock()
}

// Setup establishes the Live session with audio responses and transcription
// of both directions
func (gp *Proxy) Setup(ctx context.Context, systemPrompt string) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return fmt.Errorf("proxy is closed")
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: systemPrompt},
			},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: gp.voice,
				},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	session, err := gp.client.Live.Connect(ctx, gp.model, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}

	gp.session = session
	gp.logger.Info().Str("model", gp.model).Str("voice", gp.voice).Msg("Connected to Gemini Live")
	return nil
}

// StartReceiving begins listening for Gemini responses
func (gp *Proxy) StartReceiving() {
	go func() {
		for {
			gp.mu.RLock()
			if gp.closed || gp.session == nil {
				gp.mu.RUnlock()
				return
			}
			session := gp.session
			gp.mu.RUnlock()

			// Receive blocks until a message arrives or error occurs
			resp, err := session.Receive()
			if err != nil {
				gp.mu.RLock()
				closed := gp.closed
				h := gp.handlers
				gp.mu.RUnlock()

				if !closed {
					gp.logger.Error().Err(err).Msg("Gemini receive error")
					if h.OnError != nil {
						h.OnError(err)
					}
				}
				return
			}

			gp.handleResponse(resp)
		}
	}()
}

func (gp *Proxy) handleResponse(resp *genai.LiveServerMessage) {
	gp.mu.RLock()
	h := gp.handlers
	gp.mu.RUnlock()

	if resp.GoAway != nil {
		gp.logger.Warn().Msg("Gemini announced disconnect")
	}

	sc := resp.ServerContent
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil && h.OnInputTranscription != nil {
		h.OnInputTranscription(sc.InputTranscription.Text, sc.InputTranscription.Finished)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && h.OnOutputTranscription != nil {
		h.OnOutputTranscription(sc.OutputTranscription.Text)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.Text != "" && !part.Thought && h.OnText != nil {
				h.OnText(part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				gp.logger.Debug().Int("bytes", len(part.InlineData.Data)).Msg("Received audio")
				if h.OnAudio != nil {
					h.OnAudio(part.InlineData.Data)
				}
			}
		}
	}

	if sc.Interrupted && h.OnInterrupted != nil {
		h.OnInterrupted()
	}
	if sc.TurnComplete {
		gp.logger.Debug().Msg("Turn complete")
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}
}

func (gp *Proxy) liveSession() (*genai.Session, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if gp.closed || gp.session == nil {
		return nil, ErrNotConnected
	}
	return gp.session, nil
}

// SendAudio forwards a PCM chunk to Gemini
func (gp *Proxy) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	session, err := gp.liveSession()
	if err != nil {
		return err
	}

	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: InputMIMEType,
			Data:     pcm,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// EndAudio signals that the client stopped streaming, which makes Gemini
// process what it buffered
func (gp *Proxy) EndAudio() error {
	session, err := gp.liveSession()
	if err != nil {
		return err
	}

	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		AudioStreamEnd: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}

	gp.logger.Debug().Msg("Sent audio stream end")
	return nil
}

// SendText sends a complete text turn (useful for testing)
func (gp *Proxy) SendText(text string) error {
	session, err := gp.liveSession()
	if err != nil {
		return err
	}

	turnComplete := true
	err = session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	gp.logger.Debug().Str("text", text).Msg("Sent text")
	return nil
}

// Close terminates the Gemini connection
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
