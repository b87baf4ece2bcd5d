package main

import (
	"context"
	"os"
	"time"

	"github.com/room4-2/livevoice/gemini"
	"github.com/room4-2/livevoice/logging"
)

// Sends one text turn to Gemini Live and logs what comes back.
func main() {
	logger := logging.New(logging.Config{Level: "debug", Console: true, App: "test-text"})

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		logger.Fatal().Msg("GEMINI_API_KEY not set")
	}

	done := make(chan struct{}, 1)
	ctx := context.Background()
	proxy, err := gemini.Dial(ctx, gemini.Options{APIKey: apiKey, Logger: logger},
		"You are a helpful assistant. Keep responses brief.",
		gemini.Handlers{
			OnAudio: func(pcm []byte) {
				logger.Info().Int("bytes", len(pcm)).Msg("Received audio")
			},
			OnOutputTranscription: func(text string) {
				logger.Info().Str("text", text).Msg("Received transcript")
			},
			OnComplete: func() {
				logger.Info().Msg("Turn complete")
				select {
				case done <- struct{}{}:
				default:
				}
			},
			OnError: func(err error) {
				logger.Error().Err(err).Msg("Upstream error")
			},
		})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect")
	}
	defer proxy.Close()

	if err := proxy.SendText("Hello! Say hi back in one sentence."); err != nil {
		logger.Fatal().Err(err).Msg("Failed to send text")
	}

	logger.Info().Msg("Waiting for response")
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("Timed out")
	}
}
