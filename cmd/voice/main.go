// Package main provides the voice client CLI.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/room4-2/livevoice/capture"
	"github.com/room4-2/livevoice/client"
	"github.com/room4-2/livevoice/config"
	"github.com/room4-2/livevoice/display"
	"github.com/room4-2/livevoice/identity"
	"github.com/room4-2/livevoice/logging"
	"github.com/room4-2/livevoice/metrics"
	"github.com/room4-2/livevoice/playback"
)

var (
	version = "dev"

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

type flags struct {
	configPath string
	address    string
	skipKeys   bool
	verbose    bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:     "voice",
		Short:   "Talk to the assistant through your microphone",
		Long:    titleStyle.Render("livevoice") + "\n\nStreams microphone audio to the endpoint and plays the spoken answer.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVoice(cmd.Context(), f)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to a livevoice.yaml config file")
	rootCmd.PersistentFlags().StringVar(&f.address, "address", "", "endpoint address, overrides SERVER_URL")
	rootCmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&f.skipKeys, "skip-keys", false, "keys were already submitted for this session (see 'voice keys'); do not submit GEMINI_API_KEY")

	keysCmd := &cobra.Command{
		Use:   "keys [gemini-key]",
		Short: "Submit the Gemini key for this session to the endpoint",
		Long: "Submit the Gemini key for this session to the endpoint.\n\n" +
			"The endpoint keeps it under the session id stored in ADDRESS_FILE, so a later\n" +
			"'voice --skip-keys' run reuses it even when REQUIRE_KEYS is set.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runKeys(cmd.Context(), f, key)
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(keysCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.ClientConfig, zerolog.Logger, error) {
	cfg, err := config.LoadClientConfig(f.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if f.verbose {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, Console: true, App: "livevoice"})
	return cfg, logger, nil
}

func location(cfg *config.ClientConfig, f flags) *identity.FileLocation {
	fallback := cfg.ServerURL
	if f.address != "" {
		fallback = f.address
	}
	return &identity.FileLocation{Path: cfg.AddressFile, Fallback: fallback}
}

func newSession(cfg *config.ClientConfig, f flags, logger zerolog.Logger, player playback.Player, m *metrics.Client) (*client.Session, error) {
	return client.New(client.Options{
		Location:      location(cfg, f),
		Source:        capture.NewPortAudioSource(logger),
		Player:        player,
		Surface:       display.NewConsole(os.Stdout),
		SampleRate:    cfg.SampleRate,
		FrameSize:     cfg.FrameSize,
		MinStartItems: cfg.MinStartItems,
		GraceDelay:    cfg.GraceDelay,
		RequireKeys:   cfg.RequireKeys,
		Logger:        logger,
		Metrics:       m,
	})
}

func runKeys(ctx context.Context, f flags, key string) error {
	cfg, logger, err := loadConfig(f)
	if err != nil {
		return err
	}
	if key == "" {
		key = cfg.GeminiAPIKey
	}

	sess, err := newSession(cfg, f, logger, nopPlayer{}, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.SubmitKeys(ctx, client.Keys{Gemini: key}); err != nil {
		return err
	}
	fmt.Println(dimStyle.Render("Keys accepted for session " + sess.ID()))
	return nil
}

func runVoice(ctx context.Context, f flags) error {
	cfg, logger, err := loadConfig(f)
	if err != nil {
		return err
	}

	var m *metrics.Client
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewClient(reg)
		go serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	spk, err := playback.NewSpeaker(cfg.PlaybackRate, cfg.PlaybackBuffer)
	if err != nil {
		return fmt.Errorf("failed to open speaker: %w", err)
	}
	defer spk.Close()

	sess, err := newSession(cfg, f, logger, spk, m)
	if err != nil {
		return err
	}
	defer sess.Close()

	switch {
	case f.skipKeys:
		sess.MarkKeysSubmitted()
	case cfg.GeminiAPIKey != "":
		if err := sess.SubmitKeys(ctx, client.Keys{Gemini: cfg.GeminiAPIKey}); err != nil {
			return err
		}
	}

	fmt.Println(dimStyle.Render("enter: start/stop   c: cancel   q: quit"))
	if err := sess.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start")
	}

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-commands:
			if !ok {
				return nil
			}
			switch line {
			case "q", "quit":
				return nil
			case "c", "cancel":
				sess.Cancel()
			default:
				if sess.Running() {
					sess.Stop()
					continue
				}
				if err := sess.Start(ctx); err != nil {
					logger.Error().Err(err).Msg("Failed to start")
				}
			}
		}
	}
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
	}
}

// nopPlayer lets the keys command build a session without opening the speaker
type nopPlayer struct{}

func (nopPlayer) Play(_ *playback.Item, done func()) error {
	go done()
	return nil
}

func (nopPlayer) Stop() {}
