package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientConfig holds the voice client configuration
type ClientConfig struct {
	ServerURL      string // address of the endpoint, may carry session_id
	AddressFile    string // persisted address, keeps the session across restarts
	SampleRate     int
	FrameSize      int
	PlaybackRate   int
	PlaybackBuffer time.Duration
	MinStartItems  int
	GraceDelay     time.Duration
	GeminiAPIKey   string // submitted to /set_keys before starting when set
	RequireKeys    bool
	MetricsAddr    string // serve /metrics when set
	LogLevel       string
}

// LoadClientConfig loads the client configuration. path is an optional YAML
// file; without it livevoice.yaml in the working directory is used if present.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v := newViper()

	v.SetDefault("SERVER_URL", "http://localhost:8000/")
	v.SetDefault("ADDRESS_FILE", ".livevoice_address")
	v.SetDefault("SAMPLE_RATE", 16000)
	v.SetDefault("FRAME_SIZE", 4096)
	v.SetDefault("PLAYBACK_RATE", 24000)
	v.SetDefault("PLAYBACK_BUFFER", "100ms")
	v.SetDefault("MIN_START_ITEMS", 1)
	v.SetDefault("GRACE_DELAY", "300ms")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("REQUIRE_KEYS", false)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")

	if err := readFile(v, path, "livevoice"); err != nil {
		return nil, err
	}

	config := &ClientConfig{
		ServerURL:    strings.TrimSpace(v.GetString("SERVER_URL")),
		AddressFile:  v.GetString("ADDRESS_FILE"),
		GeminiAPIKey: strings.TrimSpace(v.GetString("GEMINI_API_KEY")),
		RequireKeys:  v.GetBool("REQUIRE_KEYS"),
		MetricsAddr:  v.GetString("METRICS_ADDR"),
		LogLevel:     v.GetString("LOG_LEVEL"),
	}

	u, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid SERVER_URL: scheme must be http or https")
	}

	if config.SampleRate, err = intValue(v, "SAMPLE_RATE"); err != nil {
		return nil, err
	}
	if config.FrameSize, err = intValue(v, "FRAME_SIZE"); err != nil {
		return nil, err
	}
	if config.PlaybackRate, err = intValue(v, "PLAYBACK_RATE"); err != nil {
		return nil, err
	}
	if config.MinStartItems, err = intValue(v, "MIN_START_ITEMS"); err != nil {
		return nil, err
	}
	if config.PlaybackBuffer, err = durationValue(v, "PLAYBACK_BUFFER"); err != nil {
		return nil, err
	}
	if config.GraceDelay, err = durationValue(v, "GRACE_DELAY"); err != nil {
		return nil, err
	}

	for key, n := range map[string]int{
		"SAMPLE_RATE":     config.SampleRate,
		"FRAME_SIZE":      config.FrameSize,
		"PLAYBACK_RATE":   config.PlaybackRate,
		"MIN_START_ITEMS": config.MinStartItems,
	} {
		if n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", key)
		}
	}
	return config, nil
}
