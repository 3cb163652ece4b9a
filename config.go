package simplydash

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/proBhavesh/simplydash/audio"
	"github.com/proBhavesh/simplydash/clock"
	"github.com/proBhavesh/simplydash/logging"
)

// AccessMethod distinguishes how the conversation was started.
type AccessMethod string

const (
	AccessInteractive AccessMethod = "interactive"
	AccessEmbedded    AccessMethod = "embedded"
)

// Transport is an open relay connection.
type Transport interface {
	Send(ctx context.Context, v any) error
	Close() error
}

// DialFunc opens a Transport. The default dials a Client.
type DialFunc func(ctx context.Context, rawURL string, opts ClientOptions) (Transport, error)

func dialClient(ctx context.Context, rawURL string, opts ClientOptions) (Transport, error) {
	c, err := Dial(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds every Conversation setting. DefaultConfig enumerates the
// defaults; fields left zero take those defaults.
type Config struct {
	// RelayURL is the relay endpoint, e.g. wss://relay.example.com/.
	// Required.
	RelayURL string

	// AssistantID is sent as the assistantId query parameter. Required.
	AssistantID string

	// UserIdentifier tags telemetry records.
	UserIdentifier string

	// AccessMethod defaults to AccessInteractive.
	AccessMethod AccessMethod

	// Token is sent as a bearer token to the relay when set.
	Token string

	Session SessionConfig

	// DialTimeout bounds the relay connect. Default 30s.
	DialTimeout time.Duration

	// MaxReconnects after an unclean close. Default 3; negative disables reconnects.
	MaxReconnects int

	// ReconnectDelay between reconnect attempts. Default 1s.
	ReconnectDelay time.Duration

	// InterruptDebounce ignores interruptions closer than this to the
	// previous one. Default 1s.
	InterruptDebounce time.Duration

	// CancelSettle is the wait after response.cancel. Default 100ms.
	CancelSettle time.Duration

	// TruncateMaxMs is the exclusive upper bound of a truncation point.
	// Default 200000.
	TruncateMaxMs int64

	// ChunkSize is the number of samples per input_audio_buffer.append. Default 2400.
	ChunkSize int

	// MemoryInterval, MemoryWindow and MemoryGrowthRate configure the heap
	// monitor. Defaults 5s, 6 samples, 1 MiB/s.
	MemoryInterval   time.Duration
	MemoryWindow     int
	MemoryGrowthRate float64

	// Recorder and Player configure the audio pipelines.
	Recorder audio.RecorderConfig
	Player   audio.PlayerConfig

	// Microphone and Speaker back the default pipelines. Microphone is
	// required unless Capture is set; Speaker defaults to audio.NullSpeaker.
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Capture and Playback replace the default pipelines.
	Capture  Capture
	Playback Playback

	// Telemetry receives usage records. Optional.
	Telemetry Telemetry

	// Dial replaces the relay dialer, mainly for tests.
	Dial DialFunc

	Logger *logging.Logger
	Clock  clock.Clock
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	return Config{
		AccessMethod:      AccessInteractive,
		Session:           DefaultSessionConfig(),
		DialTimeout:       30 * time.Second,
		MaxReconnects:     3,
		ReconnectDelay:    time.Second,
		InterruptDebounce: time.Second,
		CancelSettle:      100 * time.Millisecond,
		TruncateMaxMs:     200000,
		ChunkSize:         2400,
		MemoryInterval:    5 * time.Second,
		MemoryWindow:      6,
		MemoryGrowthRate:  1 << 20,
		Recorder:          audio.DefaultRecorderConfig(),
		Player:            audio.DefaultPlayerConfig(),
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.AccessMethod == "" {
		c.AccessMethod = d.AccessMethod
	}
	if c.Session == (SessionConfig{}) {
		c.Session = d.Session
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.InterruptDebounce <= 0 {
		c.InterruptDebounce = d.InterruptDebounce
	}
	if c.CancelSettle <= 0 {
		c.CancelSettle = d.CancelSettle
	}
	if c.TruncateMaxMs <= 0 {
		c.TruncateMaxMs = d.TruncateMaxMs
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MemoryInterval <= 0 {
		c.MemoryInterval = d.MemoryInterval
	}
	if c.MemoryWindow < 2 {
		c.MemoryWindow = d.MemoryWindow
	}
	if c.MemoryGrowthRate <= 0 {
		c.MemoryGrowthRate = d.MemoryGrowthRate
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Dial == nil {
		c.Dial = dialClient
	}
	if c.Recorder.Logger == nil {
		c.Recorder.Logger = c.Logger
	}
	if c.Player.Logger == nil {
		c.Player.Logger = c.Logger
	}
}

// ValidateConfig checks the fields a Conversation cannot default.
func ValidateConfig(cfg Config) error {
	if cfg.RelayURL == "" {
		return NewConfigError("RelayURL", "", "cannot be empty")
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return NewConfigError("RelayURL", cfg.RelayURL, "must be a ws:// or wss:// URL")
	}
	if cfg.AssistantID == "" {
		return NewConfigError("AssistantID", "", "cannot be empty")
	}
	if cfg.Microphone == nil && cfg.Capture == nil {
		return NewConfigError("Microphone", "", "required when Capture is not set")
	}
	switch cfg.AccessMethod {
	case "", AccessInteractive, AccessEmbedded:
	default:
		return NewConfigError("AccessMethod", string(cfg.AccessMethod), "must be interactive or embedded")
	}
	if cfg.DialTimeout < 0 {
		return NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}
	if cfg.TruncateMaxMs < 0 {
		return NewConfigError("TruncateMaxMs", "", "cannot be negative")
	}
	if cfg.Session != (SessionConfig{}) {
		if err := ValidateSession(cfg.Session.Wire()); err != nil {
			return NewConfigError("Session", "", err.Error())
		}
	}
	return nil
}

// connectURL adds the assistantId query parameter to the relay URL.
func (c *Config) connectURL() string {
	u, _ := url.Parse(c.RelayURL)
	q := u.Query()
	q.Set("assistantId", c.AssistantID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}
