package simplydash

import (
	"context"
	"errors"
	"fmt"
)

// SessionConfig is the per-conversation voice configuration. It is
// consumed by value; DefaultSessionConfig lists every default.
type SessionConfig struct {
	// Voice is the synthesized voice identity.
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// VADThreshold is the server voice activity sensitivity (0.0-1.0).
	VADThreshold float64

	// PrefixPaddingMS is audio kept before detected speech.
	PrefixPaddingMS int

	// SilenceDurationMS is the silence that ends a user turn.
	SilenceDurationMS int

	// Temperature is the sampling temperature (0.6-1.2 for realtime models).
	Temperature float64

	// TranscriptionModel enables input transcription when non-empty.
	TranscriptionModel string
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Voice:              "alloy",
		VADThreshold:       0.5,
		PrefixPaddingMS:    300,
		SilenceDurationMS:  500,
		Temperature:        0.8,
		TranscriptionModel: "whisper-1",
	}
}

// Session is the wire form of a session.update payload.
type Session struct {
	// Voice specifies which voice to use for audio responses.
	Voice *string `json:"voice,omitempty"`

	// Instructions provide system-level guidance to the assistant.
	Instructions *string `json:"instructions,omitempty"`

	// Modalities lists the output types, e.g. ["text", "audio"].
	Modalities []string `json:"modalities,omitempty"`

	// InputAudioFormat and OutputAudioFormat are always "pcm16" here.
	InputAudioFormat  *string `json:"input_audio_format,omitempty"`
	OutputAudioFormat *string `json:"output_audio_format,omitempty"`

	// InputTranscription configures automatic transcription of user audio input.
	InputTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`

	// TurnDetection configures when the assistant should start/stop responding.
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
}

// InputTranscription configures automatic speech recognition for user input.
type InputTranscription struct {
	Model string `json:"model,omitempty"` // Transcription model to use
}

// TurnDetection configures voice activity detection and response timing.
type TurnDetection struct {
	Type              string  `json:"type"`                          // "server_vad" for server-side voice activity detection
	Threshold         float64 `json:"threshold,omitempty"`           // Voice activity detection sensitivity (0.0-1.0)
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`   // Audio included before speech starts (ms)
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"` // Silence duration to trigger end of turn (ms)
}

// Wire converts the configuration to a session.update payload.
func (s SessionConfig) Wire() Session {
	pcm := "pcm16"
	out := Session{
		Voice:             Ptr(s.Voice),
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  &pcm,
		OutputAudioFormat: &pcm,
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         s.VADThreshold,
			PrefixPaddingMS:   s.PrefixPaddingMS,
			SilenceDurationMS: s.SilenceDurationMS,
		},
		Temperature: Ptr(s.Temperature),
	}
	if s.Instructions != "" {
		out.Instructions = Ptr(s.Instructions)
	}
	if s.TranscriptionModel != "" {
		out.InputTranscription = &InputTranscription{Model: s.TranscriptionModel}
	}
	return out
}

// SessionUpdate sends a session configuration update.
func (c *Client) SessionUpdate(ctx context.Context, s Session) error {
	if err := ValidateSession(s); err != nil {
		return NewSendError(EventSessionUpdate, "", err)
	}
	return c.Send(ctx, newSessionUpdateEvent(s))
}

func newSessionUpdateEvent(s Session) *sessionUpdateEvent {
	return &sessionUpdateEvent{Type: EventSessionUpdate, EventID: newEventID(), Session: s}
}

var validVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ValidateSession performs validation on session configuration.
func ValidateSession(s Session) error {
	if s.Voice != nil {
		valid := false
		for _, v := range validVoices {
			if *s.Voice == v {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid voice %q, must be one of: %v", *s.Voice, validVoices)
		}
	}

	for _, f := range []*string{s.InputAudioFormat, s.OutputAudioFormat} {
		if f != nil && *f != "pcm16" {
			return fmt.Errorf("unsupported audio format %q, only pcm16 is supported", *f)
		}
	}

	if s.TurnDetection != nil {
		if s.TurnDetection.Type == "" {
			return errors.New("turn detection type cannot be empty")
		}
		if s.TurnDetection.Type != "server_vad" {
			return fmt.Errorf("invalid turn detection type %q, must be 'server_vad'", s.TurnDetection.Type)
		}
		if s.TurnDetection.Threshold < 0.0 || s.TurnDetection.Threshold > 1.0 {
			return fmt.Errorf("turn detection threshold must be between 0.0 and 1.0, got %f", s.TurnDetection.Threshold)
		}
		if s.TurnDetection.PrefixPaddingMS < 0 {
			return fmt.Errorf("prefix padding must be non-negative, got %d", s.TurnDetection.PrefixPaddingMS)
		}
		if s.TurnDetection.SilenceDurationMS < 0 {
			return fmt.Errorf("silence duration must be non-negative, got %d", s.TurnDetection.SilenceDurationMS)
		}
	}

	if s.Temperature != nil && (*s.Temperature < 0.6 || *s.Temperature > 1.2) {
		return fmt.Errorf("temperature must be between 0.6 and 1.2, got %f", *s.Temperature)
	}

	if s.Instructions != nil && len(*s.Instructions) > 10000 {
		return fmt.Errorf("instructions too long (%d characters), maximum is 10000", len(*s.Instructions))
	}

	return nil
}
