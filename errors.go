package simplydash

import (
	"errors"
	"fmt"
)

// Common error variables
var (
	// ErrClosed is returned when attempting to use a client that has been closed.
	// Create a new client to resume operations.
	ErrClosed = errors.New("simplydash: connection is closed")

	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("simplydash: invalid configuration")

	// ErrConnectionFailed is returned when the relay connection cannot be established.
	ErrConnectionFailed = errors.New("simplydash: connection failed")

	// ErrSendTimeout is returned when sending a message times out.
	ErrSendTimeout = errors.New("simplydash: send timeout")

	// ErrInvalidEventData is returned when event data cannot be parsed.
	ErrInvalidEventData = errors.New("simplydash: invalid event data")

	// ErrNotConnected is returned by operations that need a live conversation.
	ErrNotConnected = errors.New("simplydash: conversation is not connected")

	// ErrAlreadyConnected is returned by ConnectConversation while a
	// conversation is connecting, connected or disconnecting.
	ErrAlreadyConnected = errors.New("simplydash: conversation is already connected")
)

// ConfigError represents a configuration validation error.
// It provides detailed information about which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("simplydash: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("simplydash: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// TransportError represents a failure of the connection to the relay.
type TransportError struct {
	URL       string // Relay URL with credentials removed
	Operation string // "dial", "read" or "reconnect"
	Cause     error
	// Retryable is true for failures the orchestrator may retry.
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("simplydash: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("simplydash: %s failed for %q", e.Operation, e.URL)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// SendError represents an error that occurred while sending an event.
type SendError struct {
	EventType string // The type of event being sent
	EventID   string // The event ID (if available)
	Cause     error  // The underlying error
}

func (e *SendError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("simplydash: failed to send %s event %q: %v", e.EventType, e.EventID, e.Cause)
	}
	return fmt.Sprintf("simplydash: failed to send %s event: %v", e.EventType, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *SendError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrSendTimeout)
}

// EventError represents an error in processing an event from the relay.
type EventError struct {
	EventType string // The type of event that caused the error
	RawData   []byte // The raw JSON data (if available)
	Cause     error  // The underlying parsing error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("simplydash: failed to process %s event: %v", e.EventType, e.Cause)
}

func (e *EventError) Unwrap() error {
	return e.Cause
}

func (e *EventError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// Terminal error codes.
const (
	CodeTransportLost = "transport_lost"
	CodeConnectFailed = "connect_failed"
	CodeAudioInit     = "audio_init"
)

// TerminalError ends a conversation. Message is shown to the user; Code
// and Cause are kept for diagnostics.
type TerminalError struct {
	Code    string
	Message string
	Cause   error
}

func (e *TerminalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("simplydash: %s (%s): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("simplydash: %s (%s)", e.Message, e.Code)
}

func (e *TerminalError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewTransportError creates a new transport error.
func NewTransportError(url, operation string, cause error, retryable bool) *TransportError {
	return &TransportError{
		URL:       url,
		Operation: operation,
		Cause:     cause,
		Retryable: retryable,
	}
}

// NewSendError creates a new send error.
func NewSendError(eventType, eventID string, cause error) *SendError {
	return &SendError{
		EventType: eventType,
		EventID:   eventID,
		Cause:     cause,
	}
}

// NewEventError creates a new event processing error.
func NewEventError(eventType string, rawData []byte, cause error) *EventError {
	return &EventError{
		EventType: eventType,
		RawData:   rawData,
		Cause:     cause,
	}
}
