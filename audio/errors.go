package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by pipeline operations before Begin/Connect
	// or after End/Disconnect.
	ErrNotConnected = errors.New("audio: pipeline not connected")

	// ErrContextClosed is returned when posting to a closed audio context.
	ErrContextClosed = errors.New("audio: context closed")

	// ErrInvalidState is returned for out-of-order lifecycle calls.
	ErrInvalidState = errors.New("audio: invalid state for operation")

	// ErrAckTimeout matches every AckTimeoutError.
	ErrAckTimeout = errors.New("audio: acknowledgement timeout")

	// ErrAudioInit matches every InitError.
	ErrAudioInit = errors.New("audio: initialization failed")
)

// Stage names the step of pipeline acquisition that failed.
type Stage string

const (
	StageDevice  Stage = "device"
	StageContext Stage = "context"
	StageModule  Stage = "module"
)

// InitError reports a failed device, context or processing unit acquisition.
// The pipeline is left disconnected.
type InitError struct {
	Stage Stage
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("audio: %s initialization failed: %v", e.Stage, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

func (e *InitError) Is(target error) bool { return target == ErrAudioInit }

// AckTimeoutError is returned when the audio thread does not acknowledge a
// command within the receipt timeout.
type AckTimeoutError struct {
	Command string
	ID      uint64
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("audio: no receipt for %s command %d", e.Command, e.ID)
}

func (e *AckTimeoutError) Is(target error) bool { return target == ErrAckTimeout }
