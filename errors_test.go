package simplydash

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"config", NewConfigError("RelayURL", "x", "bad"), ErrInvalidConfig, `"RelayURL"`},
		{"transport", NewTransportError("wss://r", "dial", errBoom, true), ErrConnectionFailed, "dial failed"},
		{"event", NewEventError("response.done", []byte("{"), errBoom), ErrInvalidEventData, "response.done"},
		{"send timeout", NewSendError("session.update", "evt_1", ErrSendTimeout), ErrSendTimeout, "evt_1"},
		{"terminal", &TerminalError{Code: CodeTransportLost, Message: "lost", Cause: NewTransportError("u", "reconnect", errBoom, false)}, ErrConnectionFailed, "transport_lost"},
		{"step", &StepError{Step: StepFlushing, Cause: errBoom}, errBoom, "flushing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("%v does not match %v", tt.err, tt.sentinel)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("%q does not mention %q", tt.err.Error(), tt.contains)
			}
		})
	}
}

func TestSendError_IsTimeout(t *testing.T) {
	if !NewSendError("x", "", ErrSendTimeout).IsTimeout() {
		t.Error("timeout not detected")
	}
	if NewSendError("x", "", errBoom).IsTimeout() {
		t.Error("plain error reported as timeout")
	}
}

func TestInterruptResult_Err(t *testing.T) {
	if (InterruptResult{}).Err() != nil {
		t.Error("empty result has an error")
	}
	r := InterruptResult{Errors: []*StepError{{Step: StepTruncating, Cause: errBoom}}}
	var se *StepError
	if !errors.As(r.Err(), &se) || se.Step != StepTruncating {
		t.Errorf("Err() = %v", r.Err())
	}
}
