package simplydash

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/proBhavesh/simplydash/audio"
)

// maxAppendBytes caps one input_audio_buffer.append payload.
const maxAppendBytes = 1 << 20

// AppendPCM16 sends samples to the assistant's input audio buffer.
// The audio should be 16-bit PCM at 24kHz.
func (c *Client) AppendPCM16(ctx context.Context, pcm []int16) error {
	ev, err := newAppendEvent(pcm)
	if err != nil || ev == nil {
		return err
	}
	return c.Send(ctx, ev)
}

func newAppendEvent(pcm []int16) (*audioAppendEvent, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)*2 > maxAppendBytes {
		return nil, NewSendError(EventAudioAppend, "",
			fmt.Errorf("PCM data too large (%d bytes), maximum is %d bytes", len(pcm)*2, maxAppendBytes))
	}
	return &audioAppendEvent{
		Type:  EventAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(pcm)),
	}, nil
}

// InputCommit signals that the current audio input is complete and ready for processing.
func (c *Client) InputCommit(ctx context.Context) error {
	return c.Send(ctx, map[string]any{"type": EventAudioCommit})
}

// InputClear removes all audio data from the input buffer.
func (c *Client) InputClear(ctx context.Context) error {
	return c.Send(ctx, map[string]any{"type": EventAudioClear})
}

// decodeAudioDelta returns the samples carried by a response.audio.delta.
func decodeAudioDelta(e ResponseAudioDelta) ([]int16, error) {
	if e.DeltaBase64 == "" {
		return nil, errors.New("empty audio delta")
	}
	b, err := base64.StdEncoding.DecodeString(e.DeltaBase64)
	if err != nil {
		return nil, err
	}
	return audio.BytesToPCM16(b)
}
