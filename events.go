package simplydash

// envelope is used for initial JSON parsing to determine the event type
// before unmarshaling into the specific event struct.
type envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// ErrorEvent represents an error received from the upstream API.
type ErrorEvent struct {
	Type  string `json:"type"` // Always "error"
	Error struct {
		Type    string `json:"type,omitempty"`    // Error category (e.g., "invalid_request_error")
		Code    string `json:"code,omitempty"`    // Machine readable code
		Message string `json:"message,omitempty"` // Human-readable error description
		EventID string `json:"event_id,omitempty"`
	} `json:"error"`
}

// SessionCreated is sent by the server when a new session is established.
type SessionCreated struct {
	Type    string `json:"type"`     // Always "session.created"
	EventID string `json:"event_id"` // Unique identifier for this event
	Session struct {
		ID         string   `json:"id"`                   // Unique session identifier
		Model      string   `json:"model"`                // Model name
		Modalities []string `json:"modalities,omitempty"` // Supported modalities: ["text", "audio"]
		Voice      string   `json:"voice,omitempty"`      // Voice used for audio responses
		ExpiresAt  int64    `json:"expires_at,omitempty"` // Session expiration timestamp (Unix)
	} `json:"session"`
}

// ConversationCreated carries the server-assigned conversation id.
type ConversationCreated struct {
	Type         string `json:"type"` // Always "conversation.created"
	EventID      string `json:"event_id"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// RateLimit is one rate limit snapshot.
type RateLimit struct {
	Name         string  `json:"name"`          // "requests" or "tokens"
	Limit        int     `json:"limit"`         // Maximum allowed per time window
	Remaining    int     `json:"remaining"`     // Remaining quota in current window
	ResetSeconds float64 `json:"reset_seconds"` // Seconds until quota resets
}

// RateLimitsUpdated provides current rate limiting information.
type RateLimitsUpdated struct {
	Type       string      `json:"type"` // Always "rate_limits.updated"
	RateLimits []RateLimit `json:"rate_limits"`
}

// ResponseAudioDelta contains incremental audio data from the assistant.
// Audio is base64-encoded PCM16 at 24kHz.
type ResponseAudioDelta struct {
	Type         string `json:"type"`          // Always "response.audio.delta"
	ResponseID   string `json:"response_id"`   // Unique identifier for the response
	ItemID       string `json:"item_id"`       // Identifier for the content item
	OutputIndex  int    `json:"output_index"`  // Index of this output in the response
	ContentIndex int    `json:"content_index"` // Index of this content within the output
	DeltaBase64  string `json:"delta"`         // Base64-encoded PCM16 audio data
}

// ResponseAudioTranscriptDelta contains incremental transcript of audio response.
type ResponseAudioTranscriptDelta struct {
	Type         string `json:"type"`          // Always "response.audio_transcript.delta"
	ResponseID   string `json:"response_id"`   // The ID of the response
	ItemID       string `json:"item_id"`       // The ID of the item
	ContentIndex int    `json:"content_index"` // The index of the content part
	Delta        string `json:"delta"`         // The incremental transcript text
}

// ResponseTextDelta contains incremental text content from the assistant.
type ResponseTextDelta struct {
	Type       string `json:"type"` // Always "response.text.delta"
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// InputAudioBufferSpeechStarted is sent when server VAD detects user speech.
type InputAudioBufferSpeechStarted struct {
	Type         string `json:"type"`           // Always "input_audio_buffer.speech_started"
	EventID      string `json:"event_id"`       // Unique identifier for this event
	AudioStartMs int    `json:"audio_start_ms"` // Milliseconds from the beginning of the input audio buffer
	ItemID       string `json:"item_id"`        // The ID of the user message item that will be created
}

// ConversationItemCreated indicates that a conversation item has been created.
type ConversationItemCreated struct {
	Type           string   `json:"type"`             // Always "conversation.item.created"
	EventID        string   `json:"event_id"`         // Unique identifier for this event
	PreviousItemID string   `json:"previous_item_id"` // The ID of the preceding item
	Item           wireItem `json:"item"`
}

// ConversationItemInputAudioTranscriptionCompleted indicates that transcription of user audio is complete.
type ConversationItemInputAudioTranscriptionCompleted struct {
	Type         string `json:"type"` // Always "conversation.item.input_audio_transcription.completed"
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

// ConversationItemTruncated confirms a truncate request.
type ConversationItemTruncated struct {
	Type         string `json:"type"` // Always "conversation.item.truncated"
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// ResponseOutputItemAdded indicates that a new output item has been added to the response.
type ResponseOutputItemAdded struct {
	Type        string   `json:"type"`        // Always "response.output_item.added"
	ResponseID  string   `json:"response_id"` // The ID of the response
	OutputIndex int      `json:"output_index"`
	Item        wireItem `json:"item"`
}

// ResponseUsage reports token consumption for one response.
type ResponseUsage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResponseObject is the response resource carried by response.created and response.done.
type ResponseObject struct {
	ID     string         `json:"id"`
	Status string         `json:"status"` // "in_progress", "completed", "cancelled", "failed", "incomplete"
	Usage  *ResponseUsage `json:"usage,omitempty"`
}

// ResponseCreated indicates that a response has been created.
type ResponseCreated struct {
	Type     string         `json:"type"` // Always "response.created"
	Response ResponseObject `json:"response"`
}

// ResponseDone indicates that a response is complete.
type ResponseDone struct {
	Type     string         `json:"type"` // Always "response.done"
	Response ResponseObject `json:"response"`
}

// wireItem is a conversation item as the server sends it.
type wireItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	Content []struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		Transcript string `json:"transcript,omitempty"`
	} `json:"content"`
}

// Client event payloads.

type sessionUpdateEvent struct {
	Type    string  `json:"type"` // "session.update"
	EventID string  `json:"event_id,omitempty"`
	Session Session `json:"session"`
}

type audioAppendEvent struct {
	Type    string `json:"type"` // "input_audio_buffer.append"
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

type responseCancelEvent struct {
	Type    string `json:"type"` // "response.cancel"
	EventID string `json:"event_id,omitempty"`
}

type truncateEvent struct {
	Type         string `json:"type"` // "conversation.item.truncate"
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type responseCreateEvent struct {
	Type     string                `json:"type"` // "response.create"
	EventID  string                `json:"event_id,omitempty"`
	Response CreateResponseOptions `json:"response"`
}

// Client event types.
const (
	EventSessionUpdate  = "session.update"
	EventAudioAppend    = "input_audio_buffer.append"
	EventAudioCommit    = "input_audio_buffer.commit"
	EventAudioClear     = "input_audio_buffer.clear"
	EventResponseCreate = "response.create"
	EventResponseCancel = "response.cancel"
	EventItemTruncate   = "conversation.item.truncate"
)

// eventType extracts the type of an outgoing payload for logging.
func eventType(v any) string {
	switch e := v.(type) {
	case *sessionUpdateEvent:
		return e.Type
	case *audioAppendEvent:
		return e.Type
	case *responseCancelEvent:
		return e.Type
	case *truncateEvent:
		return e.Type
	case *responseCreateEvent:
		return e.Type
	case map[string]any:
		if t, ok := e["type"].(string); ok {
			return t
		}
	}
	return "unknown"
}
