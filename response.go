package simplydash

import (
	"context"
	"errors"
	"fmt"
)

// CreateResponseOptions configures how the assistant should generate a response.
type CreateResponseOptions struct {
	// Modalities specifies which output types to generate.
	// Supported values: ["text", "audio"]
	Modalities []string `json:"modalities,omitempty"`

	// Instructions provide response-specific guidance, overriding session instructions.
	Instructions string `json:"instructions,omitempty"`

	// Metadata allows attaching custom data to the response for tracking purposes.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateResponse asks the assistant to respond without waiting for server
// VAD. Returns the event id of the request.
func (c *Client) CreateResponse(ctx context.Context, opts CreateResponseOptions) (string, error) {
	if err := ValidateCreateResponseOptions(opts); err != nil {
		return "", NewSendError(EventResponseCreate, "", err)
	}
	id := newEventID()
	return id, c.Send(ctx, &responseCreateEvent{Type: EventResponseCreate, EventID: id, Response: opts})
}

// ValidateCreateResponseOptions validates response creation options.
func ValidateCreateResponseOptions(opts CreateResponseOptions) error {
	for _, m := range opts.Modalities {
		if m != "text" && m != "audio" {
			return fmt.Errorf("invalid modality %q, must be 'text' or 'audio'", m)
		}
	}
	if len(opts.Instructions) > 10000 {
		return fmt.Errorf("instructions too long (%d characters), maximum is 10000", len(opts.Instructions))
	}
	return nil
}

// CancelResponse cancels the in-progress response.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.Send(ctx, newCancelEvent())
}

func newCancelEvent() *responseCancelEvent {
	return &responseCancelEvent{Type: EventResponseCancel, EventID: newEventID()}
}

// TruncateConversationItem tells the server how much of an assistant item
// the user actually heard.
func (c *Client) TruncateConversationItem(ctx context.Context, itemID string, contentIndex int, audioEndMs int64) error {
	if itemID == "" {
		return NewSendError(EventItemTruncate, "", errors.New("item id is required"))
	}
	return c.Send(ctx, newTruncateEvent(itemID, contentIndex, audioEndMs))
}

func newTruncateEvent(itemID string, contentIndex int, audioEndMs int64) *truncateEvent {
	return &truncateEvent{
		Type:         EventItemTruncate,
		EventID:      newEventID(),
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	}
}
