// Package transport bridges chat platforms (Discord, Slack) to the ingestion
// router and carries outbound notifications back to chat bindings.
package transport

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management and message
// sending/receiving for a single chat platform.
type Adapter interface {
	// Name identifies the platform, e.g. "discord" or "slack".
	Name() string

	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundEvent, error)

	// Send delivers a text message to a chat.
	Send(ctx context.Context, chatID, text string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundEvent is a normalized message received from a chat platform. The
// router consumes these without knowing which platform produced them.
type InboundEvent struct {
	Source      string       `json:"source"`                // e.g. "discord", "slack"
	OwnerID     string       `json:"owner_id"`              // platform-specific author identifier
	ChatID      string       `json:"chat_id"`               // platform-specific chat/channel identifier
	MessageID   string       `json:"message_id"`            // platform-specific message identifier
	Timestamp   time.Time    `json:"timestamp"`             // when the message was sent
	Text        string       `json:"text,omitempty"`        // raw message text
	ReplyText   string       `json:"reply_text,omitempty"`  // text of the message this one replies to
	Forwarded   string       `json:"forwarded,omitempty"`   // forwarded-context text
	VoiceURL    string       `json:"voice_url,omitempty"`   // remote location of a voice attachment
	Attachments []Attachment `json:"attachments,omitempty"` // non-voice file attachments
}

// Attachment describes one inbound file attachment before path
// normalization.
type Attachment struct {
	Name   string `json:"name"`              // original file name
	MIME   string `json:"mime,omitempty"`    // content type as reported by the platform
	FileID string `json:"file_id,omitempty"` // platform-unique file identifier
	URL    string `json:"url,omitempty"`     // remote location of the file content
}

// HasContent reports whether the event carries anything worth ingesting.
func (e InboundEvent) HasContent() bool {
	return e.Text != "" || e.Forwarded != "" || e.VoiceURL != "" || len(e.Attachments) > 0
}
