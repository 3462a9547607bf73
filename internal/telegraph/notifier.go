// Package telegraph posts intake alerts and digests to chat platforms
// (Slack, Discord).
package telegraph

import "context"

// Notifier is the interface platform-specific implementations satisfy.
type Notifier interface {
	// Connect verifies credentials and prepares the client.
	Connect(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close shuts down the connection.
	Close() error
}

// OutboundMessage is a message to post.
type OutboundMessage struct {
	ChannelID string           // target channel; empty uses the notifier default
	Text      string           // plain text, or fallback when Events are set
	Events    []FormattedEvent // structured event attachments
}

// FormattedEvent is an intake event formatted for display in chat.
type FormattedEvent struct {
	Title    string  // e.g. "Weight anomaly on in-1a2b3c4d"
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}
