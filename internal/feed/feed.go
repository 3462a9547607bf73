// Package feed delivers live sensor readings and connectivity changes from
// the weighbridge and RFID reader.
package feed

import (
	"context"
	"time"

	"github.com/zulandar/intakeyard/internal/weight"
)

// EventKind distinguishes feed events.
type EventKind int

const (
	// EventSample carries a raw weight reading.
	EventSample EventKind = iota
	// EventChars carries characters typed by a keyboard-emulating reader.
	EventChars
	// EventConnected reports the feed is (re)connected.
	EventConnected
	// EventDisconnected reports the feed dropped.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventSample:
		return "sample"
	case EventChars:
		return "chars"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one message from the feed.
type Event struct {
	Kind   EventKind
	Sample weight.Raw // EventSample
	Device string     // EventChars
	Chars  string     // EventChars
	At     time.Time
	Err    error // EventDisconnected
}

// Source is a live sensor feed. Subscriptions end when their context is
// cancelled or the source is closed; either way the channel is closed.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
	// RequestLiveRead asks the device to stream readings (on) or stop.
	// Requests are counted per device; the device stops only when every
	// requester has turned it off.
	RequestLiveRead(ctx context.Context, device string, on bool) error
	Close() error
}
