package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/intakeyard/internal/weight"
)

const (
	// baseBackoff is the initial reconnection delay.
	baseBackoff = time.Second
	// maxBackoff caps the exponential reconnection delay.
	maxBackoff = time.Minute
	// subscriberBuffer is the per-subscriber channel size.
	subscriberBuffer = 256
	writeTimeout     = 5 * time.Second
)

// ErrClosed is returned by operations on a closed source.
var ErrClosed = errors.New("feed: closed")

// frame is the wire format for inbound messages.
type frame struct {
	Device string          `json:"device"`
	Value  json.RawMessage `json:"value"`
	Unit   string          `json:"unit"`
	Stable bool            `json:"stable"`
	TS     time.Time       `json:"ts"`
	Chars  *string         `json:"chars"`
}

// control is the wire format for live-read requests.
type control struct {
	Type   string `json:"type"`
	Device string `json:"device"`
	On     bool   `json:"on"`
}

// WebSocketOpts configures a WebSocket source.
type WebSocketOpts struct {
	URL        string
	MaxBackoff time.Duration // default maxBackoff
	Dialer     *websocket.Dialer
	Out        io.Writer // progress output (default os.Stdout)
	Now        func() time.Time
}

// WebSocket is a Source that reads JSON frames from a websocket endpoint
// and reconnects with exponential backoff when the connection drops.
type WebSocket struct {
	url         string
	dialer      *websocket.Dialer
	out         io.Writer
	now         func() time.Time
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSub   int
	live      map[string]int
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

// NewWebSocket creates a WebSocket source. Call Run to connect.
func NewWebSocket(opts WebSocketOpts) (*WebSocket, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("feed: url is required")
	}
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("feed: url %q must use ws:// or wss://", opts.URL)
	}
	w := &WebSocket{
		url:         opts.URL,
		dialer:      opts.Dialer,
		out:         opts.Out,
		now:         opts.Now,
		baseBackoff: baseBackoff,
		maxBackoff:  opts.MaxBackoff,
		subs:        make(map[int]chan Event),
		live:        make(map[string]int),
		done:        make(chan struct{}),
	}
	if w.dialer == nil {
		w.dialer = websocket.DefaultDialer
	}
	if w.out == nil {
		w.out = os.Stdout
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = maxBackoff
	}
	return w, nil
}

// Run connects and reads until ctx is cancelled or Close is called,
// reconnecting after every drop.
func (w *WebSocket) Run(ctx context.Context) error {
	attempt := 0
	for {
		if w.isClosed() || ctx.Err() != nil {
			return nil
		}

		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			attempt++
			wait := w.backoff(attempt)
			log.Printf("feed: dial %s: %v (retry in %s)", w.url, err, wait)
			if !w.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		attempt = 0
		if !w.attach(conn) {
			conn.Close()
			return nil
		}
		fmt.Fprintf(w.out, "Feed connected: %s\n", w.url)
		w.broadcast(Event{Kind: EventConnected, At: w.now()})
		w.resendLiveReads()

		// Unblock the read loop on cancellation.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = w.readLoop(conn)
		stop()

		w.detach(conn)
		if w.isClosed() || ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(w.out, "Feed disconnected: %v\n", err)
		w.broadcast(Event{Kind: EventDisconnected, At: w.now(), Err: err})

		attempt++
		if !w.sleep(ctx, w.backoff(attempt)) {
			return nil
		}
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		evt, err := w.decode(data)
		if err != nil {
			log.Printf("feed: %v", err)
			continue
		}
		w.broadcast(evt)
	}
}

// decode turns one frame into an event.
func (w *WebSocket) decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	at := f.TS
	if at.IsZero() {
		at = w.now()
	}
	if f.Chars != nil {
		return Event{Kind: EventChars, Device: f.Device, Chars: *f.Chars, At: at}, nil
	}
	if len(f.Value) == 0 {
		return Event{}, fmt.Errorf("decode frame: no value or chars")
	}
	return Event{
		Kind: EventSample,
		Sample: weight.Raw{
			DeviceID:  f.Device,
			Value:     strings.Trim(string(f.Value), `"`),
			Unit:      f.Unit,
			Stable:    f.Stable,
			Timestamp: at,
		},
		At: at,
	}, nil
}

// Subscribe registers a new subscriber.
func (w *WebSocket) Subscribe(ctx context.Context) (<-chan Event, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	id := w.nextSub
	w.nextSub++
	ch := make(chan Event, subscriberBuffer)
	w.subs[id] = ch
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		w.mu.Lock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
		}
		w.mu.Unlock()
	}()
	return ch, nil
}

// RequestLiveRead counts a live-read request for device and tells the
// device when the first request starts or the last one stops. Requests
// made while disconnected are sent on reconnect.
func (w *WebSocket) RequestLiveRead(ctx context.Context, device string, on bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	prev := w.live[device]
	switch {
	case on:
		w.live[device] = prev + 1
	case prev > 1:
		w.live[device] = prev - 1
	default:
		delete(w.live, device)
	}
	changed := (on && prev == 0) || (!on && prev == 1)
	conn := w.conn
	w.mu.Unlock()

	if !changed || conn == nil {
		return nil
	}
	if err := w.send(conn, control{Type: "live_read", Device: device, On: on}); err != nil {
		return fmt.Errorf("feed: live read %s: %w", device, err)
	}
	return nil
}

// LiveReads returns the outstanding request count per device.
func (w *WebSocket) LiveReads() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.live))
	for k, v := range w.live {
		out[k] = v
	}
	return out
}

// Connected reports whether the feed currently has a live connection.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Close disconnects and ends every subscription. Safe to call repeatedly.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		conn := w.conn
		w.conn = nil
		w.connected = false
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(w.done)
	})
	return nil
}

func (w *WebSocket) attach(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.conn = conn
	w.connected = true
	return true
}

func (w *WebSocket) detach(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
		w.connected = false
	}
	w.mu.Unlock()
	conn.Close()
}

func (w *WebSocket) resendLiveReads() {
	w.mu.Lock()
	conn := w.conn
	devices := make([]string, 0, len(w.live))
	for d := range w.live {
		devices = append(devices, d)
	}
	w.mu.Unlock()
	if conn == nil {
		return
	}
	for _, d := range devices {
		if err := w.send(conn, control{Type: "live_read", Device: d, On: true}); err != nil {
			log.Printf("feed: resend live read %s: %v", d, err)
		}
	}
}

func (w *WebSocket) send(conn *websocket.Conn, msg control) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// broadcast delivers evt to every subscriber. A full subscriber misses
// the event.
func (w *WebSocket) broadcast(evt Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("feed: subscriber full, dropped %s event", evt.Kind)
		}
	}
}

func (w *WebSocket) backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt-1))) * w.baseBackoff
	if wait > w.maxBackoff || wait <= 0 {
		wait = w.maxBackoff
	}
	return wait
}

func (w *WebSocket) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.done:
		return false
	}
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
