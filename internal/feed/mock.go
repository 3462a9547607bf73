package feed

import (
	"context"
	"sync"
)

// LiveReadRequest is one RequestLiveRead call seen by a Mock.
type LiveReadRequest struct {
	Device string
	On     bool
}

// Mock is an in-memory Source for tests. Emit blocks until every
// subscriber has accepted the event. A Mock starts connected.
type Mock struct {
	mu       sync.Mutex
	down     bool
	subs     map[int]chan Event
	next     int
	live     map[string]int
	requests []LiveReadRequest
	closed   bool
	done     chan struct{}
	once     sync.Once
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{subs: make(map[int]chan Event), live: make(map[string]int), done: make(chan struct{})}
}

// Subscribe registers a subscriber.
func (m *Mock) Subscribe(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.next
	m.next++
	ch := make(chan Event, 16)
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// RequestLiveRead records the request.
func (m *Mock) RequestLiveRead(_ context.Context, device string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.requests = append(m.requests, LiveReadRequest{Device: device, On: on})
	if on {
		m.live[device]++
	} else if m.live[device] > 0 {
		m.live[device]--
		if m.live[device] == 0 {
			delete(m.live, device)
		}
	}
	return nil
}

// Close ends every subscription.
func (m *Mock) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

// Connected reports the link state last set or emitted.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// SetConnected sets the link state without emitting an event.
func (m *Mock) SetConnected(up bool) {
	m.mu.Lock()
	m.down = !up
	m.mu.Unlock()
}

// Emit sends evt to every current subscriber. Connectivity events also
// update Connected.
func (m *Mock) Emit(evt Event) {
	m.mu.Lock()
	switch evt.Kind {
	case EventConnected:
		m.down = false
	case EventDisconnected:
		m.down = true
	}
	subs := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()
	for _, ch := range subs {
		func() {
			// The subscriber may be closed concurrently.
			defer func() { recover() }()
			ch <- evt
		}()
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Mock) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// LiveReads returns the outstanding request count per device.
func (m *Mock) LiveReads() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	return out
}

// Requests returns every live-read request in order.
func (m *Mock) Requests() []LiveReadRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LiveReadRequest(nil), m.requests...)
}
