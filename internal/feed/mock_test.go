package feed

import (
	"context"
	"testing"
	"time"
)

func TestMock(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", m.Subscribers())
	}

	m.Emit(Event{Kind: EventConnected})
	if evt := <-ch; evt.Kind != EventConnected {
		t.Errorf("event = %s", evt.Kind)
	}

	m.RequestLiveRead(ctx, "wb-1", true)
	m.RequestLiveRead(ctx, "wb-1", false)
	if len(m.Requests()) != 2 || len(m.LiveReads()) != 0 {
		t.Errorf("requests = %v, live = %v", m.Requests(), m.LiveReads())
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for m.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after cancel")
		}
		time.Sleep(time.Millisecond)
	}
	// Emitting with no subscribers is a no-op.
	m.Emit(Event{Kind: EventDisconnected})

	m.Close()
	m.Close()
	if _, err := m.Subscribe(context.Background()); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v", err)
	}
}

func TestMock_Connected(t *testing.T) {
	m := NewMock()
	if !m.Connected() {
		t.Error("new Mock should start connected")
	}
	m.SetConnected(false)
	if m.Connected() {
		t.Error("Connected = true after SetConnected(false)")
	}
	m.Emit(Event{Kind: EventConnected})
	if !m.Connected() {
		t.Error("Connected = false after connected event")
	}
	m.Emit(Event{Kind: EventDisconnected})
	if m.Connected() {
		t.Error("Connected = true after disconnected event")
	}
}
