package processor

import "sync"

// Bridge tracks which record holds each weighbridge. Only the holder may
// capture settled readings; every other processor sees the same samples
// as preview only. A nil Bridge lets every caller hold every device.
type Bridge struct {
	mu      sync.Mutex
	holders map[string]string // device -> record ID
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{holders: make(map[string]string)}
}

// Claim gives device to recordID if it is free or already theirs.
func (b *Bridge) Claim(device, recordID string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.holders[device]; ok && h != recordID {
		return false
	}
	b.holders[device] = recordID
	return true
}

// Release frees device if recordID holds it.
func (b *Bridge) Release(device, recordID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holders[device] == recordID {
		delete(b.holders, device)
	}
}

// Holder returns the record holding device, or "".
func (b *Bridge) Holder(device string) string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holders[device]
}
