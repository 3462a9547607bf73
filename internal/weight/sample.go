// Package weight normalizes raw weighbridge readings into Samples.
package weight

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one normalized sensor observation. Samples are ephemeral and
// never persisted.
type Sample struct {
	DeviceID  string          `json:"device_id"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit"`
	Stable    bool            `json:"stable"`
	Timestamp time.Time       `json:"timestamp"`
}

// Raw is a reading as it arrives from the feed, before normalization.
type Raw struct {
	DeviceID  string
	Value     string
	Unit      string
	Stable    bool
	Timestamp time.Time
}

// Errors returned by Ingestor.Normalize.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrOutOfOrder    = errors.New("out of order")
	ErrMalformed     = errors.New("malformed reading")
)

// kilograms per unit.
var unitFactors = map[string]decimal.Decimal{
	"kg": decimal.NewFromInt(1),
	"g":  decimal.NewFromFloat(0.001),
	"t":  decimal.NewFromInt(1000),
	"lb": decimal.RequireFromString("0.45359237"),
}

// ParseUnit canonicalizes a unit name.
func ParseUnit(u string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "kg", "kgs", "kilogram", "kilograms":
		return "kg", true
	case "g", "gram", "grams":
		return "g", true
	case "t", "ton", "tonne", "tonnes", "mt":
		return "t", true
	case "lb", "lbs", "pound", "pounds":
		return "lb", true
	}
	return "", false
}

// Convert converts v from one unit to another.
func Convert(v decimal.Decimal, from, to string) (decimal.Decimal, error) {
	ff, ok := unitFactors[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("weight: unknown unit %q", from)
	}
	tf, ok := unitFactors[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("weight: unknown unit %q", to)
	}
	if from == to {
		return v, nil
	}
	return v.Mul(ff).DivRound(tf, 3), nil
}

// IngestorOpts configures an Ingestor.
type IngestorOpts struct {
	// Devices lists accepted device IDs. Empty accepts any device.
	Devices []string
	// Unit is the unit every Sample is converted to. Defaults to kg.
	Unit string
	// Now stamps readings that arrive without a timestamp.
	Now func() time.Time
}

// Ingestor turns Raw readings into Samples in a single unit, dropping
// readings from unknown devices and readings older than the last one
// accepted from the same device.
type Ingestor struct {
	devices map[string]bool
	unit    string
	now     func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(opts IngestorOpts) (*Ingestor, error) {
	unit := opts.Unit
	if unit == "" {
		unit = "kg"
	}
	canon, ok := ParseUnit(unit)
	if !ok {
		return nil, fmt.Errorf("weight: unknown unit %q", unit)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	in := &Ingestor{
		unit: canon,
		now:  now,
		last: make(map[string]time.Time),
	}
	if len(opts.Devices) > 0 {
		in.devices = make(map[string]bool, len(opts.Devices))
		for _, dev := range opts.Devices {
			in.devices[dev] = true
		}
	}
	return in, nil
}

// Unit returns the unit Samples are expressed in.
func (in *Ingestor) Unit() string { return in.unit }

// Normalize validates and converts one raw reading.
func (in *Ingestor) Normalize(raw Raw) (Sample, error) {
	dev := strings.TrimSpace(raw.DeviceID)
	if dev == "" {
		return Sample{}, fmt.Errorf("weight: %w: missing device id", ErrMalformed)
	}
	if in.devices != nil && !in.devices[dev] {
		return Sample{}, fmt.Errorf("weight: %w: %s", ErrUnknownDevice, dev)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw.Value))
	if err != nil {
		return Sample{}, fmt.Errorf("weight: %w: value %q", ErrMalformed, raw.Value)
	}
	if v.IsNegative() {
		return Sample{}, fmt.Errorf("weight: %w: negative value %s", ErrMalformed, v)
	}
	unit := in.unit
	if raw.Unit != "" {
		u, ok := ParseUnit(raw.Unit)
		if !ok {
			return Sample{}, fmt.Errorf("weight: %w: unit %q", ErrMalformed, raw.Unit)
		}
		unit = u
	}
	v, err = Convert(v, unit, in.unit)
	if err != nil {
		return Sample{}, err
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = in.now()
	}
	ts = ts.UTC()

	in.mu.Lock()
	defer in.mu.Unlock()
	if prev, ok := in.last[dev]; ok && ts.Before(prev) {
		return Sample{}, fmt.Errorf("weight: %w: %s reading at %s precedes %s", ErrOutOfOrder, dev, ts.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano))
	}
	in.last[dev] = ts

	return Sample{
		DeviceID:  dev,
		Value:     v,
		Unit:      in.unit,
		Stable:    raw.Stable,
		Timestamp: ts,
	}, nil
}

// Reset forgets per-device ordering, used after a feed reconnect where the
// device clock may have been reset.
func (in *Ingestor) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.last = make(map[string]time.Time)
}
