// Package identity resolves identity-card input. Card readers emulate a
// keyboard and type the card ID in a fast burst, usually followed by a
// terminator; operators may also type the ID by hand. The Matcher tells
// the two apart by inter-character timing and matches either against the
// catalog of available cards.
package identity

import (
	"strings"
	"time"
)

// Default matcher tuning.
const (
	DefaultBurstGap    = 50 * time.Millisecond
	DefaultDebounce    = 300 * time.Millisecond
	DefaultMinLength   = 4
	DefaultTerminators = "\r\n"
)

// Card is a catalog entry the matcher can resolve to.
type Card struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// EventKind distinguishes matcher outcomes.
type EventKind string

const (
	EventResolved EventKind = "resolved"
	EventNotFound EventKind = "not_found"
)

// Event is emitted when input resolves to a card or clearly names no card.
type Event struct {
	Kind  EventKind `json:"kind"`
	Card  Card      `json:"card"`
	Input string    `json:"input"`
	Burst bool      `json:"burst"`
	At    time.Time `json:"at"`
}

// Options tune a Matcher.
type Options struct {
	// BurstGap is the largest gap between characters of one machine scan.
	BurstGap time.Duration
	// Debounce is the quiet period after which unterminated input is matched.
	Debounce time.Duration
	// MinLength is the shortest input worth matching or reporting.
	MinLength int
	// Terminators end an entry, typically CR and LF.
	Terminators string
}

// Matcher is a buffered decoder for card input. It is driven entirely by
// the timestamps passed to Input and Tick, so it never reads the clock.
// A Matcher is not safe for concurrent use.
type Matcher struct {
	opts    Options
	catalog map[string]Card

	field []rune // everything typed since the last terminator
	burst []rune // the current run of fast characters
	last  time.Time

	lastResolved string
	lastNotFound string
}

// New creates a Matcher with the given options and catalog.
func New(opts Options, cards []Card) *Matcher {
	if opts.BurstGap <= 0 {
		opts.BurstGap = DefaultBurstGap
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.Terminators == "" {
		opts.Terminators = DefaultTerminators
	}
	m := &Matcher{opts: opts}
	m.SetCatalog(cards)
	return m
}

// SetCatalog replaces the set of cards input can resolve to.
func (m *Matcher) SetCatalog(cards []Card) {
	m.catalog = make(map[string]Card, len(cards))
	for _, c := range cards {
		key := normalize(c.ID)
		if key == "" {
			continue
		}
		m.catalog[key] = c
	}
}

// Buffer returns the current field text.
func (m *Matcher) Buffer() string { return string(m.field) }

// Clear discards any buffered input.
func (m *Matcher) Clear() {
	m.field = m.field[:0]
	m.burst = m.burst[:0]
	m.lastResolved = ""
	m.lastNotFound = ""
}

// Input feeds one character received at the given time.
func (m *Matcher) Input(r rune, at time.Time) []Event {
	if strings.ContainsRune(m.opts.Terminators, r) {
		evts := m.match(at)
		m.field = m.field[:0]
		m.burst = m.burst[:0]
		m.last = at
		return evts
	}

	if r == '\b' || r == 0x7f {
		if len(m.field) > 0 {
			m.field = m.field[:len(m.field)-1]
		}
		m.burst = m.burst[:0]
		m.bufferChanged(at)
		return nil
	}

	if len(m.burst) > 0 && at.Sub(m.last) > m.opts.BurstGap {
		// A slow keystroke after a run abandons the fast-entry attempt;
		// the field keeps the text for manual entry.
		m.burst = m.burst[:0]
	}
	m.burst = append(m.burst, r)
	m.field = append(m.field, r)
	m.bufferChanged(at)
	return nil
}

// InputString feeds a string whose characters all arrived at the given time.
func (m *Matcher) InputString(s string, at time.Time) []Event {
	var evts []Event
	for _, r := range s {
		evts = append(evts, m.Input(r, at)...)
	}
	return evts
}

// Terminated reports whether s contains a terminator, so feeding it will
// end the current entry.
func (m *Matcher) Terminated(s string) bool {
	return strings.ContainsAny(s, m.opts.Terminators)
}

// Tick matches unterminated input once it has been quiet for the
// debounce period.
func (m *Matcher) Tick(now time.Time) []Event {
	if len(m.field) == 0 || now.Sub(m.last) < m.opts.Debounce {
		return nil
	}
	return m.match(now)
}

// NextDeadline returns when Tick next has work to do, or false if idle.
func (m *Matcher) NextDeadline() (time.Time, bool) {
	if len(m.field) == 0 {
		return time.Time{}, false
	}
	return m.last.Add(m.opts.Debounce), true
}

func (m *Matcher) bufferChanged(at time.Time) {
	m.last = at
	m.lastResolved = ""
	m.lastNotFound = ""
}

// match tries the burst first, since a scan may land in a field that
// already holds stray keystrokes, then the whole field.
func (m *Matcher) match(at time.Time) []Event {
	input, burst := string(m.field), false
	if len(m.burst) >= m.opts.MinLength {
		input, burst = string(m.burst), true
	}
	key := normalize(input)
	if len([]rune(key)) < m.opts.MinLength {
		return nil
	}

	if card, ok := m.catalog[key]; ok {
		if m.lastResolved == key {
			return nil
		}
		m.lastResolved = key
		return []Event{{Kind: EventResolved, Card: card, Input: input, Burst: burst, At: at}}
	}
	if m.lastNotFound == key {
		return nil
	}
	m.lastNotFound = key
	return []Event{{Kind: EventNotFound, Input: input, Burst: burst, At: at}}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
