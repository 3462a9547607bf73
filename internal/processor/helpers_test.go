package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/feed"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/weight"
)

// --- clock ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- store ---

type memStore struct {
	mu      sync.Mutex
	recs    map[string]*models.IntakeRecord
	saves   int
	block   chan struct{} // when non-nil, Save waits for it to close
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*models.IntakeRecord)}
}

func (s *memStore) Create(_ context.Context, rec *models.IntakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ActiveSourceRef != nil && rec.ActiveSourceRef != nil && *r.ActiveSourceRef == *rec.ActiveSourceRef {
			return intake.NewError(intake.KindConflict, "create", fmt.Errorf("source %s is open", rec.SourceRef))
		}
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) Save(ctx context.Context, rec *models.IntakeRecord) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		err := s.saveErr
		s.saveErr = nil
		return err
	}
	s.saves++
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (*models.IntakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, intake.NewError(intake.KindNotFound, "load", fmt.Errorf("record %s not found", id))
	}
	return r.Clone(), nil
}

func (s *memStore) OpenIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, r := range s.recs {
		if !r.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) get(id string) *models.IntakeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recs[id]; ok {
		return r.Clone()
	}
	return nil
}

// --- catalog ---

type memCatalog struct {
	mu       sync.Mutex
	cards    map[string]*models.IdentityCard
	released []string
}

func newMemCatalog(ids ...string) *memCatalog {
	c := &memCatalog{cards: make(map[string]*models.IdentityCard)}
	for _, id := range ids {
		c.cards[id] = &models.IdentityCard{ID: id, Available: true}
	}
	return c
}

func (c *memCatalog) ListAvailable(context.Context) ([]models.IdentityCard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.IdentityCard
	for _, card := range c.cards {
		if card.Available {
			out = append(out, *card)
		}
	}
	return out, nil
}

func (c *memCatalog) Associate(_ context.Context, cardID, recordID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	card, ok := c.cards[cardID]
	if !ok {
		return intake.NewError(intake.KindNotFound, "associate card", errors.New("no such card"))
	}
	if !card.Available && (card.RecordID == nil || *card.RecordID != recordID) {
		return intake.NewError(intake.KindConflict, "associate card", errors.New("card is held"))
	}
	card.Available = false
	card.RecordID = &recordID
	return nil
}

func (c *memCatalog) Release(_ context.Context, cardID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	card, ok := c.cards[cardID]
	if !ok {
		return intake.NewError(intake.KindNotFound, "release card", errors.New("no such card"))
	}
	card.Available = true
	card.RecordID = nil
	c.released = append(c.released, cardID)
	return nil
}

func (c *memCatalog) holder(cardID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if card, ok := c.cards[cardID]; ok && card.RecordID != nil {
		return *card.RecordID
	}
	return ""
}

// --- fixture ---

type fixture struct {
	t       *testing.T
	clock   *clock
	store   *memStore
	catalog *memCatalog
	feed    *feed.Mock
	bus     *messaging.Bus
	events  <-chan messaging.Event
	reg     *Registry
}

func newFixture(t *testing.T, tolerance string) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		clock:   newClock(),
		store:   newMemStore(),
		catalog: newMemCatalog("AB12CD", "EF34GH"),
		feed:    feed.NewMock(),
		bus:     messaging.NewBus(),
	}
	var cancel func()
	f.events, cancel = f.bus.Subscribe(256)
	f.reg = NewRegistry(f.store, Deps{Catalog: f.catalog, Feed: f.feed, Bus: f.bus}, Options{
		Tolerance:         decimal.RequireFromString(tolerance),
		MaxWeight:         decimal.NewFromInt(100000),
		WeighbridgeDevice: "wb-1",
		RFIDDevice:        "rfid-1",
		StaleAfter:        30 * time.Second,
		TickInterval:      time.Hour,
		Now:               f.clock.Now,
		Out:               io.Discard,
	})
	t.Cleanup(func() {
		f.reg.Close()
		cancel()
	})
	return f
}

func (f *fixture) start(source string) *Processor {
	f.t.Helper()
	p, err := f.reg.Start(context.Background(), source, f.items())
	if err != nil {
		f.t.Fatalf("Start: %v", err)
	}
	return p
}

func (f *fixture) sample(value string, stable bool) {
	f.feed.Emit(feed.Event{Kind: feed.EventSample, At: f.clock.Now(), Sample: weight.Raw{
		DeviceID: "wb-1", Value: value, Unit: "kg", Stable: stable, Timestamp: f.clock.Now(),
	}})
	f.clock.Advance(10 * time.Millisecond)
}

// waitEvent reads bus events until one of the given kind arrives.
func (f *fixture) waitEvent(kind messaging.Kind) messaging.Event {
	f.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt := <-f.events:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			f.t.Fatalf("no %s event", kind)
			return messaging.Event{}
		}
	}
}

// noEvent fails if an event of kind is already queued.
func (f *fixture) noEvent(kind messaging.Kind) {
	f.t.Helper()
	for {
		select {
		case evt := <-f.events:
			if evt.Kind == kind {
				f.t.Fatalf("unexpected %s event: %+v", kind, evt)
			}
		default:
			return
		}
	}
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) waitCaptured(p *Processor, value string) {
	f.t.Helper()
	want := decimal.RequireFromString(value)
	eventually(f.t, "captured "+value, func() bool {
		r, err := p.Readings(context.Background())
		return err == nil && r.Captured != nil && r.Captured.Value.Equal(want)
	})
}

func (f *fixture) waitPreview(p *Processor, value string) {
	f.t.Helper()
	want := decimal.RequireFromString(value)
	eventually(f.t, "preview "+value, func() bool {
		r, err := p.Readings(context.Background())
		return err == nil && r.Preview != nil && r.Preview.Value.Equal(want)
	})
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func item(p *Processor, pos int) string { return intake.ItemID(p.ID(), pos) }

func (f *fixture) items() []intake.NewItem {
	return []intake.NewItem{
		{MaterialCode: "CEM-50", ExpectedQuantity: decimal.NewFromInt(10)},
		{MaterialCode: "STL-12", ExpectedQuantity: decimal.NewFromInt(2)},
	}
}

func sampleRaw(device, value string, stable bool, at time.Time) weight.Raw {
	return weight.Raw{DeviceID: device, Value: value, Unit: "kg", Stable: stable, Timestamp: at}
}
