// Package processor runs one actor goroutine per open intake record. The
// actor is the only code that touches the record's state machine, weight
// gate and identity matcher: operator commands, feed samples and timer
// ticks all pass through its loop and are applied in arrival order.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/feed"
	"github.com/zulandar/intakeyard/internal/gate"
	"github.com/zulandar/intakeyard/internal/identity"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/metrics"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/weight"
)

// DefaultTickInterval is how often the actor checks timers.
const DefaultTickInterval = 100 * time.Millisecond

// ErrClosed is returned for commands sent to a closed processor.
var ErrClosed = errors.New("processor closed")

// connector is implemented by feed sources that know whether their
// upstream link is up.
type connector interface {
	Connected() bool
}

// Saver persists record snapshots.
type Saver interface {
	Save(ctx context.Context, rec *models.IntakeRecord) error
}

// Catalog is the identity-card catalog.
type Catalog interface {
	ListAvailable(ctx context.Context) ([]models.IdentityCard, error)
	Associate(ctx context.Context, cardID, recordID string) error
	Release(ctx context.Context, cardID string) error
}

// Publisher receives intake events.
type Publisher interface {
	Publish(evt messaging.Event)
}

// Deps are the collaborators a processor talks to. Feed, Catalog and Bus
// may be nil. Bridge is shared by every processor on the same weighbridge.
type Deps struct {
	Store   Saver
	Catalog Catalog
	Feed    feed.Source
	Bus     Publisher
	Bridge  *Bridge
	Metrics *metrics.Metrics
}

// Options tune a processor.
type Options struct {
	// IDPrefix starts every record ID, normally the site code.
	IDPrefix string

	Tolerance decimal.Decimal
	MaxWeight decimal.Decimal
	Unit      string

	// WeighbridgeDevice and RFIDDevice select feed devices. Empty accepts any.
	WeighbridgeDevice string
	RFIDDevice        string

	// StaleAfter is how long a step may await a reading before a
	// stale-feed warning. Zero disables the warning.
	StaleAfter   time.Duration
	TickInterval time.Duration

	Identity identity.Options

	Now func() time.Time
	Out io.Writer
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.Unit == "" {
		o.Unit = "kg"
	}
	return o
}

type result struct {
	val any
	err error
}

type command struct {
	op      string
	mutates bool
	fn      func() (any, error)
	reply   chan result
}

// Processor owns one open intake record.
type Processor struct {
	id   string
	deps Deps
	opts Options

	// Owned by the actor goroutine.
	m        *intake.Machine
	gate     *gate.Gate
	ingestor *weight.Ingestor
	matcher  *identity.Matcher
	stale    staleMonitor
	resolved *identity.Card
	online   bool
	onBridge bool
	finished bool

	// catalogFor is the matcher deadline the catalog was last loaded for.
	catalogFor time.Time

	saver  *saver
	cmds   chan command
	events <-chan feed.Event
	ctx    context.Context
	cancel context.CancelFunc

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// open wraps m in a processor and starts its actor.
func open(m *intake.Machine, deps Deps, opts Options) (*Processor, error) {
	opts = opts.withDefaults()
	devices := []string(nil)
	if opts.WeighbridgeDevice != "" {
		devices = []string{opts.WeighbridgeDevice}
	}
	ing, err := weight.NewIngestor(weight.IngestorOpts{Devices: devices, Unit: opts.Unit, Now: opts.Now})
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		id:       m.ID(),
		deps:     deps,
		opts:     opts,
		m:        m,
		gate:     gate.New(opts.WeighbridgeDevice),
		ingestor: ing,
		matcher:  identity.New(opts.Identity, nil),
		stale:    staleMonitor{after: opts.StaleAfter},
		cmds:     make(chan command),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.saver = newSaver(p.id, deps.Store, deps.Metrics)

	p.refreshCatalog()
	if deps.Feed != nil {
		events, err := deps.Feed.Subscribe(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("processor: subscribe %s: %w", p.id, err)
		}
		p.events = events
		// Sources that cannot report their link are assumed up until
		// they say otherwise.
		p.online = true
		if c, ok := deps.Feed.(connector); ok {
			p.online = c.Connected()
		}
		p.requestLiveReads(ctx, true)
	} else {
		p.stale.after = 0
	}

	deps.Metrics.ProcessorOpened()
	p.stale.check(m.View(), opts.Now())
	p.syncBridge()
	go p.saver.run()
	go p.run(ctx)
	return p, nil
}

// ID returns the record ID.
func (p *Processor) ID() string { return p.id }

// Done is closed once the actor has stopped, either because the record
// reached a terminal status or because Close was called.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Close stops the actor, releases live-read requests and flushes the last
// snapshot to the store. Safe to call repeatedly and concurrently.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
	return nil
}

func (p *Processor) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer func() {
		ticker.Stop()
		p.shutdown(ctx)
	}()

	for !p.finished {
		select {
		case <-p.quit:
			return
		case cmd := <-p.cmds:
			cmd.reply <- p.exec(cmd)
		case evt, ok := <-p.events:
			if !ok {
				p.events = nil
				continue
			}
			p.handleFeed(evt)
		case <-ticker.C:
			p.onTick(p.opts.Now())
		}
	}
}

func (p *Processor) shutdown(ctx context.Context) {
	if p.deps.Feed != nil {
		p.requestLiveReads(ctx, false)
	}
	p.deps.Bridge.Release(p.opts.WeighbridgeDevice, p.id)
	p.cancel()
	p.saver.stop()
	p.deps.Metrics.ProcessorClosed()
	close(p.done)
}

func (p *Processor) requestLiveReads(ctx context.Context, on bool) {
	for _, dev := range []string{p.opts.WeighbridgeDevice, p.opts.RFIDDevice} {
		if dev == "" {
			continue
		}
		if err := p.deps.Feed.RequestLiveRead(ctx, dev, on); err != nil && !errors.Is(err, feed.ErrClosed) {
			log.Printf("processor: %s: live read %s: %v", p.id, dev, err)
		}
	}
}

// do runs fn on the actor and waits for its result.
func (p *Processor) do(ctx context.Context, op string, mutates bool, fn func() (any, error)) (any, error) {
	cmd := command{op: op, mutates: mutates, fn: fn, reply: make(chan result, 1)}
	select {
	case p.cmds <- cmd:
	case <-p.done:
		return nil, intake.NewError(intake.KindPreconditionFailed, op, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exec applies one command and publishes the outcome.
func (p *Processor) exec(cmd command) result {
	val, err := cmd.fn()
	if !cmd.mutates {
		return result{val: val, err: err}
	}
	if err != nil {
		p.deps.Metrics.IncOperation(cmd.op, intake.KindOf(err).String())
		if a, ok := intake.AnomalyOf(err); ok {
			p.deps.Metrics.IncAnomaly(string(a.Step))
			evt := p.event(messaging.KindWeightAnomaly)
			evt.Step = a.Step
			evt.Detail = a.Detail
			evt.Anomaly = a
			p.publish(evt)
		}
		return result{val: val, err: err}
	}
	p.deps.Metrics.IncOperation(cmd.op, "ok")
	p.afterTransition(cmd.op)
	return result{val: val, err: nil}
}

// afterTransition publishes and persists the new state.
func (p *Processor) afterTransition(op string) {
	snap := p.m.Snapshot()
	fmt.Fprintf(p.opts.Out, "Intake %s: %s (status=%s step=%s)\n", p.id, op, snap.Status, snap.CurrentStep)

	evt := p.event(messaging.KindSnapshot)
	evt.Snapshot = snap
	p.publish(evt)
	p.saver.submit(snap)

	p.stale.check(p.m.View(), p.opts.Now())
	p.syncBridge()

	if snap.Terminal() {
		p.releaseCard(snap)
		p.finished = true
	}
}

func (p *Processor) releaseCard(rec *models.IntakeRecord) {
	if rec.CardID == nil || p.deps.Catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Catalog.Release(ctx, *rec.CardID); err != nil {
		log.Printf("processor: %s: release card %s: %v", p.id, *rec.CardID, err)
	}
}

// handleFeed applies one feed event.
func (p *Processor) handleFeed(evt feed.Event) {
	now := p.opts.Now()
	switch evt.Kind {
	case feed.EventSample:
		s, err := p.ingestor.Normalize(evt.Sample)
		if err != nil {
			if !errors.Is(err, weight.ErrUnknownDevice) {
				p.deps.Metrics.IncSample("rejected")
			}
			return
		}
		p.stale.observe(now)
		p.syncBridge()
		if !p.onBridge {
			// Another record is being weighed; show the value but never
			// settle on it.
			s.Stable = false
		}
		d := p.gate.Apply(p.m.View(), s)
		p.deps.Metrics.IncSample(string(d.Outcome))

	case feed.EventChars:
		if p.opts.RFIDDevice != "" && evt.Device != p.opts.RFIDDevice {
			return
		}
		p.input(evt.Chars, now)

	case feed.EventConnected:
		if p.online {
			return
		}
		p.online = true
		// Readings from before the drop are not trusted.
		p.ingestor.Reset()
		p.gate.Reset()
		p.deps.Metrics.IncFeedState("connected")
		p.publish(p.event(messaging.KindFeedConnected))

	case feed.EventDisconnected:
		if !p.online {
			return
		}
		p.online = false
		p.deps.Metrics.IncFeedState("disconnected")
		e := p.event(messaging.KindFeedDisconnected)
		if evt.Err != nil {
			e.Detail = evt.Err.Error()
		}
		p.publish(e)
	}
}

// input feeds characters to the identity matcher. Card input only
// matters while the vehicle is at the gate.
func (p *Processor) input(chars string, now time.Time) {
	if p.m.View().Step != models.StepGateEntry {
		return
	}
	if p.matcher.Terminated(chars) {
		p.refreshCatalog()
	}
	p.identityEvents(p.matcher.InputString(chars, now))
}

func (p *Processor) onTick(now time.Time) {
	if p.m.View().Step == models.StepGateEntry {
		if dl, ok := p.matcher.NextDeadline(); ok && !now.Before(dl) {
			if !dl.Equal(p.catalogFor) {
				p.catalogFor = dl
				p.refreshCatalog()
			}
			p.identityEvents(p.matcher.Tick(now))
		}
	}
	view := p.m.View()
	if since, stale := p.stale.check(view, now); stale {
		p.deps.Metrics.IncStaleFeed(string(view.Step))
		evt := p.event(messaging.KindFeedStale)
		evt.Since = since
		evt.Detail = fmt.Sprintf("no weighbridge reading for %s", since.Round(time.Second))
		p.publish(evt)
	}
}

// refreshCatalog reloads the available cards so input is matched against
// cards other records have taken or released since the last load.
func (p *Processor) refreshCatalog() {
	if p.deps.Catalog == nil {
		return
	}
	cards, err := p.deps.Catalog.ListAvailable(p.ctx)
	if err != nil {
		log.Printf("processor: %s: list identity cards: %v", p.id, err)
		return
	}
	p.matcher.SetCatalog(toIdentityCards(cards))
}

// syncBridge holds the weighbridge while the record awaits a reading and
// frees it otherwise.
func (p *Processor) syncBridge() {
	target, _ := gate.TargetFor(p.m.View())
	if target == gate.TargetNone {
		if p.onBridge {
			p.deps.Bridge.Release(p.opts.WeighbridgeDevice, p.id)
			p.onBridge = false
		}
		return
	}
	if !p.onBridge {
		p.onBridge = p.deps.Bridge.Claim(p.opts.WeighbridgeDevice, p.id)
	}
}

func (p *Processor) identityEvents(evts []identity.Event) {
	for _, ie := range evts {
		p.deps.Metrics.IncIdentity(string(ie.Kind))
		switch ie.Kind {
		case identity.EventResolved:
			card := ie.Card
			p.resolved = &card
			evt := p.event(messaging.KindIdentityResolved)
			evt.Card = &card
			evt.Input = ie.Input
			p.publish(evt)
		case identity.EventNotFound:
			evt := p.event(messaging.KindIdentityNotFound)
			evt.Input = ie.Input
			evt.Detail = fmt.Sprintf("no available card matches %q", ie.Input)
			p.publish(evt)
		}
	}
}

func (p *Processor) event(kind messaging.Kind) messaging.Event {
	evt := messaging.NewEvent(kind, p.id, p.opts.Now())
	evt.Step = p.m.View().Step
	return evt
}

func (p *Processor) publish(evt messaging.Event) {
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(evt)
	}
}

func toIdentityCards(cards []models.IdentityCard) []identity.Card {
	out := make([]identity.Card, 0, len(cards))
	for _, c := range cards {
		out = append(out, identity.Card{ID: c.ID, Label: c.Label})
	}
	return out
}
