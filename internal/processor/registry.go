package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/models"
)

// Store is the persistence collaborator the registry needs.
type Store interface {
	Saver
	Create(ctx context.Context, rec *models.IntakeRecord) error
	Load(ctx context.Context, id string) (*models.IntakeRecord, error)
	OpenIDs(ctx context.Context) ([]string, error)
}

// Registry keeps one processor per open record. Processors are opened on
// demand and dropped once they stop.
type Registry struct {
	store Store
	deps  Deps
	opts  Options

	mu     sync.Mutex
	procs  map[string]*Processor
	closed bool
}

// NewRegistry creates a Registry. deps.Store is replaced by store, and a
// Bridge is created when deps has none.
func NewRegistry(store Store, deps Deps, opts Options) *Registry {
	deps.Store = store
	if deps.Bridge == nil {
		deps.Bridge = NewBridge()
	}
	return &Registry{store: store, deps: deps, opts: opts.withDefaults(), procs: make(map[string]*Processor)}
}

func (r *Registry) intakeOptions() intake.Options {
	return intake.Options{Tolerance: r.opts.Tolerance, MaxWeight: r.opts.MaxWeight, Now: r.opts.Now}
}

// Start creates a record for sourceRef, stores it, and opens its processor.
func (r *Registry) Start(ctx context.Context, sourceRef string, items []intake.NewItem) (*Processor, error) {
	id, err := intake.GenerateID(r.opts.IDPrefix)
	if err != nil {
		return nil, err
	}
	m, err := intake.Start(id, sourceRef, items, r.intakeOptions())
	if err != nil {
		r.deps.Metrics.IncOperation("start", intake.KindOf(err).String())
		return nil, err
	}
	if err := r.store.Create(ctx, m.Snapshot()); err != nil {
		r.deps.Metrics.IncOperation("start", intake.KindOf(err).String())
		return nil, err
	}
	r.deps.Metrics.IncOperation("start", "ok")
	return r.add(m)
}

// Get returns the processor for id, loading the record if needed. Records
// that are already completed or cancelled have no processor.
func (r *Registry) Get(ctx context.Context, id string) (*Processor, error) {
	r.mu.Lock()
	if p, ok := r.procs[id]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	rec, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, intake.NewError(intake.KindPreconditionFailed, "open",
			fmt.Errorf("record %s is %s", id, rec.Status))
	}
	m, err := intake.Resume(rec, r.intakeOptions())
	if err != nil {
		return nil, err
	}
	return r.add(m)
}

// Resume opens a processor for every record still in progress.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	ids, err := r.store.OpenIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("processor: resume: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := r.Get(ctx, id); err != nil {
			log.Printf("processor: resume %s: %v", id, err)
			continue
		}
		n++
	}
	return n, nil
}

// Open returns the IDs of open processors, sorted.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every processor. Later calls to Start and Get fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	procs := make([]*Processor, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.Close()
		}(p)
	}
	wg.Wait()
	return nil
}

// add opens a processor for m unless another caller raced us to it.
func (r *Registry) add(m *intake.Machine) (*Processor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("processor: registry closed")
	}
	if p, ok := r.procs[m.ID()]; ok {
		return p, nil
	}
	p, err := open(m, r.deps, r.opts)
	if err != nil {
		return nil, err
	}
	r.procs[p.id] = p
	go func() {
		<-p.Done()
		r.mu.Lock()
		if r.procs[p.id] == p {
			delete(r.procs, p.id)
		}
		r.mu.Unlock()
	}()
	return p, nil
}
