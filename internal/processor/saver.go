package processor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zulandar/intakeyard/internal/metrics"
	"github.com/zulandar/intakeyard/internal/models"
)

const (
	saveTimeout = 10 * time.Second
	retryDelay  = time.Second
)

// saver hands snapshots to the store off the actor goroutine. Only the
// newest pending snapshot is kept, so a slow store never backs up the
// actor and never writes an older state over a newer one.
type saver struct {
	id      string
	store   Saver
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending *models.IntakeRecord

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSaver(id string, store Saver, m *metrics.Metrics) *saver {
	return &saver{
		id:      id,
		store:   store,
		metrics: m,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// submit replaces any pending snapshot with rec. It never blocks.
func (s *saver) submit(rec *models.IntakeRecord) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	s.pending = rec
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *saver) run() {
	defer close(s.done)
	var retry <-chan time.Time
	for {
		select {
		case <-s.wake:
		case <-retry:
		case <-s.quit:
			// Final flush; one retry is all a closing processor gets.
			if !s.flush() {
				s.flush()
			}
			return
		}
		retry = nil
		if !s.flush() {
			retry = time.After(retryDelay)
		}
	}
}

// flush saves the pending snapshot. On failure the snapshot is put back
// unless a newer one arrived meanwhile.
func (s *saver) flush() bool {
	s.mu.Lock()
	rec := s.pending
	s.pending = nil
	s.mu.Unlock()
	if rec == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	start := time.Now()
	err := s.store.Save(ctx, rec)
	s.metrics.ObserveSave(time.Since(start))
	if err == nil {
		return true
	}

	log.Printf("processor: %s: save: %v", s.id, err)
	s.mu.Lock()
	if s.pending == nil {
		s.pending = rec
	}
	s.mu.Unlock()
	return false
}

// stop flushes whatever is pending and waits for the saver to exit.
func (s *saver) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}
