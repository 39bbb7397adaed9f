package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mkarlsen/stackhost/internal/resource"
	"github.com/rs/zerolog"
)

const defaultWatchBuffer = 256

// Event is a single published snapshot delivered to Watch subscribers.
type Event struct {
	Resource string
	Snapshot resource.Snapshot
}

// Service is the single source of truth for the current snapshot of every
// registered resource. Updates are applied atomically per resource; waiters
// and watchers observe every publish, with the most recent snapshot replayed
// on subscription so an already-satisfied predicate never blocks.
type Service struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	watchers map[string]*watcher
	closed   bool
}

type entry struct {
	mu       sync.Mutex
	snapshot resource.Snapshot
	waiters  map[string]*waiter
	removed  chan struct{}
}

type waiter struct {
	ch chan resource.Snapshot
}

type watcher struct {
	ch chan Event
}

// New constructs an empty notification service.
func New(logger zerolog.Logger) *Service {
	return &Service{
		logger:   logger,
		entries:  make(map[string]*entry),
		watchers: make(map[string]*watcher),
	}
}

// Register adds a resource with its initial snapshot.
func (s *Service) Register(name string, initial resource.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("resource %q: %w", name, ErrResourceExists)
	}

	s.entries[name] = &entry{
		snapshot: initial.Clone(),
		waiters:  make(map[string]*waiter),
		removed:  make(chan struct{}),
	}

	s.logger.Debug().Str("resource", name).Msg("resource registered")
	s.notifyWatchersLocked(Event{Resource: name, Snapshot: initial.Clone()})
	return nil
}

// Remove deletes a resource. Pending waiters on the resource are released
// with ErrResourceNotFound.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	}
	delete(s.entries, name)

	ent.mu.Lock()
	close(ent.removed)
	ent.mu.Unlock()

	s.logger.Debug().Str("resource", name).Msg("resource removed")
	return nil
}

// Get returns the current snapshot of the given resource.
func (s *Service) Get(name string) (resource.Snapshot, error) {
	s.mu.RLock()
	ent, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return resource.Snapshot{}, fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.snapshot.Clone(), nil
}

// Names returns the names of all registered resources in no particular order.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// PublishUpdate applies transform to the resource's current snapshot as one
// atomic read-modify-write and notifies all waiters and watchers. Two
// concurrent publishes for the same resource never interleave; publishes for
// different resources proceed in parallel.
func (s *Service) PublishUpdate(name string, transform func(resource.Snapshot) resource.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	select {
	case <-ent.removed:
		return fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	default:
	}

	updated := transform(ent.snapshot.Clone())
	ent.snapshot = updated
	published := updated.Clone()
	for _, w := range ent.waiters {
		w.send(published)
	}
	// Watchers are notified while the entry lock is still held so two
	// publishes for the same resource can never reach a subscription in
	// inverted order. Lock order is s.mu before ent.mu, matching Watch and
	// Remove.
	s.notifyWatchersLocked(Event{Resource: name, Snapshot: published})
	return nil
}

// WaitForResource blocks until predicate holds for some published snapshot of
// the resource. The current snapshot is evaluated first, so a predicate that
// already holds returns without waiting for a new publish.
func (s *Service) WaitForResource(ctx context.Context, name string, predicate func(resource.Snapshot) bool) (resource.Snapshot, error) {
	s.mu.RLock()
	ent, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return resource.Snapshot{}, fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	}

	// Subscribe before the first predicate check so a publish racing with the
	// replay cannot be missed.
	id := uuid.NewString()
	w := &waiter{ch: make(chan resource.Snapshot, 1)}

	ent.mu.Lock()
	select {
	case <-ent.removed:
		ent.mu.Unlock()
		return resource.Snapshot{}, fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
	default:
	}
	ent.waiters[id] = w
	current := ent.snapshot.Clone()
	ent.mu.Unlock()

	defer func() {
		ent.mu.Lock()
		delete(ent.waiters, id)
		ent.mu.Unlock()
	}()

	if predicate(current) {
		return current, nil
	}

	for {
		select {
		case <-ctx.Done():
			return resource.Snapshot{}, ctx.Err()
		case <-ent.removed:
			return resource.Snapshot{}, fmt.Errorf("resource %q: %w", name, ErrResourceNotFound)
		case snapshot := <-w.ch:
			if predicate(snapshot) {
				return snapshot, nil
			}
		}
	}
}

// WaitForResourceHealthy blocks until the resource's aggregate health status
// is Healthy.
func (s *Service) WaitForResourceHealthy(ctx context.Context, name string) (resource.Snapshot, error) {
	return s.WaitForResource(ctx, name, resource.Snapshot.IsHealthy)
}

// Watch subscribes to every publish across all resources. The current
// snapshot of each registered resource is replayed into the subscription
// immediately. Close the subscription when done.
func (s *Service) Watch() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &watcher{ch: make(chan Event, defaultWatchBuffer)}
	id := uuid.NewString()
	if s.closed {
		close(w.ch)
		return &Subscription{service: s, id: id, watcher: w}
	}
	s.watchers[id] = w

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ent := s.entries[name]
		ent.mu.Lock()
		snapshot := ent.snapshot.Clone()
		ent.mu.Unlock()
		w.send(Event{Resource: name, Snapshot: snapshot})
	}

	return &Subscription{service: s, id: id, watcher: w}
}

// Close shuts down the service and all watch subscriptions.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w.ch)
	}
}

func (s *Service) notifyWatchersLocked(event Event) {
	for _, w := range s.watchers {
		w.send(event)
	}
}

// send delivers a snapshot to the waiter, keeping only the most recent
// snapshot when the waiter is slow. Predicate waiters only ever need the
// latest value.
func (w *waiter) send(snapshot resource.Snapshot) {
	for {
		select {
		case w.ch <- snapshot:
			return
		default:
			select {
			case <-w.ch:
			default:
			}
		}
	}
}

// send delivers an event to the watcher, dropping the oldest buffered event
// when the subscriber falls more than a full buffer behind.
func (w *watcher) send(event Event) {
	for {
		select {
		case w.ch <- event:
			return
		default:
			select {
			case <-w.ch:
			default:
			}
		}
	}
}

// Subscription is a live Watch feed.
type Subscription struct {
	service *Service
	id      string
	watcher *watcher
	once    sync.Once
}

// Events returns the subscription's event channel. The channel is closed when
// the subscription or the service is closed.
func (sub *Subscription) Events() <-chan Event {
	return sub.watcher.ch
}

// Close unsubscribes and releases the subscription.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.service.mu.Lock()
		if _, ok := sub.service.watchers[sub.id]; ok {
			delete(sub.service.watchers, sub.id)
			close(sub.watcher.ch)
		}
		sub.service.mu.Unlock()
	})
}
