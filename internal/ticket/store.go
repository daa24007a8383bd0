package ticket

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
)

// Store is the process-wide ticket table (Design Notes: "the ticket
// store ... [is a] process-wide singleton"). The zero value is not
// usable; construct with NewStore.
type Store struct {
	mu            sync.Mutex
	tickets       map[string]*Ticket
	cancelTimeout time.Duration
}

// NewStore returns an empty Store. cancelTimeout bounds how long Remove
// waits for a ticket's contexts to drain before failing with
// ErrConflict.
func NewStore(cancelTimeout time.Duration) *Store {
	return &Store{
		tickets:       make(map[string]*Ticket),
		cancelTimeout: cancelTimeout,
	}
}

// Add validates p and inserts a new Ticket, replacing any existing
// ticket with the same uuid (matching the idempotent PUT semantics of
// the control socket's /tickets/{id}).
func (s *Store) Add(p Params) (*Ticket, error) {
	t, err := newTicket(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.UUID] = t
	log.WithFields(log.Fields{"ticket": t.UUID, "url": t.URL, "size": t.Size}).Info("added ticket")
	return t, nil
}

// Get returns the ticket with the given id, or ErrNotFound.
func (s *Store) Get(id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Context attaches (or reuses) a Context for id on connID. cancel is
// called if the ticket is later removed while this Context is still
// attached, so the owning connection can stop promptly.
func (s *Store) Context(id, connID string, cancel context.CancelFunc) (*Context, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return t.attach(connID, cancel, func() (backend.Backend, error) {
		return backend.OpenWith(t.URL, backend.OpenOptions{
			Writable: t.HasOp(OpWrite),
			Sparse:   t.Sparse,
			Dirty:    t.Dirty,
		})
	})
}

// Release detaches connID's Context from ticket id, if any. It is safe
// to call from a connection-close hook even if no Context was ever
// attached.
func (s *Store) Release(id, connID string) {
	t, err := s.Get(id)
	if err != nil {
		return
	}
	t.detach(connID)
}

// Extend sets ticket id's Timeout and, while no context is attached,
// moves its expiration to timeout from now.
func (s *Store) Extend(id string, timeout time.Duration) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	return t.Extend(timeout)
}

// Remove cancels outstanding work on ticket id's attached contexts and
// waits for them to drain, then deletes the ticket. It returns
// ErrConflict if contexts remain attached after the store's
// cancelTimeout elapses. Removing an unknown ticket is a no-op
// (matching the idempotent DELETE semantics in spec §4.6's source).
func (s *Store) Remove(id string) error {
	t, err := s.Get(id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	t.cancelContexts()

	if !t.waitDrained(s.cancelTimeout) {
		return fmt.Errorf("%w: ticket %s still has %d active context(s)", ErrConflict, id, t.contextCount())
	}

	s.mu.Lock()
	delete(s.tickets, id)
	s.mu.Unlock()
	log.WithField("ticket", id).Info("removed ticket")
	return nil
}

// Clear cancels and removes every ticket in the store.
func (s *Store) Clear() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tickets))
	for id := range s.tickets {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Remove(id); err != nil {
			log.WithError(err).WithField("ticket", id).Warn("failed to remove ticket while clearing store")
		}
	}
}

// waitDrained blocks until t has no attached contexts or timeout
// elapses, returning whether it drained in time.
func (t *Ticket) waitDrained(timeout time.Duration) bool {
	if t.contextCount() == 0 {
		return true
	}

	deadline := time.Now().Add(timeout)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.cond.L.Lock()
			t.cond.Broadcast()
			t.cond.L.Unlock()
		case <-stop:
		}
	}()

	t.cond.L.Lock()
	for len(t.contexts) > 0 {
		if time.Now().After(deadline) {
			t.cond.L.Unlock()
			return false
		}
		t.cond.Wait()
	}
	t.cond.L.Unlock()
	return len(t.contexts) == 0
}
