// Package ticket implements the in-memory authorization store described
// in spec §3.2 and §4.6: tickets bind a transfer id to a backing-store
// URL, a permitted byte window, and a set of allowed operations, and
// track the connections currently holding an open backend for them.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
)

// Op is one of the operations a ticket can permit.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Sentinel errors, mirroring the HTTP status mapping in spec §7.
var (
	ErrNotFound  = errors.New("ticket: not found")
	ErrInvalid   = errors.New("ticket: invalid")
	ErrExpired   = errors.New("ticket: expired")
	ErrForbidden = errors.New("ticket: operation not permitted")
	ErrConflict  = errors.New("ticket: still in use, cancel timed out")
)

// DefaultBufferSize is the size of the per-context scratch buffer handed
// to a connection's backend operations.
const DefaultBufferSize = 4 * 1024 * 1024

// Params are the validated fields used to construct a Ticket via
// Store.Add, mirroring the JSON body PUT /tickets/{id} carries in
// spec §4.5.
type Params struct {
	UUID              string
	URL               string
	Size              int64
	Ops               []Op
	Sparse            bool
	Dirty             bool
	Timeout           time.Duration
	InactivityTimeout time.Duration
	TransferID        string
	Filename          string
}

// Context is the per-connection resource a ticket lends out: an open
// Backend bound to the ticket's URL, plus a scratch buffer for I/O.
// Ticket owns every Context it hands out; Design Notes "Cyclic
// references" resolves the connection<->context<->ticket cycle by
// having the connection hold no back-pointer at all, only the id it
// used to acquire the Context.
type Context struct {
	Backend backend.Backend
	Buffer  []byte
	cancel  context.CancelFunc
}

// Ticket is one authorization record. All fields below Params are
// mutable runtime state guarded by mu.
type Ticket struct {
	Params

	mu        sync.Mutex
	cond      *sync.Cond
	expiresAt time.Time
	contexts  map[string]*Context
	running   int
	log       *log.Entry
}

func newTicket(p Params) (*Ticket, error) {
	if p.UUID == "" {
		return nil, fmt.Errorf("%w: missing uuid", ErrInvalid)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalid)
	}
	if p.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrInvalid)
	}
	if len(p.Ops) == 0 {
		return nil, fmt.Errorf("%w: ops must be non-empty", ErrInvalid)
	}
	for _, op := range p.Ops {
		if op != OpRead && op != OpWrite {
			return nil, fmt.Errorf("%w: unknown op %q", ErrInvalid, op)
		}
	}

	t := &Ticket{
		Params:    p,
		expiresAt: time.Now().Add(p.Timeout),
		contexts:  make(map[string]*Context),
		log:       log.WithFields(log.Fields{"ticket": p.UUID, "transfer_id": p.TransferID}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

func (t *Ticket) hasOp(op Op) bool {
	for _, o := range t.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// HasOp reports whether op is among the ticket's permitted operations.
func (t *Ticket) HasOp(op Op) bool { return t.hasOp(op) }

// Authorize checks that op is permitted and the ticket has not expired.
// A caller must hold a Context (via Store.Context) for the duration of
// the operation it is authorizing, so that Remove can find it.
func (t *Ticket) Authorize(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasOp(op) {
		return fmt.Errorf("%w: op %q not in %v", ErrForbidden, op, t.Ops)
	}
	if len(t.contexts) == 0 && time.Now().After(t.expiresAt) {
		return ErrExpired
	}
	return nil
}

// InRange reports whether [off, off+length) fits inside [0, ticket.Size).
func (t *Ticket) InRange(off, length int64) bool {
	return off >= 0 && length >= 0 && off+length <= t.Size
}

// Extend moves the ticket's idle-timeout expiration forward by timeout
// from now. A zero or negative timeout is rejected.
func (t *Ticket) Extend(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Timeout = timeout
	if len(t.contexts) == 0 {
		t.expiresAt = time.Now().Add(timeout)
	}
	return nil
}

// Info is the JSON-serializable snapshot returned by GET /tickets/{id}.
type Info struct {
	UUID              string  `json:"uuid"`
	URL               string  `json:"url"`
	Size              int64   `json:"size"`
	Ops               []Op    `json:"ops"`
	Sparse            bool    `json:"sparse"`
	Dirty             bool    `json:"dirty"`
	Timeout           float64 `json:"timeout"`
	InactivityTimeout float64 `json:"inactivity_timeout,omitempty"`
	TransferID        string  `json:"transfer_id,omitempty"`
	Filename          string  `json:"filename,omitempty"`
	Active            bool    `json:"active"`
	Connections       int     `json:"connections"`
}

// Info returns a point-in-time snapshot of the ticket's public fields.
func (t *Ticket) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		UUID:              t.UUID,
		URL:               t.URL,
		Size:              t.Size,
		Ops:               t.Ops,
		Sparse:            t.Sparse,
		Dirty:             t.Dirty,
		Timeout:           t.Timeout.Seconds(),
		InactivityTimeout: t.InactivityTimeout.Seconds(),
		TransferID:        t.TransferID,
		Filename:          t.Filename,
		Active:            len(t.contexts) > 0,
		Connections:       len(t.contexts),
	}
}

// attach opens (or reuses) a Context for connID, opening the backend
// with open if this is the first request on that connection. Idle
// expiry is cleared while at least one context is attached, per
// spec §3.2's "attaches one Context per connection" rule.
func (t *Ticket) attach(connID string, cancel context.CancelFunc, open func() (backend.Backend, error)) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.contexts[connID]; ok {
		return c, nil
	}

	b, err := open()
	if err != nil {
		return nil, fmt.Errorf("ticket: opening backend: %w", err)
	}
	c := &Context{Backend: b, Buffer: make([]byte, DefaultBufferSize), cancel: cancel}
	t.contexts[connID] = c
	t.log.WithField("connection", connID).Debug("attached context")
	return c, nil
}

// detach releases connID's Context, closing its backend. Once the last
// context is released the ticket returns to idle and its inactivity
// timer restarts, per spec §3.2.
func (t *Ticket) detach(connID string) {
	t.mu.Lock()
	c, ok := t.contexts[connID]
	if ok {
		delete(t.contexts, connID)
	}
	if len(t.contexts) == 0 {
		t.expiresAt = time.Now().Add(t.Timeout)
	}
	t.mu.Unlock()

	if ok {
		if err := c.Backend.Close(); err != nil {
			t.log.WithError(err).WithField("connection", connID).Warn("closing context backend")
		}
		t.log.WithField("connection", connID).Debug("detached context")
	}

	t.cond.L.Lock()
	t.cond.Broadcast()
	t.cond.L.Unlock()
}

func (t *Ticket) contextCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// cancelContexts invokes every attached context's cancel function
// (Design Notes: "remove blocks until contexts drop to zero"; the
// cancel functions are how the owning connections learn to stop).
func (t *Ticket) cancelContexts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.contexts {
		if c.cancel != nil {
			c.cancel()
		}
	}
}
