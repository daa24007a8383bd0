// Package dataserver implements the ticket-authorized HTTP data plane
// described in spec §4.5: ranged reads/writes, zero/flush over PATCH,
// capability negotiation over OPTIONS, extent and checksum endpoints,
// plus the separate control-socket ticket CRUD routes from §4.6.
package dataserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/ticket"
)

// Options configures a Server. Zero values fall back to the defaults
// below, matching spec §4.5's connection-handling numbers.
type Options struct {
	// UnixSocketPath, when non-empty, is advertised in OPTIONS responses
	// so same-host clients can upgrade off TCP/TLS (spec §4.3.3).
	UnixSocketPath string
	MaxReaders     int
	MaxWriters     int
	// IdleTimeout is the connection idle timeout before any ticket is
	// attached; once attached it is extended to the ticket's own
	// InactivityTimeout.
	IdleTimeout time.Duration
	// CancelTimeout bounds how long ticket removal waits for this
	// server's connections to drop their contexts.
	CancelTimeout time.Duration
}

const (
	defaultIdleTimeout   = 60 * time.Second
	defaultCancelTimeout = 10 * time.Second
	defaultMaxReaders    = 8
	defaultMaxWriters    = 8
	maxRequestLineBytes  = 4096
)

// Server wires a ticket.Store to the two HTTP routers described in
// spec §4.5: the data-plane router (ranged image I/O) and the
// control-socket router (ticket management). A Server has no
// lifecycle of its own beyond building http.Handlers and http.Server
// hooks; the caller owns listener setup (cmd/imgio-server).
type Server struct {
	store *ticket.Store
	opts  Options

	mu    sync.Mutex
	conns map[net.Conn]*connState
}

// connState is the per-connection bookkeeping needed to release every
// ticket.Context a connection acquired once it closes, and to give
// Store.Remove a way to interrupt it (spec §4.6 "signals each attached
// context's owning connection").
type connState struct {
	id   string
	conn net.Conn

	mu      sync.Mutex
	tickets map[string]struct{}
}

func (c *connState) track(ticketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickets == nil {
		c.tickets = make(map[string]struct{})
	}
	c.tickets[ticketID] = struct{}{}
}

func (c *connState) ticketIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tickets))
	for id := range c.tickets {
		ids = append(ids, id)
	}
	return ids
}

type connStateKey struct{}

func connStateFromContext(ctx context.Context) *connState {
	cs, _ := ctx.Value(connStateKey{}).(*connState)
	return cs
}

func contextWithConnState(ctx context.Context, cs *connState) context.Context {
	return context.WithValue(ctx, connStateKey{}, cs)
}

// NewServer returns a Server backed by store.
func NewServer(store *ticket.Store, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	if opts.MaxReaders <= 0 {
		opts.MaxReaders = defaultMaxReaders
	}
	if opts.MaxWriters <= 0 {
		opts.MaxWriters = defaultMaxWriters
	}
	return &Server{store: store, opts: opts, conns: make(map[net.Conn]*connState)}
}

// DataHandler returns the router for the ticket-authorized image
// endpoints (spec §4.5's image routes).
func (s *Server) DataHandler() http.Handler {
	r := mux.NewRouter()
	images := r.PathPrefix("/images/{id}").Subrouter()
	// The sub-path routes are registered first so that a wrong method on
	// /images/{id} itself is answered with 405 rather than 404.
	images.HandleFunc("/extents", s.handleExtents).Methods(http.MethodGet)
	images.HandleFunc("/checksum", s.handleChecksum).Methods(http.MethodGet)
	images.HandleFunc("", s.handlePutImage).Methods(http.MethodPut)
	images.HandleFunc("", s.handleGetImage).Methods(http.MethodGet)
	images.HandleFunc("", s.handlePatchImage).Methods(http.MethodPatch)
	images.HandleFunc("", s.handleOptionsImage).Methods(http.MethodOptions)
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

// ControlHandler returns the router for ticket CRUD, meant to be served
// on a Unix control socket rather than the data-plane listener (spec
// §4.5 "Ticket management is carried on a separate control socket").
func (s *Server) ControlHandler() http.Handler {
	r := mux.NewRouter()
	tickets := r.PathPrefix("/tickets/{id}").Subrouter()
	tickets.HandleFunc("", s.handlePutTicket).Methods(http.MethodPut)
	tickets.HandleFunc("", s.handleGetTicket).Methods(http.MethodGet)
	tickets.HandleFunc("", s.handlePatchTicket).Methods(http.MethodPatch)
	tickets.HandleFunc("", s.handleDeleteTicket).Methods(http.MethodDelete)
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

// ConfigureServer wires this Server's connection-tracking hooks onto
// srv, so handlers can find their connState via r.Context() and every
// ticket a connection attached is released when it closes. Call this once
// per *http.Server before it starts serving.
func (s *Server) ConfigureServer(srv *http.Server) {
	srv.ReadHeaderTimeout = s.opts.IdleTimeout
	srv.IdleTimeout = s.opts.IdleTimeout
	srv.MaxHeaderBytes = maxRequestLineBytes

	srv.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		cs := &connState{id: uuid.NewString(), conn: c}
		s.mu.Lock()
		s.conns[c] = cs
		s.mu.Unlock()
		return context.WithValue(ctx, connStateKey{}, cs)
	}
	srv.ConnState = func(c net.Conn, state http.ConnState) {
		if state != http.StateClosed && state != http.StateHijacked {
			return
		}
		s.mu.Lock()
		cs, ok := s.conns[c]
		delete(s.conns, c)
		s.mu.Unlock()
		if !ok {
			return
		}
		for _, id := range cs.ticketIDs() {
			s.store.Release(id, cs.id)
		}
		log.WithField("connection", cs.id).Debug("connection closed, released tickets")
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "no such route", false)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed", false)
}
