package dataserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vexxhost/imgio/internal/ticket"
)

// ticketWire is the JSON wire shape for control-socket ticket bodies,
// mirroring daemon/ovirt_imageio/tickets.py's PUT/GET handler.
type ticketWire struct {
	UUID              string      `json:"uuid"`
	URL               string      `json:"url"`
	Size              int64       `json:"size"`
	Ops               []ticket.Op `json:"ops"`
	Sparse            bool        `json:"sparse,omitempty"`
	Dirty             bool        `json:"dirty,omitempty"`
	Timeout           float64     `json:"timeout"`
	InactivityTimeout float64     `json:"inactivity_timeout,omitempty"`
	TransferID        string      `json:"transfer_id,omitempty"`
	Filename          string      `json:"filename,omitempty"`
	Active            bool        `json:"active,omitempty"`
	Connections       int         `json:"connections,omitempty"`
}

func infoToWire(info ticket.Info) ticketWire {
	return ticketWire{
		UUID:              info.UUID,
		URL:               info.URL,
		Size:              info.Size,
		Ops:               info.Ops,
		Sparse:            info.Sparse,
		Dirty:             info.Dirty,
		Timeout:           info.Timeout,
		InactivityTimeout: info.InactivityTimeout,
		TransferID:        info.TransferID,
		Filename:          info.Filename,
		Active:            info.Active,
		Connections:       info.Connections,
	}
}

// handlePutTicket implements PUT /tickets/{id} on the control socket:
// idempotent add/replace (spec §4.6's add).
func (s *Server) handlePutTicket(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)
	var body ticketWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", false)
		return
	}
	if body.UUID == "" {
		body.UUID = id
	}
	if body.UUID != id {
		writeError(w, r, http.StatusBadRequest, "uuid in body does not match path", false)
		return
	}

	_, err := s.store.Add(ticket.Params{
		UUID:              body.UUID,
		URL:               body.URL,
		Size:              body.Size,
		Ops:               body.Ops,
		Sparse:            body.Sparse,
		Dirty:             body.Dirty,
		Timeout:           time.Duration(body.Timeout * float64(time.Second)),
		InactivityTimeout: time.Duration(body.InactivityTimeout * float64(time.Second)),
		TransferID:        body.TransferID,
		Filename:          body.Filename,
	})
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetTicket implements GET /tickets/{id}.
func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(idVar(r))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infoToWire(t.Info()))
}

type extendBody struct {
	Timeout float64 `json:"timeout"`
}

// handlePatchTicket implements PATCH /tickets/{id}, extending its
// inactivity timeout.
func (s *Server) handlePatchTicket(w http.ResponseWriter, r *http.Request) {
	var body extendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", false)
		return
	}
	if err := s.store.Extend(idVar(r), time.Duration(body.Timeout*float64(time.Second))); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteTicket implements DELETE /tickets/{id}: idempotent,
// cancels and waits for attached contexts to drop to zero (spec §4.6).
func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(idVar(r)); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
