package dataserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/ticket"
)

// authorize resolves id to a ticket, attaches (or reuses) this
// connection's Context for it, and checks op against the ticket's
// permitted operations, per spec §4.5 steps 1-2.
func (s *Server) authorize(r *http.Request, id string, op ticket.Op) (*ticket.Ticket, *ticket.Context, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, nil, err
	}

	cs := connStateFromContext(r.Context())
	if cs == nil {
		return nil, nil, fmt.Errorf("dataserver: no connection state on request")
	}
	cancel := func() {
		if cs.conn != nil {
			cs.conn.Close()
		}
	}
	ctxVal, err := s.store.Context(id, cs.id, cancel)
	if err != nil {
		return nil, nil, err
	}
	cs.track(id)

	// Once a ticket is attached, the connection's idle deadline grows from
	// the server default to the ticket's own inactivity timeout; refreshed
	// on every authorized request.
	if t.InactivityTimeout > 0 && cs.conn != nil {
		_ = cs.conn.SetReadDeadline(time.Now().Add(t.InactivityTimeout))
	}

	if err := t.Authorize(op); err != nil {
		return nil, nil, err
	}
	return t, ctxVal, nil
}

func idVar(r *http.Request) string { return mux.Vars(r)["id"] }

// handlePutImage implements PUT /images/{id} (spec §4.5).
func (s *Server) handlePutImage(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)
	t, ctxVal, err := s.authorize(r, id, ticket.OpWrite)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	off, length, err := parsePutRange(r)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if !t.InRange(off, length) {
		writeErrorFor(w, r, ticket.ErrForbidden)
		return
	}

	n, err := writeRequestBody(ctxVal.Backend, off, r.Body, length, ctxVal.Buffer)
	if err != nil {
		if !drained(r) {
			writeError(w, r, http.StatusInternalServerError, "write failed", true)
			return
		}
		writeErrorFor(w, r, err)
		return
	}
	if n != length {
		writeError(w, r, http.StatusBadRequest, "short write", true)
		return
	}

	if r.URL.Query().Get("flush") != "n" {
		if err := ctxVal.Backend.Flush(); err != nil {
			writeErrorFor(w, r, err)
			return
		}
	}

	if r.URL.Query().Get("close") == "y" {
		w.Header().Set("Connection", "close")
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetImage implements GET /images/{id}, including the ranged-read
// path (spec §4.5, §6).
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)
	t, ctxVal, err := s.authorize(r, id, ticket.OpRead)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	off, length, ranged, err := parseGetRange(r, t.Size)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if !t.InRange(off, length) {
		writeErrorFor(w, r, ticket.ErrForbidden)
		return
	}

	if ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, off+length-1, t.Size))
		if t.Filename != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", t.Filename))
		} else {
			w.Header().Set("Content-Disposition", "attachment")
		}
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusOK)
	}

	if wt, ok := ctxVal.Backend.(backend.StreamWriterTo); ok {
		if _, err := wt.WriteTo(w, off, length, ctxVal.Buffer); err != nil {
			log.WithError(err).WithField("ticket", id).Warn("streaming read failed after response started")
		}
		return
	}

	remaining := length
	pos := off
	buf := ctxVal.Buffer
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		got, err := ctxVal.Backend.ReadAt(buf[:n], pos)
		if err != nil {
			log.WithError(err).WithField("ticket", id).Warn("read failed after response started")
			return
		}
		if _, err := w.Write(buf[:got]); err != nil {
			return
		}
		pos += int64(got)
		remaining -= int64(got)
	}
}

type patchBody struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// handlePatchImage implements PATCH /images/{id} with {"op":"zero"|"flush"}.
func (s *Server) handlePatchImage(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)
	t, ctxVal, err := s.authorize(r, id, ticket.OpWrite)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", false)
		return
	}

	switch body.Op {
	case "zero":
		if body.Size < 0 || body.Offset < 0 {
			writeError(w, r, http.StatusBadRequest, "size and offset must be non-negative", false)
			return
		}
		if !t.InRange(body.Offset, body.Size) {
			writeErrorFor(w, r, ticket.ErrForbidden)
			return
		}
		// A sparse ticket lets zero deallocate; a non-sparse one must
		// keep the range allocated and merely make it read as zero.
		if err := ctxVal.Backend.ZeroAt(body.Offset, body.Size, t.Sparse); err != nil {
			writeErrorFor(w, r, err)
			return
		}
	case "flush":
		if err := ctxVal.Backend.Flush(); err != nil {
			writeErrorFor(w, r, err)
			return
		}
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown op %q", body.Op), false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type optionsBody struct {
	Features   []string `json:"features"`
	UnixSocket string   `json:"unix_socket,omitempty"`
	MaxReaders int      `json:"max_readers"`
	MaxWriters int      `json:"max_writers"`
}

// handleOptionsImage implements OPTIONS /images/{id}; id=="*" returns
// meta-capabilities without authorizing any ticket (spec §4.5).
func (s *Server) handleOptionsImage(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)

	var features []string
	if id == "*" {
		features = []string{"checksum", "extents", "flush", "zero"}
	} else {
		t, _, err := s.authorize(r, id, ticket.OpRead)
		if err != nil {
			writeErrorFor(w, r, err)
			return
		}
		features = []string{"checksum", "extents"}
		if t.HasOp(ticket.OpWrite) {
			features = append(features, "flush", "zero")
		}
	}

	body := optionsBody{
		Features:   features,
		UnixSocket: s.opts.UnixSocketPath,
		MaxReaders: s.opts.MaxReaders,
		MaxWriters: s.opts.MaxWriters,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

type zeroExtentWire struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
	Zero   bool  `json:"zero"`
	Hole   bool  `json:"hole"`
}

type dirtyExtentWire struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
	Dirty  bool  `json:"dirty"`
	Zero   bool  `json:"zero"`
}

// handleExtents implements GET /images/{id}/extents?context=zero|dirty.
func (s *Server) handleExtents(w http.ResponseWriter, r *http.Request) {
	id := idVar(r)
	t, ctxVal, err := s.authorize(r, id, ticket.OpRead)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	ctx := r.URL.Query().Get("context")
	if ctx == "" {
		ctx = "zero"
	}

	w.Header().Set("Content-Type", "application/json")
	switch ctx {
	case "zero":
		exts, err := ctxVal.Backend.Extents(0, t.Size)
		if err != nil {
			writeErrorFor(w, r, err)
			return
		}
		wire := make([]zeroExtentWire, 0, len(exts))
		for _, e := range exts {
			wire = append(wire, zeroExtentWire{Start: e.Start, Length: e.Length, Zero: e.Zero, Hole: e.Hole})
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(wire)
	case "dirty":
		de, ok := ctxVal.Backend.(backend.DirtyExtents)
		if !ok {
			writeErrorFor(w, r, backend.ErrUnsupported)
			return
		}
		exts, err := de.DirtyExtents(0, t.Size)
		if err != nil {
			writeErrorFor(w, r, err)
			return
		}
		wire := make([]dirtyExtentWire, 0, len(exts))
		for _, e := range exts {
			wire = append(wire, dirtyExtentWire{Start: e.Start, Length: e.Length, Dirty: e.Dirty, Zero: e.Zero})
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(wire)
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown context %q", ctx), false)
	}
}

// writeRequestBody copies length bytes from body into dst at off,
// preferring dst's StreamReaderFrom fast path over a generic WriteAt
// loop through buf.
func writeRequestBody(dst backend.Backend, off int64, body io.Reader, length int64, buf []byte) (int64, error) {
	if rf, ok := dst.(backend.StreamReaderFrom); ok {
		return rf.ReadFrom(io.LimitReader(body, length), off, length, buf)
	}

	var total int64
	remaining := length
	pos := off
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		got, err := io.ReadFull(body, buf[:n])
		if got > 0 {
			if _, werr := dst.WriteAt(buf[:got], pos); werr != nil {
				return total, werr
			}
			total += int64(got)
			pos += int64(got)
			remaining -= int64(got)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drained reports whether r.Body has been fully consumed, used to pick
// between closing the connection and replying with an error in place
// (spec §4.5's handler-exception policy).
func drained(r *http.Request) bool {
	var b [1]byte
	n, err := r.Body.Read(b[:])
	return n == 0 && err != nil
}

func parsePutRange(r *http.Request) (off, length int64, err error) {
	length = r.ContentLength
	if length < 0 {
		return 0, 0, badRequest("Content-Length required")
	}
	cr := r.Header.Get("Content-Range")
	if cr == "" {
		return 0, length, nil
	}
	off, last, complete, err := parseContentRange(cr)
	if err != nil {
		return 0, 0, err
	}
	if last-off+1 != length {
		return 0, 0, badRequest("Content-Range length does not match Content-Length")
	}
	_ = complete
	return off, length, nil
}

// parseContentRange parses "bytes first-last/(complete|*)" per spec §6.
func parseContentRange(v string) (first, last int64, complete string, err error) {
	v = strings.TrimPrefix(v, "bytes ")
	slash := strings.IndexByte(v, '/')
	if slash < 0 {
		return 0, 0, "", badRequest("malformed Content-Range")
	}
	rangePart, complete := v[:slash], v[slash+1:]
	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return 0, 0, "", badRequest("malformed Content-Range")
	}
	first, err1 := strconv.ParseInt(rangePart[:dash], 10, 64)
	last, err2 := strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, "", badRequest("malformed Content-Range")
	}
	if first > last {
		return 0, 0, "", badRequest("Content-Range first > last")
	}
	if complete != "*" {
		completeN, err3 := strconv.ParseInt(complete, 10, 64)
		if err3 != nil {
			return 0, 0, "", badRequest("malformed Content-Range")
		}
		if last >= completeN {
			return 0, 0, "", badRequest("Content-Range last >= complete")
		}
	}
	return first, last, complete, nil
}

// parseGetRange parses the Range header per spec §6: only
// "bytes=first-last" is accepted; suffix ranges ("bytes=-n") are
// rejected with 416. No Range header reads the whole ticket size.
func parseGetRange(r *http.Request, size int64) (off, length int64, ranged bool, err error) {
	v := r.Header.Get("Range")
	if v == "" {
		return 0, size, false, nil
	}
	v = strings.TrimPrefix(v, "bytes=")
	dash := strings.IndexByte(v, '-')
	if dash < 0 {
		return 0, 0, false, badRequest("malformed Range header")
	}
	firstStr, lastStr := v[:dash], v[dash+1:]
	if firstStr == "" {
		return 0, 0, false, httpError{code: http.StatusRequestedRangeNotSatisfiable, message: "suffix ranges are not supported"}
	}
	first, err1 := strconv.ParseInt(firstStr, 10, 64)
	if err1 != nil {
		return 0, 0, false, badRequest("malformed Range header")
	}
	var last int64
	if lastStr == "" {
		last = size - 1
	} else {
		l, err2 := strconv.ParseInt(lastStr, 10, 64)
		if err2 != nil {
			return 0, 0, false, badRequest("malformed Range header")
		}
		last = l
	}
	if first > last {
		return 0, 0, false, httpError{code: http.StatusRequestedRangeNotSatisfiable, message: "range not satisfiable"}
	}
	return first, last - first + 1, true, nil
}
