package dataserver

import (
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/ticket"
)

// httpError carries the status code an error maps to under §7, so a
// handler can build one with fmt.Errorf("...: %w", httpError{...}) and
// let writeErrorFor do the mapping in one place.
type httpError struct {
	code    int
	message string
}

func (e httpError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return httpError{code: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// writeError writes a §6-compliant error body: text/plain with a
// trailing newline. closeConn additionally marks the connection for
// close, per §4.5's "if the response has started ... close the
// connection" policy.
func writeError(w http.ResponseWriter, r *http.Request, code int, message string, closeConn bool) {
	if closeConn {
		w.Header().Set("Connection", "close")
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "%s\n", message)
}

// writeErrorFor maps err to a status code per §7's table and writes it,
// logging server-side (500) errors with their real cause while never
// putting that cause in the response body.
func writeErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	var he httpError
	switch {
	case errors.As(err, &he):
		writeError(w, r, he.code, he.message, he.code == http.StatusForbidden)
	case errors.Is(err, ticket.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "ticket not found", false)
	case errors.Is(err, ticket.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "operation not permitted", true)
	case errors.Is(err, ticket.ErrExpired):
		writeError(w, r, http.StatusForbidden, "ticket expired", true)
	case errors.Is(err, ticket.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error(), false)
	case errors.Is(err, ticket.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error(), false)
	case errors.Is(err, backend.ErrUnsupported):
		writeError(w, r, http.StatusNotFound, "not supported by this backend", false)
	case errors.Is(err, backend.ErrOutOfRange):
		writeError(w, r, http.StatusBadRequest, "range out of bounds", false)
	default:
		log.WithError(err).Error("internal error handling data server request")
		writeError(w, r, http.StatusInternalServerError, "internal error", false)
	}
}
