// Package httpbackend implements backend.Backend over the ticket-authorized
// HTTP data-plane protocol served by internal/dataserver.
package httpbackend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/extent"
)

func init() {
	backend.Register("https", open)
	backend.Register("http", open)
}

// Error describes a non-2xx response. A JSON body {"code": "...",
// "message": "..."} fills both fields; otherwise (the data server sends
// plain-text error bodies) Code is the HTTP status and Message the body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("httpbackend: %s: %s", e.Code, e.Message) }

// optionsResponse is the JSON body of OPTIONS /images/{id} (spec §4.3.3,
// §6). Unknown feature strings are ignored; known ones are flattened
// into the boolean capabilities below.
type optionsResponse struct {
	Features   []string `json:"features"`
	MaxReaders int      `json:"max_readers"`
	MaxWriters int       `json:"max_writers"`
	UnixSocket string    `json:"unix_socket"`
}

// capabilities is the result of probing OPTIONS /images/{id} once per
// connection. It is copied (not shared by pointer) on Clone so a cloned
// Backend can reuse an already-probed parent's result without aliasing a
// struct the parent might still be touching (Design Notes "Clone graph").
type capabilities struct {
	probed     bool
	checksum   bool
	extents    bool
	flush      bool
	zero       bool
	maxReaders int
	maxWriters int
	unixSocket string
}

// Backend is an HTTP(S) data-plane client bound to one ticket.
type Backend struct {
	client    *http.Client
	baseURL   string
	ticketID  string
	insecure  bool
	caFile    string
	caps      capabilities
	usingUnix bool

	cachedSize    int64
	sizeKnown     bool
	cachedExtents map[string][]extent.ZeroExtent

	log *log.Entry
}

// Options configure Open (and are threaded through by the registered
// "https"/"http" scheme openers, which use the zero value: verify the
// peer against the system trust store).
type Options struct {
	CAFile   string
	Insecure bool
}

func open(u *url.URL, _ backend.OpenOptions) (backend.Backend, error) {
	// Write access and zero/flush behavior are governed by the server's
	// ticket and the probed capabilities, not by anything the client can
	// request at open time.
	return Open(u, Options{})
}

// Open connects an HTTP(S) data-plane Backend for the ticket named by
// u's path and performs the initial OPTIONS capability probe.
func Open(u *url.URL, opts Options) (backend.Backend, error) {
	ticketID := strings.Trim(u.Path, "/")
	b := &Backend{
		client:   newHTTPClient(u.Scheme == "https", opts),
		baseURL:  fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		ticketID: ticketID,
		insecure: opts.Insecure,
		caFile:   opts.CAFile,
		log:      log.WithField("ticket", ticketID),
	}
	if err := b.probe(context.Background()); err != nil {
		return nil, err
	}
	if err := b.maybeUpgradeToUnixSocket(); err != nil {
		b.log.WithError(err).Debug("same-host unix socket upgrade failed, staying on TCP/TLS")
	}
	return b, nil
}

func newHTTPClient(tlsEnabled bool, opts Options) *http.Client {
	transport := &http.Transport{}
	if tlsEnabled {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.Insecure {
			cfg.InsecureSkipVerify = true
		} else if opts.CAFile != "" {
			if pool, err := loadCAFile(opts.CAFile); err == nil {
				cfg.RootCAs = pool
			}
		}
		transport.TLSClientConfig = cfg
	}
	return &http.Client{Transport: transport}
}

func loadCAFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: reading CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("httpbackend: no certificates found in %s", path)
	}
	return pool, nil
}

// newUnixClient returns a client that dials a Unix socket instead of TCP,
// used once the server advertises same-host acceleration.
func newUnixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func (b *Backend) imageURL() string {
	return fmt.Sprintf("%s/images/%s", b.baseURL, b.ticketID)
}

// probe sends OPTIONS and interprets the result per spec §4.3.3: a JSON
// body on 200, no capabilities at all on 204/405 (old-server
// compatibility, per Design Notes §9's Open Question), anything else is
// an error.
func (b *Backend) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, b.imageURL(), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpbackend: OPTIONS: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusMethodNotAllowed:
		io.Copy(io.Discard, resp.Body)
		b.caps = capabilities{probed: true}
		return nil
	case http.StatusOK:
		var body optionsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("httpbackend: decoding OPTIONS body: %w", err)
		}
		b.caps = capabilities{probed: true, maxReaders: body.MaxReaders, maxWriters: body.MaxWriters, unixSocket: body.UnixSocket}
		for _, f := range body.Features {
			switch f {
			case "checksum":
				b.caps.checksum = true
			case "extents":
				b.caps.extents = true
			case "flush":
				b.caps.flush = true
			case "zero":
				b.caps.zero = true
			}
		}
		return nil
	default:
		return decodeError(resp)
	}
}

// maybeUpgradeToUnixSocket switches the transport to the server's
// advertised Unix socket when this connection's local and peer addresses
// resolve to the same host, per spec §4.3.3 step 3.
func (b *Backend) maybeUpgradeToUnixSocket() error {
	if b.caps.unixSocket == "" {
		return nil
	}
	sameHost, err := b.sameHostAsServer()
	if err != nil {
		return err
	}
	if !sameHost {
		return nil
	}
	b.log.WithField("socket", b.caps.unixSocket).Debug("same host as server, switching to unix socket")
	b.client = newUnixClient(b.caps.unixSocket)
	b.usingUnix = true
	return nil
}

func (b *Backend) sameHostAsServer() (bool, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return false, err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false, nil
	}
	conn, err := net.DialTimeout("tcp", u.Host, 5*time.Second)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	local, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return false, err
	}
	remote, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false, err
	}
	return local == remote, nil
}

func decodeError(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, 512)
	raw, _ := io.ReadAll(limited)
	var e Error
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return &e
	}
	return &Error{Code: strconv.Itoa(resp.StatusCode), Message: strings.ToValidUTF8(string(raw), "\ufffd")}
}

// Size discovers the export size from the last extent when the "extents"
// feature is available; otherwise it emulates HEAD with a GET that is
// closed immediately after the headers are read.
func (b *Backend) Size() (int64, error) {
	if b.sizeKnown {
		return b.cachedSize, nil
	}
	if b.caps.extents {
		exts, err := b.extents("zero")
		if err == nil && len(exts) > 0 {
			size := exts[len(exts)-1].End()
			b.cachedSize, b.sizeKnown = size, true
			return size, nil
		}
	}

	req, err := http.NewRequest(http.MethodGet, b.imageURL(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpbackend: probing size: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	size := resp.ContentLength
	if size < 0 {
		return 0, fmt.Errorf("httpbackend: server did not report Content-Length")
	}
	b.cachedSize, b.sizeKnown = size, true
	return size, nil
}

func (b *Backend) BlockSize() (minimum, preferred, maximum int64) {
	return 1, 4096, 32 * 1024 * 1024
}

func (b *Backend) Readable() bool { return true }
func (b *Backend) Writable() bool { return true }

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req, err := http.NewRequest(http.MethodGet, b.imageURL(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpbackend: GET: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, decodeError(resp)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != int64(len(p)) {
		return 0, fmt.Errorf("httpbackend: server returned %d bytes, expected %d", resp.ContentLength, len(p))
	}
	n, err := io.ReadFull(resp.Body, p)
	if err != nil {
		return n, fmt.Errorf("httpbackend: reading response body: %w", err)
	}
	return n, nil
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req, err := http.NewRequest(http.MethodPut, b.imageURL(), bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(p))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", off, off+int64(len(p))-1))
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpbackend: PUT: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, decodeError(resp)
	}
	return len(p), nil
}

// ReadFrom implements backend.StreamReaderFrom: it streams a PUT
// directly from src instead of requiring the caller to buffer the whole
// range first.
func (b *Backend) ReadFrom(src io.Reader, off, length int64, buf []byte) (int64, error) {
	req, err := http.NewRequest(http.MethodPut, b.imageURL(), io.LimitReader(src, length))
	if err != nil {
		return 0, err
	}
	req.ContentLength = length
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", off, off+length-1))
	resp, err := b.client.Do(req)
	if err != nil {
		// The peer may have aborted the body early after sending an error
		// status; that surfaces here as a write error on a pipe-like body,
		// so fall through to read whatever response did arrive.
		if resp == nil {
			return 0, fmt.Errorf("httpbackend: streaming PUT: %w", err)
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, decodeError(resp)
	}
	return length, nil
}

// WriteTo implements backend.StreamWriterTo: it streams a GET directly
// into dst instead of requiring the caller to buffer the whole range.
func (b *Backend) WriteTo(dst io.Writer, off, length int64, buf []byte) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, b.imageURL(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpbackend: streaming GET: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, decodeError(resp)
	}
	return io.CopyBuffer(dst, resp.Body, buf)
}

func (b *Backend) ZeroAt(off, length int64, punchHole bool) error {
	if length == 0 {
		return nil
	}
	if !b.caps.zero {
		buf := make([]byte, length)
		_, err := b.WriteAt(buf, off)
		return err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"op":     "zero",
		"offset": off,
		"size":   length,
		"flush":  !b.caps.flush,
	})
	return b.patch(body)
}

func (b *Backend) Flush() error {
	if !b.caps.flush {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"op": "flush"})
	return b.patch(body)
}

func (b *Backend) patch(body []byte) error {
	req, err := http.NewRequest(http.MethodPatch, b.imageURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpbackend: PATCH: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
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

// Extents reports allocation status, caching the zero-context result per
// connection the way the rest of this Backend's capabilities are cached.
func (b *Backend) Extents(off, length int64) ([]extent.ZeroExtent, error) {
	return b.extents("zero")
}

// DirtyExtents implements backend.DirtyExtents by fetching the "dirty"
// context; a 404 from the server means the ticket's backing resource has
// no dirty bitmap, surfaced as backend.ErrUnsupported.
func (b *Backend) DirtyExtents(off, length int64) ([]extent.DirtyExtent, error) {
	u := fmt.Sprintf("%s/extents?context=dirty", b.imageURL())
	resp, err := b.client.Get(u)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: GET extents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, backend.ErrUnsupported
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var wire []dirtyExtentWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("httpbackend: decoding extents: %w", err)
	}
	out := make([]extent.DirtyExtent, 0, len(wire))
	for _, e := range wire {
		out = append(out, extent.DirtyExtent{Start: e.Start, Length: e.Length, Dirty: e.Dirty, Zero: e.Zero})
	}
	return out, nil
}

func (b *Backend) extents(context string) ([]extent.ZeroExtent, error) {
	if cached, ok := b.cachedExtents[context]; ok {
		return cached, nil
	}

	u := fmt.Sprintf("%s/extents?context=%s", b.imageURL(), context)
	resp, err := b.client.Get(u)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: GET extents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Emulate a fully-allocated, non-zero image: spec §4.3.3's 404
		// fallback for the "zero" context.
		io.Copy(io.Discard, resp.Body)
		size, err := b.Size()
		if err != nil {
			return nil, err
		}
		one := []extent.ZeroExtent{{Start: 0, Length: size}}
		b.cacheExtents(context, one)
		return one, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var wire []zeroExtentWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("httpbackend: decoding extents: %w", err)
	}
	out := make([]extent.ZeroExtent, 0, len(wire))
	for _, e := range wire {
		out = append(out, extent.ZeroExtent{Start: e.Start, Length: e.Length, Zero: e.Zero, Hole: e.Hole})
	}
	b.cacheExtents(context, out)
	return out, nil
}

func (b *Backend) cacheExtents(context string, exts []extent.ZeroExtent) {
	if b.cachedExtents == nil {
		b.cachedExtents = make(map[string][]extent.ZeroExtent, 2)
	}
	b.cachedExtents[context] = exts
}

func (b *Backend) MaxReaders() int { return b.caps.maxReaders }
func (b *Backend) MaxWriters() int { return b.caps.maxWriters }

// Clone returns a new Backend bound to the same ticket, reusing this
// Backend's already-probed capabilities and cached size/extents instead
// of re-probing (spec §4.3.3 "Clone semantics").
func (b *Backend) Clone() (backend.Backend, error) {
	clone := &Backend{
		baseURL:    b.baseURL,
		ticketID:   b.ticketID,
		insecure:   b.insecure,
		caFile:     b.caFile,
		caps:       b.caps,
		usingUnix:  b.usingUnix,
		cachedSize: b.cachedSize,
		sizeKnown:  b.sizeKnown,
		log:        b.log,
	}
	if b.usingUnix {
		clone.client = newUnixClient(b.caps.unixSocket)
	} else {
		clone.client = newHTTPClient(strings.HasPrefix(b.baseURL, "https"), Options{Insecure: b.insecure, CAFile: b.caFile})
	}
	if len(b.cachedExtents) > 0 {
		clone.cachedExtents = make(map[string][]extent.ZeroExtent, len(b.cachedExtents))
		for k, v := range b.cachedExtents {
			clone.cachedExtents[k] = v
		}
	}
	return clone, nil
}

func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
