package dataserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexxhost/imgio/internal/backend"
	"github.com/vexxhost/imgio/internal/extent"
	"github.com/vexxhost/imgio/internal/ticket"
)

// memBackend is a minimal in-memory backend.Backend used to drive the
// HTTP handlers without touching a real file or NBD export.
type memBackend struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

var testBackends sync.Map // url string -> *memBackend
var registerTestScheme = sync.OnceFunc(func() {
	backend.Register("dataserver-test", func(u *url.URL, _ backend.OpenOptions) (backend.Backend, error) {
		v, ok := testBackends.Load(u.String())
		if !ok {
			return nil, fmt.Errorf("no test backend registered for %s", u.String())
		}
		return v.(*memBackend), nil
	})
})

var testURLCounter atomic.Int64

func newTestTicketURL(t *testing.T, size int64) (string, *memBackend) {
	registerTestScheme()
	u := fmt.Sprintf("dataserver-test://host/%d", testURLCounter.Add(1))
	b := &memBackend{data: make([]byte, size)}
	testBackends.Store(u, b)
	return u, b
}

func (b *memBackend) Size() (int64, error)            { return int64(len(b.data)), nil }
func (b *memBackend) BlockSize() (int64, int64, int64) { return 1, 4096, 0 }
func (b *memBackend) Readable() bool                  { return true }
func (b *memBackend) Writable() bool                  { return true }
func (b *memBackend) MaxReaders() int                 { return 0 }
func (b *memBackend) MaxWriters() int                 { return 0 }
func (b *memBackend) Flush() error                    { return nil }
func (b *memBackend) Close() error                    { b.mu.Lock(); defer b.mu.Unlock(); b.closed = true; return nil }
func (b *memBackend) Clone() (backend.Backend, error) { return b, nil }

func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, backend.ErrOutOfRange
	}
	return copy(p, b.data[off:]), nil
}

func (b *memBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, backend.ErrOutOfRange
	}
	return copy(b.data[off:], p), nil
}

func (b *memBackend) ZeroAt(off, length int64, punchHole bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+length > int64(len(b.data)) {
		return backend.ErrOutOfRange
	}
	for i := off; i < off+length; i++ {
		b.data[i] = 0
	}
	return nil
}

func (b *memBackend) Extents(off, length int64) ([]extent.ZeroExtent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + length
	var out []extent.ZeroExtent
	pos := off
	for pos < end {
		zero := b.data[pos] == 0
		start := pos
		for pos < end && (b.data[pos] == 0) == zero {
			pos++
		}
		out = append(out, extent.ZeroExtent{Start: start, Length: pos - start, Zero: zero})
	}
	return out, nil
}

var _ backend.Backend = (*memBackend)(nil)

// testServer bundles a dataserver.Server with httptest servers for both
// the data-plane and control-socket routers, plus a fake connection
// context so authorize() has something to track tickets against.
type testServer struct {
	store *ticket.Store
	srv   *Server
	data  *httptest.Server
	ctrl  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	store := ticket.NewStore(50 * time.Millisecond)
	srv := NewServer(store, Options{})

	dataHandler := withFakeConnState(srv.DataHandler())
	ctrlHandler := withFakeConnState(srv.ControlHandler())

	ts := &testServer{
		store: store,
		srv:   srv,
		data:  httptest.NewServer(dataHandler),
		ctrl:  httptest.NewServer(ctrlHandler),
	}
	t.Cleanup(func() {
		ts.data.Close()
		ts.ctrl.Close()
	})
	return ts
}

// withFakeConnState injects a stable connState into every request's
// context, standing in for the real ConnContext hook a live http.Server
// would install via Server.ConfigureServer.
func withFakeConnState(next http.Handler) http.Handler {
	cs := &connState{id: "test-conn"}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := contextWithConnState(r.Context(), cs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func addTicket(t *testing.T, ts *testServer, ops []ticket.Op, size int64) (string, *memBackend) {
	url, b := newTestTicketURL(t, size)
	id := fmt.Sprintf("tk-%d", testURLCounter.Load())
	_, err := ts.store.Add(ticket.Params{
		UUID:    id,
		URL:     url,
		Size:    size,
		Ops:     ops,
		Timeout: time.Minute,
	})
	require.NoError(t, err)
	return id, b
}

func TestPutGetRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead, ticket.OpWrite}, 16)

	payload := bytes.Repeat([]byte{0xAB}, 16)
	req, err := http.NewRequest(http.MethodPut, ts.data.URL+"/images/"+id, bytes.NewReader(payload))
	require.NoError(t, err)
	req.ContentLength = 16
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.data.URL + "/images/" + id)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	got, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGetRangedRead(t *testing.T) {
	ts := newTestServer(t)
	id, b := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)
	for i := range b.data {
		b.data[i] = byte(i)
	}

	req, err := http.NewRequest(http.MethodGet, ts.data.URL+"/images/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 4-7/16", resp.Header.Get("Content-Range"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, got)
}

func TestGetSuffixRangeRejected(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)

	req, err := http.NewRequest(http.MethodGet, ts.data.URL+"/images/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

func TestPatchZeroAndFlush(t *testing.T) {
	ts := newTestServer(t)
	id, b := addTicket(t, ts, []ticket.Op{ticket.OpRead, ticket.OpWrite}, 16)
	for i := range b.data {
		b.data[i] = 0xFF
	}

	body, _ := json.Marshal(map[string]any{"op": "zero", "offset": 0, "size": 16})
	resp, err := http.Post(ts.data.URL+"/images/"+id, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPatch, ts.data.URL+"/images/"+id, bytes.NewReader(body))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	for _, v := range b.data {
		assert.Equal(t, byte(0), v)
	}

	flushBody, _ := json.Marshal(map[string]any{"op": "flush"})
	req3, err := http.NewRequest(http.MethodPatch, ts.data.URL+"/images/"+id, bytes.NewReader(flushBody))
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req3)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp3.StatusCode)
}

func TestOptionsWildcardAndTicket(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.data.URL+"/images/*", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body optionsBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Features, "zero")

	idRO, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)
	req2, err := http.NewRequest(http.MethodOptions, ts.data.URL+"/images/"+idRO, nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body2 optionsBody
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body2))
	assert.NotContains(t, body2.Features, "zero")
}

func TestExtentsZero(t *testing.T) {
	ts := newTestServer(t)
	id, b := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)
	for i := 8; i < 16; i++ {
		b.data[i] = 1
	}

	resp, err := http.Get(ts.data.URL + "/images/" + id + "/extents?context=zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var exts []zeroExtentWire
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exts))
	require.Len(t, exts, 2)
	assert.True(t, exts[0].Zero)
	assert.False(t, exts[1].Zero)
}

func TestExtentsDirtyUnsupported(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)

	resp, err := http.Get(ts.data.URL + "/images/" + id + "/extents?context=dirty")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChecksumZeroShortCircuit(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 8192)

	resp, err := http.Get(ts.data.URL + "/images/" + id + "/checksum")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body checksumBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "sha1", body.Algorithm)
	assert.NotEmpty(t, body.Checksum)
}

func TestForbiddenOnWrongOp(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)

	req, err := http.NewRequest(http.MethodPut, ts.data.URL+"/images/"+id, bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)
	req.ContentLength = 16
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestForbiddenOnOutOfRange(t *testing.T) {
	ts := newTestServer(t)
	id, _ := addTicket(t, ts, []ticket.Op{ticket.OpRead}, 16)

	req, err := http.NewRequest(http.MethodGet, ts.data.URL+"/images/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-31")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTicketCRUDOverControlSocket(t *testing.T) {
	ts := newTestServer(t)
	url, _ := newTestTicketURL(t, 32)

	body, _ := json.Marshal(ticketWire{
		UUID:    "ctl-1",
		URL:     url,
		Size:    32,
		Ops:     []ticket.Op{ticket.OpRead},
		Timeout: 60,
	})
	resp, err := http.Post(ts.ctrl.URL+"/tickets/ctl-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, ts.ctrl.URL+"/tickets/ctl-1", bytes.NewReader(body))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.ctrl.URL + "/tickets/ctl-1")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	var info ticketWire
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&info))
	assert.Equal(t, "ctl-1", info.UUID)

	extendBody, _ := json.Marshal(map[string]float64{"timeout": 120})
	reqP, err := http.NewRequest(http.MethodPatch, ts.ctrl.URL+"/tickets/ctl-1", bytes.NewReader(extendBody))
	require.NoError(t, err)
	respP, err := http.DefaultClient.Do(reqP)
	require.NoError(t, err)
	respP.Body.Close()
	assert.Equal(t, http.StatusNoContent, respP.StatusCode)

	reqD, err := http.NewRequest(http.MethodDelete, ts.ctrl.URL+"/tickets/ctl-1", nil)
	require.NoError(t, err)
	respD, err := http.DefaultClient.Do(reqD)
	require.NoError(t, err)
	respD.Body.Close()
	assert.Equal(t, http.StatusNoContent, respD.StatusCode)

	respD2, err := http.DefaultClient.Do(reqD)
	require.NoError(t, err)
	respD2.Body.Close()
	assert.Equal(t, http.StatusNoContent, respD2.StatusCode)

	_, err = ts.store.Get("ctl-1")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestUnknownTicketNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.data.URL + "/images/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
