package httpbackend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexxhost/imgio/internal/backend"
)

// fakeDataServer speaks just enough of the data-plane protocol to drive
// the client: OPTIONS capability probe, ranged GET/PUT, PATCH zero/flush,
// and the /extents endpoint.
type fakeDataServer struct {
	mu       sync.Mutex
	data     []byte
	features []string
	flushes  int
	zeroes   int
}

func (s *fakeDataServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodOptions:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"features":    s.features,
				"max_readers": 8,
				"max_writers": 4,
			})
		case strings.HasSuffix(r.URL.Path, "/extents"):
			if r.URL.Query().Get("context") == "dirty" {
				http.Error(w, "no dirty bitmap\n", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `[{"start":0,"length":%d,"zero":false,"hole":false}]`, len(s.data))
		case r.Method == http.MethodGet:
			rng := r.Header.Get("Range")
			if rng == "" {
				w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
				w.WriteHeader(http.StatusOK)
				w.Write(s.data)
				return
			}
			var first, last int
			fmt.Sscanf(rng, "bytes=%d-%d", &first, &last)
			body := s.data[first : last+1]
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, len(s.data)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body)
		case r.Method == http.MethodPut:
			var first, last int
			var complete string
			fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%s", &first, &last, &complete)
			body, _ := io.ReadAll(r.Body)
			copy(s.data[first:], body)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPatch:
			var body struct {
				Op     string `json:"op"`
				Offset int64  `json:"offset"`
				Size   int64  `json:"size"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			switch body.Op {
			case "zero":
				s.zeroes++
				for i := body.Offset; i < body.Offset+body.Size; i++ {
					s.data[i] = 0
				}
			case "flush":
				s.flushes++
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "not found\n", http.StatusNotFound)
		}
	})
}

func newTestBackend(t *testing.T, size int, features []string) (*Backend, *fakeDataServer) {
	fake := &fakeDataServer{data: make([]byte, size), features: features}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL + "/tk1")
	require.NoError(t, err)
	b, err := Open(u, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b.(*Backend), fake
}

func TestProbeCapabilities(t *testing.T) {
	b, _ := newTestBackend(t, 64, []string{"extents", "flush", "zero"})
	assert.True(t, b.caps.extents)
	assert.True(t, b.caps.flush)
	assert.True(t, b.caps.zero)
	assert.False(t, b.caps.checksum)
	assert.Equal(t, 8, b.MaxReaders())
	assert.Equal(t, 4, b.MaxWriters())
}

func TestSizeFromExtents(t *testing.T) {
	b, _ := newTestBackend(t, 4096, []string{"extents"})
	size, err := b.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, size)
}

func TestSizeFromContentLengthWithoutExtents(t *testing.T) {
	b, _ := newTestBackend(t, 512, nil)
	size, err := b.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 512, size)
}

func TestReadWriteRoundTrip(t *testing.T) {
	b, fake := newTestBackend(t, 64, []string{"extents", "zero", "flush"})

	payload := []byte("really works!")
	n, err := b.WriteAt(payload, 3)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, fake.data[3:3+len(payload)])

	buf := make([]byte, len(payload))
	n, err = b.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestZeroUsesPatchWhenSupported(t *testing.T) {
	b, fake := newTestBackend(t, 32, []string{"zero", "flush"})
	for i := range fake.data {
		fake.data[i] = 0xFF
	}
	require.NoError(t, b.ZeroAt(4, 8, true))
	assert.Equal(t, 1, fake.zeroes)
	assert.Equal(t, make([]byte, 8), fake.data[4:12])
}

func TestZeroEmulatedWithPutWhenUnsupported(t *testing.T) {
	b, fake := newTestBackend(t, 32, nil)
	for i := range fake.data {
		fake.data[i] = 0xFF
	}
	require.NoError(t, b.ZeroAt(0, 16, false))
	assert.Equal(t, 0, fake.zeroes)
	assert.Equal(t, make([]byte, 16), fake.data[:16])
}

func TestFlushIsNoopWithoutFeature(t *testing.T) {
	b, fake := newTestBackend(t, 16, nil)
	require.NoError(t, b.Flush())
	assert.Equal(t, 0, fake.flushes)
}

func TestFlushPatchesWhenSupported(t *testing.T) {
	b, fake := newTestBackend(t, 16, []string{"flush"})
	require.NoError(t, b.Flush())
	assert.Equal(t, 1, fake.flushes)
}

func TestDirtyExtentsUnsupportedOn404(t *testing.T) {
	b, _ := newTestBackend(t, 16, []string{"extents"})
	_, err := b.DirtyExtents(0, 16)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestExtentsCachedPerConnection(t *testing.T) {
	b, fake := newTestBackend(t, 128, []string{"extents"})
	exts, err := b.Extents(0, 128)
	require.NoError(t, err)
	require.Len(t, exts, 1)

	// A second call must come from the cache, not the server.
	fake.mu.Lock()
	fake.data = fake.data[:64]
	fake.mu.Unlock()
	exts2, err := b.Extents(0, 128)
	require.NoError(t, err)
	assert.Equal(t, exts, exts2)
}

func TestCloneCopiesCapabilitiesAndCaches(t *testing.T) {
	b, _ := newTestBackend(t, 256, []string{"extents", "zero"})
	_, err := b.Size()
	require.NoError(t, err)

	c, err := b.Clone()
	require.NoError(t, err)
	defer c.Close()

	clone := c.(*Backend)
	assert.Equal(t, b.caps, clone.caps)
	assert.True(t, clone.sizeKnown)
	assert.Equal(t, b.cachedSize, clone.cachedSize)

	size, err := clone.Size()
	require.NoError(t, err)
	assert.Equal(t, b.cachedSize, size)
}
