package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexxhost/imgio/internal/extent"
)

func TestQueuePutGetOrder(t *testing.T) {
	q := newQueue(4)
	require.NoError(t, q.Put(Request{Op: OpCopy, Start: 0, Length: 1}))
	require.NoError(t, q.Put(Request{Op: OpCopy, Start: 1, Length: 1}))

	r1, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(0), r1.Start)

	r2, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(1), r2.Start)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := newQueue(1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Get()
		done <- err
	}()
	q.Close()
	require.ErrorIs(t, <-done, ErrClosed)
}

func TestQueueCloseDrainsBeforeErrClosed(t *testing.T) {
	q := newQueue(2)
	require.NoError(t, q.Put(Request{Op: OpCopy, Length: 1}))
	q.Close()

	// One item was already queued; it must still be delivered.
	req, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, OpCopy, req.Op)

	_, err = q.Get()
	require.ErrorIs(t, err, ErrClosed)
}

func TestSplitBoundsRequestSize(t *testing.T) {
	reqs := split(OpCopy, 0, 300, 128)
	require.Len(t, reqs, 3)
	assert.Equal(t, int64(128), reqs[0].Length)
	assert.Equal(t, int64(128), reqs[1].Length)
	assert.Equal(t, int64(44), reqs[2].Length)
	assert.Equal(t, int64(256), reqs[2].Start)
}

func TestSplitEmptyRange(t *testing.T) {
	assert.Nil(t, split(OpZero, 0, 0, 128))
}

// TestPlanZeroDefaultHole mirrors the E6 scenario: a sparsely-allocated
// source with a 4MiB data extent, a 124MiB hole, and another 4MiB data
// extent, copied onto a fresh destination (zero=false, hole=true) should
// produce exactly two COPY requests and no ZERO requests.
func TestPlanZeroDefaultHole(t *testing.T) {
	const mib = 1024 * 1024
	src := newMemBackend(132*mib, false)
	for i := 0; i < 4*mib; i++ {
		src.data[i] = 0xAB
	}
	for i := 128 * mib; i < 132*mib; i++ {
		src.data[i] = 0xCD
	}

	q := newQueue(64)
	go func() {
		err := planZero(src, int64(len(src.data)), planOptions{Zero: false, Hole: true}, q)
		require.NoError(t, err)
		q.Close()
	}()

	var reqs []Request
	for {
		req, err := q.Get()
		if err != nil {
			break
		}
		reqs = append(reqs, req)
	}

	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, OpCopy, r.Op)
	}
	assert.Equal(t, int64(0), reqs[0].Start)
	assert.Equal(t, int64(4*mib), reqs[0].Length)
	assert.Equal(t, int64(128*mib), reqs[1].Start)
	assert.Equal(t, int64(4*mib), reqs[1].Length)
}

func TestPlanZeroWritesZeroWhenRequested(t *testing.T) {
	src := newMemBackend(8, false)
	src.data[0] = 1 // one data byte, rest zero

	q := newQueue(64)
	go func() {
		require.NoError(t, planZero(src, 8, planOptions{Zero: true, Hole: true}, q))
		q.Close()
	}()

	var ops []Op
	for {
		req, err := q.Get()
		if err != nil {
			break
		}
		ops = append(ops, req.Op)
	}
	assert.Equal(t, []Op{OpCopy, OpZero}, ops)
}

func TestPlanDirtySkipsClean(t *testing.T) {
	src := &fakeDirtyBackend{
		memBackend: newMemBackend(16, false),
		exts: []dirtyExt{
			{start: 0, length: 8, dirty: false},
			{start: 8, length: 8, dirty: true, zero: true},
		},
	}

	q := newQueue(64)
	go func() {
		require.NoError(t, planDirty(src, 16, q))
		q.Close()
	}()

	req, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, OpZero, req.Op)
	assert.Equal(t, int64(8), req.Start)

	_, err = q.Get()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCopyEndToEnd(t *testing.T) {
	const size = 1024
	src := newMemBackend(size, false)
	for i := range src.data {
		src.data[i] = byte(i % 251)
	}
	dst := newMemBackend(size, true)

	err := Copy(context.Background(), src, dst, Options{Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, src.data, dst.data)
}

func TestCopyPropagatesPlannerError(t *testing.T) {
	src := newMemBackend(16, false)
	dst := newMemBackend(16, true)

	zero := false
	err := Copy(context.Background(), src, dst, Options{Workers: 2, Dirty: true, Zero: &zero})
	require.Error(t, err)
}

func TestClampWorkers(t *testing.T) {
	assert.Equal(t, 1, clampWorkers(8, 2, 0)) // one reader reserved for the planner
	assert.Equal(t, 3, clampWorkers(8, 0, 3))
	assert.Equal(t, 4, clampWorkers(4, 0, 0))
	assert.Equal(t, 1, clampWorkers(4, 1, 1))
}

// fakeDirtyBackend layers a DirtyExtents capability onto memBackend for
// TestPlanDirtySkipsClean.
type dirtyExt struct {
	start, length int64
	dirty, zero   bool
}

type fakeDirtyBackend struct {
	*memBackend
	exts []dirtyExt
}

func (b *fakeDirtyBackend) DirtyExtents(off, length int64) ([]extent.DirtyExtent, error) {
	out := make([]extent.DirtyExtent, 0, len(b.exts))
	for _, e := range b.exts {
		out = append(out, extent.DirtyExtent{Start: e.start, Length: e.length, Dirty: e.dirty, Zero: e.zero})
	}
	return out, nil
}
