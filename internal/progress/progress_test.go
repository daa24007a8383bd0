package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterAdd(t *testing.T) {
	var c Counter
	assert.EqualValues(t, 5, c.Add(5))
	assert.EqualValues(t, 8, c.Add(3))
	assert.EqualValues(t, 8, c.Value())
}

func TestStopwatchAccumulatesAcrossStartStop(t *testing.T) {
	sw := NewStopwatch()
	sw.Start(PhaseConnect)
	time.Sleep(5 * time.Millisecond)
	sw.Stop(PhaseConnect)
	sw.Start(PhaseConnect)
	time.Sleep(5 * time.Millisecond)
	sw.Stop(PhaseConnect)

	snap := sw.Snapshot()
	assert.GreaterOrEqual(t, snap[PhaseConnect], 10*time.Millisecond)
}

func TestStopwatchSnapshotIncludesEveryStartedPhase(t *testing.T) {
	sw := NewStopwatch()
	sw.Start(PhaseTransfer)
	sw.Start(PhaseConnect)
	sw.Stop(PhaseTransfer)
	sw.Stop(PhaseConnect)

	snap := sw.Snapshot()
	_, okTransfer := snap[PhaseTransfer]
	_, okConnect := snap[PhaseConnect]
	assert.True(t, okTransfer)
	assert.True(t, okConnect)
}

func TestStopwatchStopWithoutStartIsNoop(t *testing.T) {
	sw := NewStopwatch()
	sw.Stop(PhaseFlush)
	assert.Empty(t, sw.Snapshot())
}

func TestTrackerSnapshotThroughput(t *testing.T) {
	tr := NewTracker(1024)
	tr.Bytes.Add(512)
	snap := tr.Snapshot()
	assert.EqualValues(t, 512, snap.BytesTransferred)
	assert.EqualValues(t, 1024, snap.PlannedTotal)
	assert.GreaterOrEqual(t, snap.Elapsed, time.Duration(0))
}
