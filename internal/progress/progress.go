// Package progress tracks byte counters and per-phase timing for a
// transfer, and renders them to a terminal progress bar.
package progress

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// Counter is a thread-safe monotonic byte counter, updated from worker
// goroutines and read by a reporter goroutine.
type Counter struct {
	total int64
}

// Add increments the counter by n bytes and returns the new total.
func (c *Counter) Add(n int64) int64 { return atomic.AddInt64(&c.total, n) }

// Value returns the current total.
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.total) }

// Phase names a stage of a transfer for the stopwatch below.
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhasePlan     Phase = "plan"
	PhaseTransfer Phase = "transfer"
	PhaseFlush    Phase = "flush"
)

// Stopwatch records the start and (once stopped) elapsed duration of each
// phase of a transfer, in the order phases are started.
type Stopwatch struct {
	mu     sync.Mutex
	order  []Phase
	starts map[Phase]time.Time
	elapsed map[Phase]time.Duration
}

// NewStopwatch returns an empty Stopwatch.
func NewStopwatch() *Stopwatch {
	return &Stopwatch{
		starts:  make(map[Phase]time.Time),
		elapsed: make(map[Phase]time.Duration),
	}
}

// Start records the current time as the beginning of phase p. Calling
// Start again for a phase that is already running has no effect.
func (s *Stopwatch) Start(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.starts[p]; running {
		return
	}
	if _, seen := s.elapsed[p]; !seen {
		s.order = append(s.order, p)
	}
	s.starts[p] = time.Now()
}

// Stop records the elapsed time since Start(p) and clears the running
// marker. Stopping a phase that was never started has no effect.
func (s *Stopwatch) Stop(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.starts[p]
	if !ok {
		return
	}
	s.elapsed[p] += time.Since(start)
	delete(s.starts, p)
}

// Snapshot returns the accumulated duration of each phase that has been
// started at least once; a running phase includes its time so far.
func (s *Stopwatch) Snapshot() map[Phase]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Phase]time.Duration, len(s.order))
	for _, p := range s.order {
		d := s.elapsed[p]
		if start, running := s.starts[p]; running {
			d += time.Since(start)
		}
		out[p] = d
	}
	return out
}

// Tracker combines a byte Counter with a phase Stopwatch for one
// transfer, plus the planned total size used to compute a percentage.
type Tracker struct {
	Bytes     Counter
	Phases    *Stopwatch
	PlannedTotal int64
	startTime time.Time
}

// NewTracker returns a Tracker for a transfer expected to move
// plannedTotal bytes.
func NewTracker(plannedTotal int64) *Tracker {
	return &Tracker{
		Phases:       NewStopwatch(),
		PlannedTotal: plannedTotal,
		startTime:    time.Now(),
	}
}

// Snapshot is a point-in-time view of a Tracker suitable for logging or
// serializing to a status endpoint.
type Snapshot struct {
	BytesTransferred int64
	PlannedTotal     int64
	Elapsed          time.Duration
	ThroughputMBps   float64
	Phases           map[Phase]time.Duration
}

// Snapshot captures the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	elapsed := time.Since(t.startTime)
	transferred := t.Bytes.Value()
	var throughput float64
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(transferred) / secs / (1024 * 1024)
	}
	return Snapshot{
		BytesTransferred: transferred,
		PlannedTotal:     t.PlannedTotal,
		Elapsed:          elapsed,
		ThroughputMBps:   throughput,
		Phases:           t.Phases.Snapshot(),
	}
}

var barTheme = progressbar.Theme{
	Saucer:        "[green]=[reset]",
	SaucerHead:    "[green]>[reset]",
	SaucerPadding: " ",
	BarStart:      "[",
	BarEnd:        "]",
}

// DataBar renders a byte-denominated progress bar against go-ansi's
// stdout.
func DataBar(desc string, size int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionUseIECUnits(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetTheme(barTheme),
	)
}

// Report drives a DataBar from a Tracker until done is closed, polling
// every interval. It is meant to run in its own goroutine.
func Report(t *Tracker, desc string, done <-chan struct{}, interval time.Duration) {
	bar := DataBar(desc, t.PlannedTotal)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = bar.Set64(t.Bytes.Value())
		case <-done:
			_ = bar.Set64(t.Bytes.Value())
			_ = bar.Finish()
			return
		}
	}
}
