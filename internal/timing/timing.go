// Package timing provides opt-in phase timing for upload diagnostics.
//
// Enable timing output by setting EDGESTORE_TIMING=1.
// Output format: [TIMING] phase_name: duration (optional_details)
//
// Example output:
//
//	[TIMING] request-upload report.pdf: 45ms
//	[TIMING] Part 1/3: 850ms size=5.0 MiB
//	[TIMING] upload report.pdf: 2.1s (total 12 MiB at 5.7 MiB/s)
package timing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// EnvTiming enables timing output when set to "1".
const EnvTiming = "EDGESTORE_TIMING"

// Enabled reports whether EDGESTORE_TIMING=1.
func Enabled() bool {
	return os.Getenv(EnvTiming) == "1"
}

// Logf writes a timing line to w when timing is enabled. A nil w means stderr.
func Logf(w io.Writer, format string, args ...any) {
	if !Enabled() {
		return
	}
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "[TIMING] %s\n", fmt.Sprintf(format, args...))
}

// Timer tracks elapsed time for a named phase.
// Stop may be called more than once; only the first call logs.
type Timer struct {
	name    string
	start   time.Time
	w       io.Writer
	stopped int32
}

// Start creates a timer for name. A nil w means stderr.
func Start(w io.Writer, name string) *Timer {
	if w == nil {
		w = os.Stderr
	}
	return &Timer{name: name, start: time.Now(), w: w}
}

// Elapsed returns the time since Start without stopping the timer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Stop logs and returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && Enabled() {
		fmt.Fprintf(t.w, "[TIMING] %s: %v\n", t.name, elapsed.Round(time.Millisecond))
	}
	return elapsed
}

// StopWithThroughput logs the elapsed time with the rate for n bytes.
func (t *Timer) StopWithThroughput(n int64) time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && Enabled() {
		fmt.Fprintf(t.w, "[TIMING] %s: %v (total %s at %s)\n",
			t.name, elapsed.Round(time.Millisecond), humanize.IBytes(uint64(n)), Speed(n, elapsed))
	}
	return elapsed
}

// PartTimer aggregates per-part durations of one multipart upload.
// It is safe for concurrent use by part workers.
type PartTimer struct {
	name       string
	w          io.Writer
	totalParts int

	mu            sync.Mutex
	completed     int
	totalBytes    int64
	totalDuration time.Duration
}

// NewPartTimer creates a part timer. A nil w means stderr.
func NewPartTimer(w io.Writer, name string, totalParts int) *PartTimer {
	if w == nil {
		w = os.Stderr
	}
	return &PartTimer{name: name, w: w, totalParts: totalParts}
}

// RecordPart records one successful part transfer.
func (pt *PartTimer) RecordPart(partNumber int, d time.Duration, n int64) {
	pt.mu.Lock()
	pt.completed++
	pt.totalBytes += n
	pt.totalDuration += d
	pt.mu.Unlock()

	Logf(pt.w, "Part %d/%d: %v size=%s", partNumber, pt.totalParts, d.Round(time.Millisecond), humanize.IBytes(uint64(n)))
}

// Stats returns the parts recorded so far and their mean per-part rate in bytes/second.
func (pt *PartTimer) Stats() (completed int, totalBytes int64, avgSpeed float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.totalDuration > 0 {
		avgSpeed = float64(pt.totalBytes) / pt.totalDuration.Seconds()
	}
	return pt.completed, pt.totalBytes, avgSpeed
}

// Summary logs the aggregate part statistics.
func (pt *PartTimer) Summary() {
	completed, total, avg := pt.Stats()
	if completed == 0 {
		return
	}
	Logf(pt.w, "%s summary: %d/%d parts, %s total, avg=%s/s per part",
		pt.name, completed, pt.totalParts, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(avg)))
}

// Speed formats n bytes over d as a human-readable rate.
func Speed(n int64, d time.Duration) string {
	if d <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(float64(n)/d.Seconds())) + "/s"
}
