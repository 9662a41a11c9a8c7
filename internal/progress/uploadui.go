package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// UploadUI manages multiple concurrent upload progress bars using mpb
type UploadUI struct {
	progress   *mpb.Progress
	out        io.Writer
	bars       sync.Map // filepath -> *FileBar
	isTerminal bool
	totalFiles int
	started    int32 // Atomic counter for file index (1, 2, 3, ...)
	completed  int32
}

// FileBar represents a single file upload progress bar
type FileBar struct {
	bar        *mpb.Bar
	ui         *UploadUI
	index      int
	filepath   string
	bucket     string
	size       int64
	startTime  time.Time
	mu         sync.Mutex
	lastUpdate time.Time
	lastBytes  int64
}

// NewUploadUI creates a new upload UI with the given number of total files
func NewUploadUI(totalFiles int) *UploadUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		// Enable ANSI escape sequences on Windows for proper progress bar rendering
		enableANSIOnWindows(os.Stderr)

		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond), // ~3 times per second
			mpb.WithWidth(100),
		)
	} else {
		// Non-TTY: disable progress bars, just use text output
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &UploadUI{
		progress:   p,
		out:        os.Stdout,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
	}
}

// AddFileBar creates a new progress bar for a file upload into bucket
func (u *UploadUI) AddFileBar(localPath, bucket string, size int64) *FileBar {
	// Atomic increment to get unique file index across all concurrent uploads
	index := int(atomic.AddInt32(&u.started, 1))

	sourcePath := truncatePath(localPath, 2)

	fb := &FileBar{
		ui:         u,
		index:      index,
		filepath:   localPath,
		bucket:     bucket,
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}

	if u.isTerminal {
		fb.bar = u.progress.New(size,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("[%d/%d] %s (%s) → %s",
					fb.index, u.totalFiles,
					sourcePath,
					humanize.IBytes(uint64(size)),
					bucket), decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 30),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		// Non-TTY: print simple start message
		fmt.Fprintf(u.out, "Uploading [%d/%d]: %s (%s) → %s\n",
			fb.index, u.totalFiles,
			sourcePath,
			humanize.IBytes(uint64(size)),
			bucket)
	}

	u.bars.Store(localPath, fb)
	return fb
}

// UpdateProgress moves the bar to percent (0 to 100) of the file size.
// Updates are throttled; a drop to a lower value (a failed upload resets to 0)
// is applied immediately.
func (f *FileBar) UpdateProgress(percent float64) {
	if f.bar == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(f.lastUpdate)

	currentBytes := int64(percent / 100 * float64(f.size))
	bytesDelta := currentBytes - f.lastBytes

	if bytesDelta < 0 {
		f.bar.SetCurrent(currentBytes)
		f.lastBytes = currentBytes
		f.lastUpdate = now
		return
	}

	// Update every 300ms minimum so EWMA speed tracks time passage
	const updateInterval = 300 * time.Millisecond

	if elapsed >= updateInterval {
		f.bar.EwmaIncrBy(int(bytesDelta), elapsed)
		f.lastBytes = currentBytes
		f.lastUpdate = now
	}
}

// Complete marks the upload as finished and prints a summary
func (f *FileBar) Complete(url string, err error) {
	elapsed := time.Since(f.startTime)
	var rate uint64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = uint64(float64(f.size) / secs)
	}

	var msg string
	if err == nil {
		if f.bar != nil {
			// ENSURE exact 100% completion (no rounding errors)
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}

		msg = fmt.Sprintf("✓ %s → %s (%s, %s, %s/s)\n",
			truncatePath(f.filepath, 2),
			url,
			humanize.IBytes(uint64(f.size)),
			elapsed.Round(time.Second),
			humanize.IBytes(rate))
	} else {
		if f.bar != nil {
			f.bar.Abort(false) // false = don't remove (show failure)
		}

		msg = fmt.Sprintf("✗ %s → %s: %v\n",
			truncatePath(f.filepath, 2),
			f.bucket,
			err)
	}

	// Write through mpb's writer (not stdout) to avoid triggering redraws
	if f.ui.isTerminal && f.ui.progress != nil {
		_, _ = f.ui.progress.Write([]byte(msg))
	} else {
		fmt.Fprint(f.ui.out, msg)
	}

	atomic.AddInt32(&f.ui.completed, 1)
}

// Wait blocks until all progress bars complete
func (u *UploadUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Completed returns how many files finished, successfully or not.
func (u *UploadUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// LogWriter returns an io.Writer that safely prints above the progress bars
func (u *UploadUI) LogWriter() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal returns true if output is to a terminal (progress bars are active).
func (u *UploadUI) IsTerminal() bool {
	return u.isTerminal
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows for ANSI escape sequences.
// The actual implementation is in uploadui_windows.go
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
