// Package progress samples long-running operations and renders them.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Bar is a single-line terminal renderer. It serves as a CountObserver for
// hashing passes and as a Sink for transfers.
type Bar struct {
	width      int
	writer     io.Writer
	mu         sync.Mutex
	label      string
	enabled    bool
	lastUpdate time.Time
	drawn      bool
}

// New returns a bar writing to stdout, enabled only when stdout is a terminal.
func New() *Bar {
	return NewWithWriter(os.Stdout, isTerminal(os.Stdout))
}

// NewWithWriter returns a bar writing to w.
func NewWithWriter(w io.Writer, enabled bool) *Bar {
	return &Bar{
		width:   40,
		writer:  w,
		enabled: enabled,
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetLabel sets the text shown after the bar, typically the current file.
func (b *Bar) SetLabel(label string) {
	b.mu.Lock()
	b.label = label
	b.mu.Unlock()
}

// Count renders a (processed, total) update. It matches CountObserver.
func (b *Bar) Count(processed, total int) {
	if !b.enabled || total <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Update at most every 100ms to reduce flickering
	now := time.Now()
	if now.Sub(b.lastUpdate) < 100*time.Millisecond && processed != total {
		return
	}
	b.lastUpdate = now
	b.render(float64(processed)/float64(total), fmt.Sprintf("(%d/%d)", processed, total))
}

// Report renders a transfer sample. It implements Sink.
func (b *Bar) Report(s Sample) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fraction := 0.0
	if s.HasPercent {
		fraction = s.Percent / 100
	}
	b.render(fraction, fmt.Sprintf("%s %.2f MB/s %s", formatBytes(s.Done), s.SpeedMBps, s.Elapsed.Truncate(time.Second)))
}

// render must be called with mu already locked
func (b *Bar) render(fraction float64, detail string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filledWidth := int(float64(b.width) * fraction)
	bar := strings.Repeat("█", filledWidth) + strings.Repeat("░", b.width-filledWidth)

	label := b.label
	if label != "" {
		label = " | " + label
	}

	// Clear the line and write progress
	fmt.Fprintf(b.writer, "\r\033[K[%s] %3d%% %s%s", bar, int(fraction*100), detail, label)
	b.drawn = true
}

// Finish ends the current line.
func (b *Bar) Finish() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drawn {
		fmt.Fprintf(b.writer, "\n")
		b.drawn = false
	}
	b.lastUpdate = time.Time{}
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatBytes renders a byte count for humans.
func FormatBytes(bytes int64) string {
	return formatBytes(bytes)
}
