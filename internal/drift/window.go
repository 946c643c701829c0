package drift

import (
	"sync"

	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Window keeps the most recent production readings for periodic checks.
type Window struct {
	mu    sync.Mutex
	buf   []telemetry.Reading
	start int
	count int
}

// NewWindow returns a window holding at most size readings.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{buf: make([]telemetry.Reading, size)}
}

// Add appends r, evicting the oldest reading when full.
func (w *Window) Add(r telemetry.Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count < len(w.buf) {
		w.buf[(w.start+w.count)%len(w.buf)] = r
		w.count++
		return
	}
	w.buf[w.start] = r
	w.start = (w.start + 1) % len(w.buf)
}

// Readings returns the held readings, oldest first.
func (w *Window) Readings() []telemetry.Reading {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]telemetry.Reading, w.count)
	for i := range out {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of held readings.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
