package monitor

import "github.com/p-arndt/labkasten/internal/runtime"

// window is a fixed-size ring of usage samples for one session.
type window struct {
	handle  string
	samples []runtime.Usage
	next    int
	full    bool
}

func newWindow(handle string, size int) *window {
	return &window{handle: handle, samples: make([]runtime.Usage, size)}
}

func (w *window) push(u runtime.Usage) {
	w.samples[w.next] = u
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// ordered returns the samples oldest first.
func (w *window) ordered() []runtime.Usage {
	out := make([]runtime.Usage, 0, w.len())
	if w.full {
		out = append(out, w.samples[w.next:]...)
	}
	return append(out, w.samples[:w.next]...)
}

// pressureStreak counts the newest consecutive samples whose memory use is at
// least ratio of the limit. Samples without a limit break the streak.
func (w *window) pressureStreak(ratio float64) int {
	streak := 0
	samples := w.ordered()
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if s.MemLimitBytes == 0 || float64(s.MemBytes) < ratio*float64(s.MemLimitBytes) {
			break
		}
		streak++
	}
	return streak
}
