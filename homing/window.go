package homing

// Window is a fixed-capacity FIFO of recent valid Hall samples. It reports a
// peak when its temporal center is at least as large as every other sample it
// holds, which can only happen once the actuator has already driven past the
// physical peak by half the window.
type Window struct {
	samples []uint16
	size    int
}

// NewWindow returns an empty window holding at most size samples.
func NewWindow(size int) *Window {
	return &Window{samples: make([]uint16, 0, size), size: size}
}

// Push appends a sample, evicting the oldest one once the window is full.
func (w *Window) Push(v uint16) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples[len(w.samples)-1] = v
		return
	}
	w.samples = append(w.samples, v)
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return len(w.samples) }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.size }

// Samples returns a copy of the held samples, oldest first.
func (w *Window) Samples() []uint16 {
	out := make([]uint16, len(w.samples))
	copy(out, w.samples)
	return out
}

// Lag is the number of samples between the center of a full window and its
// newest entry. When AtPeak reports true, the actuator passed the peak Lag
// steps ago.
func (w *Window) Lag() int { return w.size / 2 }

// AtPeak reports whether the window is full and its center sample is greater
// than or equal to every other sample. A plateau counts as a peak.
func (w *Window) AtPeak() bool {
	if len(w.samples) < w.size {
		return false
	}
	center := w.samples[w.size/2]
	for _, s := range w.samples {
		if s > center {
			return false
		}
	}
	return true
}
