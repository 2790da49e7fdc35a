package acq164d

// WindowAccumulator keeps a per-channel running sum and count of calibrated
// samples, emitting a mean once per configured window of samples. It is owned
// exclusively by the frame-processing goroutine.
type WindowAccumulator struct {
	sum         []float64
	count       []uint64
	lastEmitted FrameIndex // sample stamp when the window last elapsed
}

// NewWindowAccumulator creates an accumulator for nchan channels.
func NewWindowAccumulator(nchan int) *WindowAccumulator {
	return &WindowAccumulator{
		sum:   make([]float64, nchan),
		count: make([]uint64, nchan),
	}
}

// Add accumulates one calibrated sample for the given channel.
func (a *WindowAccumulator) Add(channel int, v float64) {
	a.sum[channel] += v
	a.count[channel]++
}

// Mean returns the mean of all samples accumulated for the channel since the
// last Clear, or 0 if none have been seen.
func (a *WindowAccumulator) Mean(channel int) float64 {
	if a.count[channel] == 0 {
		return 0
	}
	return a.sum[channel] / float64(a.count[channel])
}

// Clear resets all sums and counts. The window stamp is preserved: clearing
// is what the caller does after reading out an elapsed window.
func (a *WindowAccumulator) Clear() {
	for i := range a.sum {
		a.sum[i] = 0
		a.count[i] = 0
	}
}

// WindowElapsed reports whether windowSamples or more samples have gone by
// since the last emission, given that the stream has advanced to sample
// number now. When it returns true it also records now as the new emission
// stamp, so the check fires exactly once per window. A non-positive window
// never elapses; the caller guards a zero scan frequency that way rather
// than dividing by it.
func (a *WindowAccumulator) WindowElapsed(now, windowSamples FrameIndex) bool {
	if windowSamples <= 0 {
		return false
	}
	if now-a.lastEmitted < windowSamples {
		return false
	}
	a.lastEmitted = now
	return true
}
