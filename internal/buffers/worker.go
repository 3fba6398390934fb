package buffers

import "time"

// WorkerBuffers is the key/value scratch pair owned by one background writer.
type WorkerBuffers struct {
	Key   *Buffer
	Value *Buffer

	interval  time.Duration
	gap       int
	lastCheck time.Time
}

func NewWorkerBuffers(initialCapacity int, shrinkInterval time.Duration, gap int) *WorkerBuffers {
	if shrinkInterval <= 0 {
		shrinkInterval = DefaultShrinkInterval
	}
	if gap <= 0 {
		gap = DefaultShrinkGap
	}
	return &WorkerBuffers{
		Key:       NewBuffer(initialCapacity),
		Value:     NewBuffer(initialCapacity),
		interval:  shrinkInterval,
		gap:       gap,
		lastCheck: time.Now(),
	}
}

// MaybeShrink shrinks both buffers when a shrink interval, less a tenth for
// ticker jitter, passed since the last shrink. It returns the bytes released.
func (w *WorkerBuffers) MaybeShrink(now time.Time) int {
	if now.Sub(w.lastCheck) < w.interval-w.interval/10 {
		return 0
	}
	w.lastCheck = now
	return w.Key.ShrinkTo(0, w.gap) + w.Value.ShrinkTo(0, w.gap)
}
