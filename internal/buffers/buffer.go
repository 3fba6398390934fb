package buffers

import "time"

const (
	DefaultInitialCapacity = 64 * 1024
	DefaultShrinkInterval  = 60 * time.Second
	DefaultShrinkGap       = 1024
)

// Buffer is reusable scratch space for a single goroutine. It is not safe for
// concurrent use.
type Buffer struct {
	data  []byte
	floor int
	peak  int
}

func NewBuffer(initialCapacity int) *Buffer {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return &Buffer{
		data:  make([]byte, 0, initialCapacity),
		floor: initialCapacity,
	}
}

// Scratch returns the empty backing slice, ready to be appended to.
func (b *Buffer) Scratch() []byte {
	return b.data[:0]
}

// Set adopts the result of an append onto Scratch. The larger backing array
// is kept, so capacity only ever grows between shrinks.
func (b *Buffer) Set(p []byte) {
	if cap(p) >= cap(b.data) {
		b.data = p
	} else {
		b.data = append(b.data[:0], p...)
	}
	if len(p) > b.peak {
		b.peak = len(p)
	}
}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Len() int      { return len(b.data) }
func (b *Buffer) Cap() int      { return cap(b.data) }
func (b *Buffer) Peak() int     { return b.peak }

// ShrinkTo reallocates the buffer down to the largest of floor and the peak
// length seen since the previous shrink, when that frees more than gap bytes.
// It returns the number of bytes released.
func (b *Buffer) ShrinkTo(floor, gap int) int {
	if floor < b.floor {
		floor = b.floor
	}
	target := b.peak
	if target < floor {
		target = floor
	}
	b.peak = 0

	released := cap(b.data) - target
	if released <= gap {
		return 0
	}
	b.data = make([]byte, 0, target)
	return released
}
