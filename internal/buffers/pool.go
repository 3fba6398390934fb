package buffers

import "github.com/valyala/bytebufferpool"

// Scratch buffers for caller goroutines. Workers own their buffers; callers
// encoding on the read/validate path borrow from this pool instead.
var scratchPool bytebufferpool.Pool

func AcquireScratch() *bytebufferpool.ByteBuffer {
	return scratchPool.Get()
}

func ReleaseScratch(bb *bytebufferpool.ByteBuffer) {
	scratchPool.Put(bb)
}
