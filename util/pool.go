package util

import "sync"

// DefaultBufSize is the read size used on the bulk data channel (64 KiB).
const DefaultBufSize = 64 * 1024

// BufPool provides reusable read buffers for socket receive loops.
// Receivers copy what they read out of the buffer before handing it on.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufSize {
		return
	}
	BufPool.Put(buf)
}
