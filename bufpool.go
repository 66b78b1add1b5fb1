package rio

import "sync"

// CHUNK_SIZE is the default maximum number of uncompressed bytes per block.
const CHUNK_SIZE = 32 * 1024

// maxPooledCap keeps a single oversized session from pinning memory in the pool.
const maxPooledCap = 4 * 1024 * 1024

// bufferPool reuses session buffers. This reduces GC pressure when many small
// records are encoded back to back.
var bufferPool = sync.Pool{
	New: func() any {
		return NewBuffer(BUFFER_SIZE)
	},
}

// GetBuffer returns an empty Buffer from the pool.
func GetBuffer() *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.Reset()
	b.order = Order
	return b
}

// PutBuffer returns b to the pool. b must not be used afterwards.
func PutBuffer(b *Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	bufferPool.Put(b)
}

// chunkPool holds scratch space for block decompression.
var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, CHUNK_SIZE)
		return &b
	},
}

// GetChunk returns a zero-length scratch slice with at least CHUNK_SIZE capacity.
func GetChunk() *[]byte {
	p := chunkPool.Get().(*[]byte)
	*p = (*p)[:0]
	return p
}

// PutChunk returns a scratch slice obtained from GetChunk.
func PutChunk(p *[]byte) {
	if p == nil || cap(*p) > maxPooledCap {
		return
	}
	chunkPool.Put(p)
}
