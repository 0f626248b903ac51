// Package pool provides sync.Pool-backed reuse for the allocations the
// data plane makes on every single query: read buffers sized for UDP,
// EDNS0 and TCP-framed responses, and the *wire.Message values the
// resolver pipeline builds and tears down per query.
package pool

import (
	"sync"

	"github.com/dnsscience/heimdall/internal/wire"
)

// Buffer sizes for different use cases.
const (
	SmallBufferSize  = 512   // UDP DNS queries (most common)
	MediumBufferSize = 4096  // EDNS0 responses
	LargeBufferSize  = 65535 // Maximum DNS message size
)

// MessagePool is a sync.Pool for *wire.Message reuse.
var MessagePool = sync.Pool{
	New: func() interface{} {
		return new(wire.Message)
	},
}

// GetMessage gets a message from the pool.
func GetMessage() *wire.Message {
	return MessagePool.Get().(*wire.Message)
}

// PutMessage returns a message to the pool. The message is reset first —
// skipping this would leak one query's records into the next query that
// draws this message from the pool.
func PutMessage(msg *wire.Message) {
	if msg == nil {
		return
	}

	msg.Header = wire.Header{}
	msg.Question = msg.Question[:0]
	msg.Answer = msg.Answer[:0]
	msg.Authority = msg.Authority[:0]
	msg.Additional = msg.Additional[:0]
	msg.CompressionOps = 0

	MessagePool.Put(msg)
}

// SmallBufferPool for UDP queries (512 bytes).
var SmallBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, SmallBufferSize)
		return &buf
	},
}

// GetSmallBuffer gets a 512-byte buffer.
func GetSmallBuffer() []byte {
	bufPtr := SmallBufferPool.Get().(*[]byte)
	return (*bufPtr)[:SmallBufferSize]
}

// PutSmallBuffer returns a buffer to the pool.
func PutSmallBuffer(buf []byte) {
	if cap(buf) < SmallBufferSize {
		return // don't pool undersized buffers
	}
	buf = buf[:cap(buf)]
	SmallBufferPool.Put(&buf)
}

// MediumBufferPool for EDNS0 responses (4096 bytes).
var MediumBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MediumBufferSize)
		return &buf
	},
}

// GetMediumBuffer gets a 4096-byte buffer.
func GetMediumBuffer() []byte {
	bufPtr := MediumBufferPool.Get().(*[]byte)
	return (*bufPtr)[:MediumBufferSize]
}

// PutMediumBuffer returns a buffer to the pool.
func PutMediumBuffer(buf []byte) {
	if cap(buf) < MediumBufferSize {
		return
	}
	buf = buf[:cap(buf)]
	MediumBufferPool.Put(&buf)
}

// LargeBufferPool for large responses (65535 bytes).
var LargeBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, LargeBufferSize)
		return &buf
	},
}

// GetLargeBuffer gets a 65535-byte buffer.
func GetLargeBuffer() []byte {
	bufPtr := LargeBufferPool.Get().(*[]byte)
	return (*bufPtr)[:LargeBufferSize]
}

// PutLargeBuffer returns a buffer to the pool.
func PutLargeBuffer(buf []byte) {
	if cap(buf) < LargeBufferSize {
		return
	}
	buf = buf[:cap(buf)]
	LargeBufferPool.Put(&buf)
}

// GetBuffer intelligently selects the right buffer size.
func GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return GetSmallBuffer()
	case size <= MediumBufferSize:
		return GetMediumBuffer()
	default:
		return GetLargeBuffer()
	}
}

// PutBuffer returns a buffer to the appropriate pool.
func PutBuffer(buf []byte) {
	capacity := cap(buf)
	switch {
	case capacity == SmallBufferSize:
		PutSmallBuffer(buf)
	case capacity == MediumBufferSize:
		PutMediumBuffer(buf)
	case capacity == LargeBufferSize:
		PutLargeBuffer(buf)
		// else: don't pool weird sizes
	}
}

// ResetPools clears all pools (useful for testing or memory pressure).
func ResetPools() {
	MessagePool = sync.Pool{
		New: func() interface{} {
			return new(wire.Message)
		},
	}

	SmallBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, SmallBufferSize)
			return &buf
		},
	}

	MediumBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, MediumBufferSize)
			return &buf
		},
	}

	LargeBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, LargeBufferSize)
			return &buf
		},
	}
}
