package codec

import "github.com/valyala/bytebufferpool"

// Frame bounds from spec §3: ciphertext frames are capped by the
// 16-bit wire length field, plaintext frames are capped well under
// that to leave ample room for AEAD tags and handshake prefixes.
const (
	maxCiphertextLen = 65535
	maxPlaintextLen  = 16384
)

var secureBufPool bytebufferpool.Pool

// wipe zeroes a buffer's full backing array, not just its current
// length, so key material or plaintext does not linger in a pooled
// allocation between connections.
func wipe(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

// acquire returns a pooled buffer sized to exactly n bytes, growing its
// backing array only if its pooled capacity is insufficient. Per the
// Framed codec's design notes, buffers are sized once at construction
// (to maxPlaintextLen / maxCiphertextLen) and this call then only ever
// slices within that capacity — no further reallocation occurs over the
// life of a connection.
func acquire(n int) *bytebufferpool.ByteBuffer {
	b := secureBufPool.Get()
	if cap(b.B) < n {
		wipe(b.B)
		b.B = make([]byte, n)
	} else {
		b.B = b.B[:n]
	}
	return b
}

// release wipes and returns a buffer to the pool.
func release(b *bytebufferpool.ByteBuffer) {
	wipe(b.B)
	secureBufPool.Put(b)
}

// resize sets b's length to n, reslicing within its already-allocated
// capacity in the common case; when that capacity is too small it copies
// b's contents into a newly allocated array.
func resize(b *bytebufferpool.ByteBuffer, n int) {
	if cap(b.B) < n {
		grown := make([]byte, n)
		copy(grown, b.B)
		b.B = grown
		return
	}
	b.B = b.B[:n]
}
