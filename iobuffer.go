package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	// reservedPrefix is the >=8 byte header space kept at the front of
	// every buffer so a fixed-size length header can be prepended without
	// a copy (§3, §6's "wire surface").
	reservedPrefix  = 8
	initialCapacity = 1024
	scatterScratch  = 64 * 1024
)

// IOBuffer is the contiguous growable byte buffer of §3/§4.3 (C3): a
// single backing slice with readIdx<=writeIdx<=len(buf), a reserved prefix
// for in-place header prepending, and big-endian integer helpers for wire
// framing.
type IOBuffer struct {
	buf      []byte
	readIdx  int
	writeIdx int
}

// NewIOBuffer allocates a buffer with the given initial capacity (the
// reserved prefix is carved out of it, not added on top).
func NewIOBuffer(capacity int) *IOBuffer {
	if capacity < reservedPrefix {
		capacity = reservedPrefix
	}
	return &IOBuffer{
		buf:      make([]byte, capacity),
		readIdx:  reservedPrefix,
		writeIdx: reservedPrefix,
	}
}

// NewDefaultIOBuffer allocates a buffer with the library's default initial
// capacity.
func NewDefaultIOBuffer() *IOBuffer { return NewIOBuffer(initialCapacity) }

// ReadableLen returns write_idx-read_idx.
func (b *IOBuffer) ReadableLen() int { return b.writeIdx - b.readIdx }

// WritableLen returns len(buf)-write_idx.
func (b *IOBuffer) WritableLen() int { return len(b.buf) - b.writeIdx }

// ReservedLen returns read_idx, the size of the still-unused header
// prefix.
func (b *IOBuffer) ReservedLen() int { return b.readIdx }

// ReadableView returns the current readable window [read_idx, write_idx).
// The returned slice aliases the buffer and is invalidated by any mutating
// call.
func (b *IOBuffer) ReadableView() []byte { return b.buf[b.readIdx:b.writeIdx] }

// WritableView returns the current writable window [write_idx, len).
func (b *IOBuffer) WritableView() []byte { return b.buf[b.writeIdx:] }

// Rewind resets both indexes to the reserved offset, discarding all
// buffered content without shrinking the backing array (§3).
func (b *IOBuffer) Rewind() {
	b.readIdx = reservedPrefix
	b.writeIdx = reservedPrefix
}

// ensureWritable implements §3's three-tier policy: no-op if the suffix
// already fits n bytes; compact the already-consumed prefix back to the
// reserved offset if that would make room; otherwise grow the backing
// array.
func (b *IOBuffer) ensureWritable(n int) {
	if b.WritableLen() >= n {
		return
	}
	readable := b.ReadableLen()
	if reservedPrefix+readable+n <= len(b.buf) {
		copy(b.buf[reservedPrefix:reservedPrefix+readable], b.buf[b.readIdx:b.writeIdx])
		b.readIdx = reservedPrefix
		b.writeIdx = reservedPrefix + readable
		return
	}
	grown := make([]byte, reservedPrefix+readable+n)
	copy(grown[reservedPrefix:reservedPrefix+readable], b.buf[b.readIdx:b.writeIdx])
	b.buf = grown
	b.readIdx = reservedPrefix
	b.writeIdx = reservedPrefix + readable
}

// Append copies p onto the writable window, growing as needed.
func (b *IOBuffer) Append(p []byte) {
	b.ensureWritable(len(p))
	b.writeIdx += copy(b.buf[b.writeIdx:], p)
}

// Prepend writes p into the reserved prefix, immediately before read_idx.
// len(p) must be <= ReservedLen(); this is the in-place header-prepend
// path the reserved prefix exists for (§3).
func (b *IOBuffer) Prepend(p []byte) error {
	if len(p) > b.readIdx {
		return ErrEmptyBuffer
	}
	b.readIdx -= len(p)
	copy(b.buf[b.readIdx:], p)
	return nil
}

// Retrieve consumes and returns the next n readable bytes. It panics if n
// exceeds ReadableLen, matching the core spec's invariant that callers
// only retrieve what On Message already told them is available.
func (b *IOBuffer) Retrieve(n int) []byte {
	if n > b.ReadableLen() {
		panic("reactor: IOBuffer.Retrieve: short buffer")
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readIdx:b.readIdx+n])
	b.readIdx += n
	if b.readIdx == b.writeIdx {
		b.Rewind()
	}
	return out
}

// RetrieveAll consumes and returns every readable byte.
func (b *IOBuffer) RetrieveAll() []byte { return b.Retrieve(b.ReadableLen()) }

// AppendUint16BE/32/64 append n in network byte order.
func (b *IOBuffer) AppendUint16BE(n uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], n)
	b.Append(tmp[:])
}
func (b *IOBuffer) AppendUint32BE(n uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	b.Append(tmp[:])
}
func (b *IOBuffer) AppendUint64BE(n uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	b.Append(tmp[:])
}

// PeekUint16BE/32/64 read without consuming.
func (b *IOBuffer) PeekUint16BE() uint16 { return binary.BigEndian.Uint16(b.ReadableView()) }
func (b *IOBuffer) PeekUint32BE() uint32 { return binary.BigEndian.Uint32(b.ReadableView()) }
func (b *IOBuffer) PeekUint64BE() uint64 { return binary.BigEndian.Uint64(b.ReadableView()) }

// RetrieveUint16BE/32/64 read and consume.
func (b *IOBuffer) RetrieveUint16BE() uint16 {
	v := b.PeekUint16BE()
	b.Retrieve(2)
	return v
}
func (b *IOBuffer) RetrieveUint32BE() uint32 {
	v := b.PeekUint32BE()
	b.Retrieve(4)
	return v
}
func (b *IOBuffer) RetrieveUint64BE() uint64 {
	v := b.PeekUint64BE()
	b.Retrieve(8)
	return v
}

// PrependUint32BE writes a 4-byte network-order length header into the
// reserved prefix, the common framing case §6 calls out explicitly.
func (b *IOBuffer) PrependUint32BE(n uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return b.Prepend(tmp[:])
}

// ScatterRead performs a vectored read from fd into the writable window
// plus a 64 KiB stack-scratch tail, per §4.3: a sudden burst larger than
// the current writable space is captured in one syscall instead of being
// truncated to EAGAIN on the next loop tick. Non-fatal errno values are
// returned as (0, nil, true) so callers can treat them as "try again"
// without logging (§4.3, §7).
func (b *IOBuffer) ScatterRead(fd int) (n int, err error, retry bool) {
	if b.WritableLen() == 0 {
		b.ensureWritable(1)
	}
	var scratch [scatterScratch]byte
	iov := [][]byte{b.WritableView(), scratch[:]}

	nr, rerr := unix.Readv(fd, iov)
	if rerr != nil {
		if isTransient(rerr) {
			return 0, nil, true
		}
		return 0, rerr, false
	}
	if nr <= b.WritableLen() {
		b.writeIdx += nr
	} else {
		writable := b.WritableLen()
		overflow := nr - writable
		b.writeIdx = len(b.buf)
		b.Append(scratch[:overflow])
	}
	return nr, nil, false
}

// WriteTo performs a single send(2) of the readable window with
// MSG_NOSIGNAL and advances read_idx by however much was accepted (§4.3).
// A negative-errno failure is returned as-is for the caller (Connection)
// to classify.
func (b *IOBuffer) WriteTo(fd int) (n int, err error) {
	view := b.ReadableView()
	if len(view) == 0 {
		return 0, nil
	}
	nw, werr := unix.Send(fd, view, unix.MSG_NOSIGNAL)
	if nw > 0 {
		b.readIdx += nw
		if b.readIdx == b.writeIdx {
			b.Rewind()
		}
	}
	return nw, werr
}
