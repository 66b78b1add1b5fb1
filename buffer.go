package rio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Buffer is an in-memory, growable byte cursor used for one serialization or
// deserialization session.
//
// Writes append at the write cursor (Len) and grow the backing array
// geometrically; they never fail. Reads consume from the read cursor (Pos),
// which never passes the write cursor. Like Reader, a Buffer latches the first
// read error: after an underrun every later read is a no-op until ClearErr or
// Seek.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	data  []byte
	off   int // read cursor
	order binary.ByteOrder
	err   error

	gen  int // bumped by Reset, invalidates outstanding reservations
	open int // unresolved reservations
}

var (
	_ io.Writer     = (*Buffer)(nil)
	_ io.Reader     = (*Buffer)(nil)
	_ io.ByteReader = (*Buffer)(nil)
	_ io.ByteWriter = (*Buffer)(nil)
	_ io.Seeker     = (*Buffer)(nil)
	_ io.WriterTo   = (*Buffer)(nil)
	_ io.ReaderFrom = (*Buffer)(nil)
)

// NewBuffer creates an empty Buffer for writing with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, 0, capacity), order: Order}
}

// NewReadBuffer creates a Buffer whose write cursor sits at the end of data,
// ready for decoding. The Buffer takes ownership of data.
func NewReadBuffer(data []byte) *Buffer {
	return &Buffer{data: data, order: Order}
}

// WithByteOrder sets the byte order used for fixed-width primitives.
func (b *Buffer) WithByteOrder(order binary.ByteOrder) *Buffer {
	b.order = order
	return b
}

func (b *Buffer) ByteOrder() binary.ByteOrder { return b.order }

// Len returns the write cursor: the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int { return cap(b.data) }

// Pos returns the read cursor.
func (b *Buffer) Pos() int { return b.off }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.off }

func (b *Buffer) Err() error { return b.err }

// ClearErr drops a latched read error so decoding can resume, typically after
// seeking past a record that failed.
func (b *Buffer) ClearErr() { b.err = nil }

// Bytes returns every byte written so far. It does not check reservations;
// use Finalize when the content is about to leave the session.
func (b *Buffer) Bytes() []byte { return b.data }

// Unread returns the bytes between the read and write cursors without consuming them.
func (b *Buffer) Unread() []byte { return b.data[b.off:] }

// Finalize returns the written bytes, failing loudly if any Reservation taken
// with Reserve has not been resolved.
func (b *Buffer) Finalize() ([]byte, error) {
	if b.open > 0 {
		return nil, fmt.Errorf("%w: %d open", ErrUnresolvedReservation, b.open)
	}
	return b.data, nil
}

// Reset empties the Buffer, keeping its backing array, and invalidates all
// outstanding reservations.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
	b.err = nil
	b.open = 0
	b.gen++
}

// grow makes room for n more bytes and returns the offset to write them at.
// Capacity at least doubles so appends stay amortized O(1).
func (b *Buffer) grow(n int) int {
	l := len(b.data)
	if l+n <= cap(b.data) {
		b.data = b.data[:l+n]
		return l
	}
	c := 2 * cap(b.data)
	if c < l+n {
		c = l + n
	}
	c = Roundup(c, 64)
	data := make([]byte, l+n, c)
	copy(data, b.data)
	b.data = data
	return l
}

// --- Write Operations ---

// Write implements io.Writer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	off := b.grow(len(p))
	copy(b.data[off:], p)
	return len(p), nil
}

// WriteByte implements io.ByteWriter. It never fails.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

// WriteBytes appends p verbatim.
func (b *Buffer) WriteBytes(p []byte) {
	_, _ = b.Write(p)
}

// ReadFrom implements io.ReaderFrom, appending everything r yields until EOF.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	for {
		if cap(b.data)-len(b.data) < BUFFER_SIZE {
			off := b.grow(BUFFER_SIZE)
			b.data = b.data[:off]
		}
		l := len(b.data)
		m, err := r.Read(b.data[l:cap(b.data)])
		if m < 0 {
			return n, fmt.Errorf("rio: reader returned invalid count %d", m)
		}
		b.data = b.data[:l+m]
		n += int64(m)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.data = append(b.data, 1)
	} else {
		b.data = append(b.data, 0)
	}
}

func (b *Buffer) WriteUint8(v uint8) { b.data = append(b.data, v) }
func (b *Buffer) WriteInt8(v int8)   { b.data = append(b.data, uint8(v)) }

func (b *Buffer) WriteUint16(v uint16) { b.order.PutUint16(b.data[b.grow(2):], v) }
func (b *Buffer) WriteUint32(v uint32) { b.order.PutUint32(b.data[b.grow(4):], v) }
func (b *Buffer) WriteUint64(v uint64) { b.order.PutUint64(b.data[b.grow(8):], v) }

func (b *Buffer) WriteInt16(v int16) { b.WriteUint16(uint16(v)) }
func (b *Buffer) WriteInt32(v int32) { b.WriteUint32(uint32(v)) }
func (b *Buffer) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *Buffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }
func (b *Buffer) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }

// WriteUvarint appends v as an unsigned LEB128 varint.
func (b *Buffer) WriteUvarint(v uint64) { b.data = binary.AppendUvarint(b.data, v) }

// WriteVarint appends v as a zig-zag varint.
func (b *Buffer) WriteVarint(v int64) { b.data = binary.AppendVarint(b.data, v) }

// WriteLenString appends s as uvarint(len+1) followed by its bytes. A length
// prefix of zero is reserved for an absent string, see WriteLenStringPtr.
func (b *Buffer) WriteLenString(s string) {
	b.WriteUvarint(uint64(len(s)) + 1)
	off := b.grow(len(s))
	copy(b.data[off:], s)
}

// WriteLenStringPtr appends *s like WriteLenString, or the absent marker when s is nil.
func (b *Buffer) WriteLenStringPtr(s *string) {
	if s == nil {
		b.WriteUvarint(0)
		return
	}
	b.WriteLenString(*s)
}

// WriteLenBytes appends p with the same framing as WriteLenString; a nil p is absent.
func (b *Buffer) WriteLenBytes(p []byte) {
	if p == nil {
		b.WriteUvarint(0)
		return
	}
	b.WriteUvarint(uint64(len(p)) + 1)
	b.WriteBytes(p)
}
