package rio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// setError records the first non-nil error.
func (b *Buffer) setError(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// next consumes n bytes and returns a view into the backing array, or nil
// after latching ErrBufferUnderrun.
func (b *Buffer) next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 {
		b.err = fmt.Errorf("%w: %d", ErrNegativeLength, n)
		return nil
	}
	if n > len(b.data)-b.off {
		b.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrBufferUnderrun, n, b.off, len(b.data)-b.off)
		return nil
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p
}

// Read implements io.Reader. It returns io.EOF once the read cursor reaches the write cursor.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.off >= len(b.data) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	c := b.data[b.off]
	b.off++
	return c, nil
}

// PeekByte returns the next byte without consuming it.
func (b *Buffer) PeekByte() (byte, bool) {
	if b.err != nil || b.off >= len(b.data) {
		return 0, false
	}
	return b.data[b.off], true
}

// WriteTo implements io.WriterTo, draining the unread bytes into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.off >= len(b.data) {
		return 0, nil
	}
	rem := len(b.data) - b.off
	n, err := w.Write(b.data[b.off:])
	if n < 0 || n > rem {
		return 0, fmt.Errorf("rio: writer returned invalid count %d", n)
	}
	b.off += n
	if err == nil && n < rem {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// Seek implements io.Seeker on the read cursor. The target must lie within
// [0, Len]. A successful Seek clears a latched error.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.off) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return int64(b.off), ErrInvalidWhence
	}
	if abs < 0 || abs > int64(len(b.data)) {
		return int64(b.off), fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidSeek, abs, len(b.data))
	}
	b.off = int(abs)
	b.err = nil
	return abs, nil
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) {
	_ = b.next(n)
}

// ReadBytes consumes n bytes and returns a copy of them.
func (b *Buffer) ReadBytes(n int) []byte {
	p := b.next(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// ReadBytesTo fills dest completely.
func (b *Buffer) ReadBytesTo(dest []byte) {
	if p := b.next(len(dest)); p != nil {
		copy(dest, p)
	}
}

// --- Primitive Read Operations ---

func (b *Buffer) ReadBool(dest *bool) {
	if p := b.next(1); p != nil {
		*dest = p[0] != 0
	}
}

func (b *Buffer) ReadUint8(dest *uint8) {
	if p := b.next(1); p != nil {
		*dest = p[0]
	}
}

func (b *Buffer) ReadInt8(dest *int8) {
	if p := b.next(1); p != nil {
		*dest = int8(p[0])
	}
}

func (b *Buffer) ReadUint16(dest *uint16) {
	if p := b.next(2); p != nil {
		*dest = b.order.Uint16(p)
	}
}

func (b *Buffer) ReadUint32(dest *uint32) {
	if p := b.next(4); p != nil {
		*dest = b.order.Uint32(p)
	}
}

func (b *Buffer) ReadUint64(dest *uint64) {
	if p := b.next(8); p != nil {
		*dest = b.order.Uint64(p)
	}
}

func (b *Buffer) ReadInt16(dest *int16) {
	if p := b.next(2); p != nil {
		*dest = int16(b.order.Uint16(p))
	}
}

func (b *Buffer) ReadInt32(dest *int32) {
	if p := b.next(4); p != nil {
		*dest = int32(b.order.Uint32(p))
	}
}

func (b *Buffer) ReadInt64(dest *int64) {
	if p := b.next(8); p != nil {
		*dest = int64(b.order.Uint64(p))
	}
}

func (b *Buffer) ReadFloat32(dest *float32) {
	if p := b.next(4); p != nil {
		*dest = math.Float32frombits(b.order.Uint32(p))
	}
}

func (b *Buffer) ReadFloat64(dest *float64) {
	if p := b.next(8); p != nil {
		*dest = math.Float64frombits(b.order.Uint64(p))
	}
}

func (b *Buffer) ReadUvarint(dest *uint64) {
	if b.err != nil {
		return
	}
	v, n := binary.Uvarint(b.data[b.off:])
	switch {
	case n == 0:
		b.err = fmt.Errorf("%w: truncated varint at offset %d", ErrBufferUnderrun, b.off)
	case n < 0:
		b.err = fmt.Errorf("%w: at offset %d", ErrVarintOverflow, b.off)
	default:
		b.off += n
		*dest = v
	}
}

func (b *Buffer) ReadVarint(dest *int64) {
	if b.err != nil {
		return
	}
	v, n := binary.Varint(b.data[b.off:])
	switch {
	case n == 0:
		b.err = fmt.Errorf("%w: truncated varint at offset %d", ErrBufferUnderrun, b.off)
	case n < 0:
		b.err = fmt.Errorf("%w: at offset %d", ErrVarintOverflow, b.off)
	default:
		b.off += n
		*dest = v
	}
}

// readLen reads a uvarint(len+1) prefix. ok is false for the absent marker or on error.
func (b *Buffer) readLen() (n int, ok bool) {
	var prefix uint64
	b.ReadUvarint(&prefix)
	if b.err != nil || prefix == 0 {
		return 0, false
	}
	if prefix-1 > uint64(len(b.data)-b.off) {
		b.err = fmt.Errorf("%w: length prefix %d at offset %d exceeds %d remaining bytes",
			ErrBufferUnderrun, prefix-1, b.off, len(b.data)-b.off)
		return 0, false
	}
	return int(prefix - 1), true
}

// ReadLenString reads a string written by WriteLenString. An absent string reads as "".
func (b *Buffer) ReadLenString(dest *string) {
	n, ok := b.readLen()
	if b.err != nil {
		return
	}
	if !ok {
		*dest = ""
		return
	}
	*dest = string(b.next(n))
}

// ReadLenStringPtr reads a string written by WriteLenStringPtr, keeping
// absent (nil) distinct from empty.
func (b *Buffer) ReadLenStringPtr(dest **string) {
	n, ok := b.readLen()
	if b.err != nil {
		return
	}
	if !ok {
		*dest = nil
		return
	}
	s := string(b.next(n))
	*dest = &s
}

// ReadLenBytes reads a byte slice written by WriteLenBytes. The result is a copy.
func (b *Buffer) ReadLenBytes(dest *[]byte) {
	n, ok := b.readLen()
	if b.err != nil {
		return
	}
	if !ok {
		*dest = nil
		return
	}
	*dest = b.ReadBytes(n)
	if *dest == nil {
		*dest = []byte{}
	}
}
