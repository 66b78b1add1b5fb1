package rio

import "fmt"

// Reservation is a placeholder of fixed width written into a Buffer whose
// value is only known later, such as an object record's byte length. The
// Buffer refuses to Finalize while any Reservation is unresolved.
type Reservation struct {
	buf  *Buffer
	gen  int
	off  int
	size int
	done bool
}

// Reserve writes n zero bytes at the write cursor and returns a handle to
// backpatch them.
func (b *Buffer) Reserve(n int) *Reservation {
	if n < 0 {
		n = 0
	}
	off := b.grow(n)
	clear(b.data[off : off+n])
	b.open++
	return &Reservation{buf: b, gen: b.gen, off: off, size: n}
}

// Offset returns the position of the reserved bytes in the Buffer.
func (r *Reservation) Offset() int { return r.off }

// End returns the offset just past the reserved bytes.
func (r *Reservation) End() int { return r.off + r.size }

// Since returns the number of bytes written after the reserved slot.
func (r *Reservation) Since() int { return r.buf.Len() - r.End() }

func (r *Reservation) Resolved() bool { return r.done }

func (r *Reservation) check(size int) error {
	switch {
	case r.gen != r.buf.gen:
		return ErrStaleReservation
	case r.done:
		return ErrReservationResolved
	case r.size != size:
		return fmt.Errorf("%w: reserved %d bytes, resolving %d", ErrReservationSize, r.size, size)
	}
	return nil
}

func (r *Reservation) resolve() {
	r.done = true
	r.buf.open--
}

// PutUint32 backpatches a 4-byte reservation without moving either cursor.
func (r *Reservation) PutUint32(v uint32) error {
	if err := r.check(4); err != nil {
		return err
	}
	r.buf.order.PutUint32(r.buf.data[r.off:], v)
	r.resolve()
	return nil
}

// PutUint64 backpatches an 8-byte reservation without moving either cursor.
func (r *Reservation) PutUint64(v uint64) error {
	if err := r.check(8); err != nil {
		return err
	}
	r.buf.order.PutUint64(r.buf.data[r.off:], v)
	r.resolve()
	return nil
}

// PutLength resolves a 4-byte reservation with the number of bytes written
// after it, the usual framing for length-prefixed records.
func (r *Reservation) PutLength() error {
	n := r.Since()
	if int64(n) > int64(^uint32(0)) {
		return fmt.Errorf("%w: record of %d bytes exceeds uint32 length field", ErrReservationSize, n)
	}
	return r.PutUint32(uint32(n))
}
