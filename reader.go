package rio

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Reader is a buffered stream reader for container sections. It counts the
// bytes consumed, which gives block offsets for diagnostics, and tracks the
// first error: subsequent reads become no-ops.
type Reader struct {
	r     *bufio.Reader
	count int64 // total bytes read
	err   error // first error encountered.
	order binary.ByteOrder
}

// NewReaderSize creates a new Reader with a specified buffer size. An existing
// *bufio.Reader of sufficient size is reused rather than double-buffered.
func NewReaderSize(r io.Reader, size int) (*Reader, error) {
	if r == nil {
		return nil, ErrNilIO
	}
	if br, ok := r.(*bufio.Reader); ok {
		if br.Size() < size {
			return nil, ErrAlreadyBuffered
		}
		return &Reader{r: br, order: Order}, nil
	}
	return &Reader{r: bufio.NewReaderSize(r, size), order: Order}, nil
}

// NewReader creates a new Reader with a default buffer size.
func NewReader(r io.Reader) (*Reader, error) {
	return NewReaderSize(r, BUFFER_SIZE)
}

// WithByteOrder sets the byte order for multi-byte reads.
func (r *Reader) WithByteOrder(order binary.ByteOrder) *Reader {
	r.order = order
	return r
}

// Read implements the io.Reader interface.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.r.Read(p)
	r.count += int64(n)
	r.setError(err)
	return n, r.err
}

func (r *Reader) Count() int64 { return r.count }
func (r *Reader) Err() error   { return r.err }

// setError records the first non-nil error.
func (r *Reader) setError(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// readFull is an internal helper to read an exact number of bytes into p.
func (r *Reader) readFull(p []byte) bool {
	if r.err != nil {
		return false
	}
	n, err := io.ReadFull(r.r, p)
	r.count += int64(n)
	if err != nil {
		// io.ReadFull reports io.EOF only when nothing was read, so a clean
		// end-of-stream stays distinct from io.ErrUnexpectedEOF.
		r.err = err
		return false
	}
	return true
}

// ReadBytesTo fills dest completely.
func (r *Reader) ReadBytesTo(dest []byte) {
	if len(dest) > 0 {
		r.readFull(dest)
	}
}

func (r *Reader) ReadUint8(dest *uint8) {
	var buf [1]byte
	if r.readFull(buf[:]) {
		*dest = buf[0]
	}
}

func (r *Reader) ReadUint32(dest *uint32) {
	var buf [4]byte
	if r.readFull(buf[:]) {
		*dest = r.order.Uint32(buf[:])
	}
}
