package rio

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Writer is a buffered stream writer for container files. It tracks the
// total bytes written, which the container uses as section offsets, and the
// first error: after an error all subsequent writes become no-ops.
type Writer struct {
	w     *bufio.Writer
	count int64 // total bytes written
	err   error // first error encountered.
	order binary.ByteOrder
}

// NewWriterSize creates a new Writer with a specified buffer size.
// It returns an error to prevent double-buffering a small *bufio.Writer.
func NewWriterSize(w io.Writer, size int) (*Writer, error) {
	if w == nil {
		return nil, ErrNilIO
	}
	if bw, ok := w.(*bufio.Writer); ok {
		if bw.Size() < size {
			return nil, ErrAlreadyBuffered
		}
		return &Writer{w: bw, order: Order}, nil
	}
	return &Writer{w: bufio.NewWriterSize(w, size), order: Order}, nil
}

// NewWriter creates a new Writer with a default buffer size.
func NewWriter(w io.Writer) (*Writer, error) {
	return NewWriterSize(w, BUFFER_SIZE)
}

// WithByteOrder sets the byte order for multi-byte writes.
func (w *Writer) WithByteOrder(order binary.ByteOrder) *Writer {
	w.order = order
	return w
}

// Write implements the io.Writer interface.
func (w *Writer) Write(buf []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(buf)
	w.count += int64(n)
	w.setError(err)
	return n, w.err
}

func (w *Writer) Count() int64 { return w.count }
func (w *Writer) Err() error   { return w.err }

// setError records the first non-nil error.
// This preserves the root cause of a failure chain instead of a later,
// less relevant error.
func (w *Writer) setError(err error) {
	if w.err == nil && err != nil {
		w.err = err
	}
}

// Flush writes any buffered data to the underlying io.Writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.setError(w.w.Flush())
	return w.err
}

// Result flushes the buffer and returns the final count and error state.
func (w *Writer) Result() (int64, error) {
	w.Flush()
	return w.count, w.err
}

// WriteBytes writes a byte slice.
func (w *Writer) WriteBytes(buf []byte) {
	if len(buf) == 0 || w.err != nil {
		return
	}
	_, _ = w.Write(buf)
}

func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	err := w.w.WriteByte(v)
	if err == nil {
		w.count++
	} else {
		w.err = err
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if w.err != nil {
		return
	}
	var buf [4]byte
	w.order.PutUint32(buf[:], v)
	_, _ = w.Write(buf[:])
}
