package rio

import "errors"

var (
	// ErrNilIO indicates that NewReader/NewWriter was called with a nil io.Reader/io.Writer.
	ErrNilIO = errors.New("rio: NewReader/NewWriter called with a nil io.Reader/io.Writer")

	// ErrAlreadyBuffered indicates that NewReader/NewWriter was called with an already-buffered
	// reader/writer of insufficient size.
	ErrAlreadyBuffered = errors.New("rio: reader or writer is already buffered")

	// ErrBufferUnderrun indicates a read needed more bytes than remain between the
	// read cursor and the write cursor.
	ErrBufferUnderrun = errors.New("rio: buffer underrun")

	// ErrVarintOverflow indicates a varint longer than 64 bits.
	ErrVarintOverflow = errors.New("rio: varint overflows a 64-bit integer")

	// ErrUnresolvedReservation is returned by Finalize while a Reservation is still open.
	ErrUnresolvedReservation = errors.New("rio: buffer finalized with unresolved reservations")

	// ErrReservationResolved indicates a Reservation was written twice.
	ErrReservationResolved = errors.New("rio: reservation already resolved")

	// ErrReservationSize indicates a Reservation was resolved with a value of the wrong width.
	ErrReservationSize = errors.New("rio: reservation width mismatch")

	// ErrStaleReservation indicates the Buffer was reset after the Reservation was taken.
	ErrStaleReservation = errors.New("rio: reservation belongs to a reset buffer")

	// ErrInvalidSeek indicates a seek was attempted to an invalid position.
	ErrInvalidSeek = errors.New("rio: seek to an invalid position")

	// ErrInvalidWhence indicates that an invalid 'whence' parameter was provided to a Seek operation.
	ErrInvalidWhence = errors.New("rio: unsupported whence")

	// ErrNegativeLength indicates a negative count was passed to a read, skip or reserve.
	ErrNegativeLength = errors.New("rio: negative length")

	// ErrTrailingData is returned by Fixed.UnmarshalBinary when non-zero bytes are found
	// after the expected end of the data structure.
	ErrTrailingData = errors.New("rio: non-zero trailing data found after decoding")

	// ErrTruncatedData indicates that a read could not complete because the data ended
	// before all expected bytes were read.
	ErrTruncatedData = errors.New("rio: truncated data")
)
