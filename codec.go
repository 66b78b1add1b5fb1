package rio

import (
	"encoding"
	"io"
)

// Sizer is an interface for types that can report their binary size.
type Sizer interface {
	// Size returns the size of the type in bytes when binary encoded.
	Size() int
}

// Marshaler defines the methods for encoding a fixed-layout value.
type Marshaler interface {
	encoding.BinaryMarshaler // Method: MarshalBinary() ([]byte, error)
	io.WriterTo              // Method: WriteTo(writer io.Writer) (int64, error)

	// MarshalTo encodes into a pre-allocated buffer, returning io.ErrShortBuffer
	// if the buffer is too small.
	MarshalTo(buf []byte) (int, error)
}

// Unmarshaler defines the methods for decoding a fixed-layout value.
type Unmarshaler interface {
	encoding.BinaryUnmarshaler // Method: UnmarshalBinary(data []byte) error
	io.ReaderFrom              // Method: ReadFrom(r io.Reader) (int64, error)
}

// Codec aggregates the binary interfaces. Container headers and trailers
// implement it through Fixed.
type Codec interface {
	Sizer
	Marshaler
	Unmarshaler
}
