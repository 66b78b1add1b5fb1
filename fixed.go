package rio

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/puzpuzpuz/xsync/v4"
)

// sizeCache avoids the cost of reflection in `binary.Size` on every call.
var sizeCache = xsync.NewMap[reflect.Type, int]()

// Fixed provides a Codec for any struct composed of fixed-size fields, such as
// file headers and trailers. Fields are encoded little-endian, independent of
// the member byte order.
//
// Constraint: Payload MUST NOT contain slices, maps or strings.
type Fixed[Payload any] struct {
	Payload Payload
}

var _ Codec = (*Fixed[struct{}])(nil)

// Size returns the fixed size of the payload in bytes.
func (c *Fixed[Payload]) Size() int {
	t := reflect.TypeOf((*Payload)(nil)).Elem()
	if size, ok := sizeCache.Load(t); ok {
		return size
	}
	size := binary.Size(&c.Payload)
	sizeCache.Store(t, size)
	return size
}

func (c *Fixed[Payload]) MarshalBinary() ([]byte, error) {
	buf := make([]byte, c.Size())
	if _, err := binary.Encode(buf, LE, &c.Payload); err != nil {
		return nil, fmt.Errorf("rio: encode %T: %w", c.Payload, err)
	}
	return buf, nil
}

// UnmarshalBinary decodes data and rejects non-zero trailing bytes.
func (c *Fixed[Payload]) UnmarshalBinary(data []byte) error {
	n, err := binary.Decode(data, LE, &c.Payload)
	if err != nil {
		return fmt.Errorf("%w: %d bytes for a %d byte %T", ErrTruncatedData, len(data), c.Size(), c.Payload)
	}
	if len(data) > n {
		return CheckBufferNotZeros(data[n:])
	}
	return nil
}

func (c *Fixed[Payload]) ReadFrom(r io.Reader) (int64, error) {
	if err := binary.Read(r, LE, &c.Payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: %v", ErrTruncatedData, err)
		}
		return 0, err
	}
	return int64(c.Size()), nil
}

func (c *Fixed[Payload]) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, LE, &c.Payload); err != nil {
		return 0, err
	}
	return int64(c.Size()), nil
}

// MarshalTo encodes into p without allocating.
func (c *Fixed[Payload]) MarshalTo(p []byte) (int, error) {
	if len(p) < c.Size() {
		return 0, io.ErrShortBuffer
	}
	return binary.Encode(p, LE, &c.Payload)
}
