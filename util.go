package rio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/constraints"
)

var (
	BE = binary.BigEndian
	LE = binary.LittleEndian
	// Order is the default byte order of member primitives.
	Order binary.ByteOrder = BE
)

const BUFFER_SIZE = 4096

// MAX_PADDING bounds the trailing bytes CheckBufferNotZeros will accept.
const MAX_PADDING = 1024

// Roundup rounds n up to the nearest multiple of align. align must be a power of two.
func Roundup[T constraints.Integer](n, align T) T { return (n + (align - 1)) &^ (align - 1) }

// CheckBufferNotZeros verifies that p holds only zero padding.
func CheckBufferNotZeros(p []byte) error {
	if len(p) > MAX_PADDING {
		return fmt.Errorf("%w: exceeds maximum expected size of %d bytes", ErrTrailingData, MAX_PADDING)
	}
	for i, b := range p {
		if b != 0 {
			return fmt.Errorf("%w: found non-zero byte 0x%02x at offset %d", ErrTrailingData, b, i)
		}
	}
	return nil
}
