package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrDanglingReference indicates a backreference to an offset where no
	// object was decoded in this session and none could be decoded on demand.
	ErrDanglingReference = errors.New("stream: dangling backreference")

	// ErrBadMarker indicates a byte that cannot start a pointer member.
	ErrBadMarker = errors.New("stream: invalid pointer marker")

	// ErrRecordLength indicates a record whose members do not add up to its
	// recorded byte length.
	ErrRecordLength = errors.New("stream: record length mismatch")

	// ErrUnregisteredType indicates a value whose Go type is not a registered class.
	ErrUnregisteredType = errors.New("stream: type is not a registered class")

	// ErrNotPointer indicates a value that must be a non-nil pointer.
	ErrNotPointer = errors.New("stream: expected a non-nil pointer")

	// ErrEncodeUnknown indicates an attempt to encode an Unknown placeholder.
	// Its payload may hold backreferences into the session it was read from.
	ErrEncodeUnknown = errors.New("stream: cannot encode an unknown-class placeholder")
)

// RecordError reports a failure while decoding one top-level record.
//
// When Recovered is true the record length had been read and the decoder has
// moved past the record, so the next record can be decoded. Otherwise the
// position of the next record is unknown and the rest of the buffer is lost.
type RecordError struct {
	Class     string
	Version   int64
	Offset    int // buffer position of the record's version tag
	Recovered bool
	Err       error
}

func (e *RecordError) Error() string {
	class := e.Class
	if class == "" {
		class = "<unknown>"
	}
	if e.Recovered {
		return fmt.Sprintf("stream: record %s v%d at offset %d skipped: %v", class, e.Version, e.Offset, e.Err)
	}
	return fmt.Sprintf("stream: record %s at offset %d: %v", class, e.Offset, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
