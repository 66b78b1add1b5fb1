package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownClass indicates a class name with no live registration.
	ErrUnknownClass = errors.New("schema: unknown class")

	// ErrUnresolvableVersion indicates a (class, version) pair that no registry
	// entry or embedded table describes.
	ErrUnresolvableVersion = errors.New("schema: unresolvable version")

	// ErrSchemaConflict indicates two different layouts claimed the same
	// (class, version), or ambiguous evolution rules.
	ErrSchemaConflict = errors.New("schema: conflict")

	// ErrInvalidVersion indicates a version outside 1..MaxVersion or one whose
	// encoding collides with a reserved marker byte.
	ErrInvalidVersion = errors.New("schema: invalid version")

	// ErrUnsupportedType indicates a Go type with no on-disk representation.
	ErrUnsupportedType = errors.New("schema: unsupported type")

	// ErrMalformedSchema indicates an embedded schema record that does not decode.
	ErrMalformedSchema = errors.New("schema: malformed schema record")
)

// UnknownClassError names the class that could not be found.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("schema: unknown class %q", e.Class)
}

func (e *UnknownClassError) Unwrap() error { return ErrUnknownClass }

// UnresolvableVersionError reports a version tag that cannot be mapped to a
// member layout. Version is wide enough to report negative or overlong tags.
type UnresolvableVersionError struct {
	Class   string
	Version int64
}

func (e *UnresolvableVersionError) Error() string {
	return fmt.Sprintf("schema: no schema for %s version %d", e.Class, e.Version)
}

func (e *UnresolvableVersionError) Unwrap() error { return ErrUnresolvableVersion }

// SchemaConflictError reports a registration or rule set that cannot be
// reconciled.
type SchemaConflictError struct {
	Class   string
	Version int32
	Reason  string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema: conflict in %s version %d: %s", e.Class, e.Version, e.Reason)
}

func (e *SchemaConflictError) Unwrap() error { return ErrSchemaConflict }
