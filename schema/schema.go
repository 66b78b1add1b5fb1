package schema

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"

	"github.com/oy3o/rio"
)

// MaxVersion is the largest class version a schema may carry.
const MaxVersion = 1 << 14

// Marker bytes that share a position with the first byte of a record's
// version tag. A version whose tag would begin with one of them is rejected.
const (
	MarkerNil        = 0x00 // nil pointer
	MarkerClassIndex = 0xFD // new object of a class already named in the buffer
	MarkerBackref    = 0xFE // reference to an object already in the buffer
	MarkerNewClass   = 0xFF // new object, class name follows
)

// ValidVersion reports whether v can be used as a class version.
//
// Tags are zig-zag varints, so a positive v encodes first as byte
// 0x80|(2v&0x7F) when v >= 64. v%64 == 63 would then start with 0xFE.
func ValidVersion(v int32) error {
	if v < 1 || v > MaxVersion {
		return fmt.Errorf("%w: %d is outside 1..%d", ErrInvalidVersion, v, MaxVersion)
	}
	var tag [10]byte
	switch first := tag[:binary.PutVarint(tag[:], int64(v))][0]; first {
	case MarkerNil, MarkerClassIndex, MarkerBackref, MarkerNewClass:
		return fmt.Errorf("%w: %d encodes with reserved marker 0x%02X", ErrInvalidVersion, v, first)
	}
	return nil
}

// Member describes one serialized member of a class.
type Member struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`

	// Field is the struct field index path in the live layout; nil when the
	// member exists only in a historical schema.
	Field []int `yaml:"-"`
}

// ClassSchema is the versioned, ordered member layout of a class. It is
// immutable once registered.
type ClassSchema struct {
	Name    string   `yaml:"name"`
	Version int32    `yaml:"version"`
	Members []Member `yaml:"members"`

	goType reflect.Type
}

// NewClassSchema builds a historical schema with no live Go type.
func NewClassSchema(name string, version int32, members ...Member) *ClassSchema {
	cs := &ClassSchema{Name: name, Version: version, Members: make([]Member, len(members))}
	for i, m := range members {
		cs.Members[i] = Member{Name: m.Name, Type: m.Type}
	}
	return cs
}

// M is shorthand for a historical Member.
func M(name string, t Type) Member { return Member{Name: name, Type: t} }

// GoType returns the live struct type the schema was introspected from, or
// nil for historical schemas.
func (cs *ClassSchema) GoType() reflect.Type { return cs.goType }

// Live reports whether the schema describes a live Go type.
func (cs *ClassSchema) Live() bool { return cs.goType != nil }

// Index returns the position of the member called name.
func (cs *ClassSchema) Index(name string) (int, bool) {
	for i, m := range cs.Members {
		if m.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Equal compares name, version and member layout. Field paths are ignored:
// a historical copy of a live schema is equal to it.
func (cs *ClassSchema) Equal(o *ClassSchema) bool {
	if cs.Name != o.Name || cs.Version != o.Version || len(cs.Members) != len(o.Members) {
		return false
	}
	for i := range cs.Members {
		if cs.Members[i].Name != o.Members[i].Name || !cs.Members[i].Type.Equal(o.Members[i].Type) {
			return false
		}
	}
	return true
}

// Historical returns a copy without the live binding.
func (cs *ClassSchema) Historical() *ClassSchema {
	return NewClassSchema(cs.Name, cs.Version, cs.Members...)
}

// Validate checks the version and every member type.
func (cs *ClassSchema) Validate() error {
	if cs.Name == "" {
		return fmt.Errorf("%w: empty class name", ErrMalformedSchema)
	}
	if err := ValidVersion(cs.Version); err != nil {
		return fmt.Errorf("%s: %w", cs.Name, err)
	}
	seen := make(map[string]struct{}, len(cs.Members))
	for _, m := range cs.Members {
		if m.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed member", ErrMalformedSchema, cs.Name)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("%w: %s declares member %q twice", ErrMalformedSchema, cs.Name, m.Name)
		}
		seen[m.Name] = struct{}{}
		if err := m.Type.Validate(); err != nil {
			return fmt.Errorf("%s.%s: %w", cs.Name, m.Name, err)
		}
	}
	return nil
}

func (cs *ClassSchema) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s v%d {", cs.Name, cs.Version)
	for i, m := range cs.Members {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, " %s %s", m.Name, m.Type)
	}
	sb.WriteString(" }")
	return sb.String()
}

// AppendTo writes the schema record: name, version, member count, then each
// member's name and type.
func (cs *ClassSchema) AppendTo(b *rio.Buffer) {
	b.WriteLenString(cs.Name)
	b.WriteVarint(int64(cs.Version))
	b.WriteUvarint(uint64(len(cs.Members)))
	for _, m := range cs.Members {
		b.WriteLenString(m.Name)
		appendType(b, m.Type)
	}
}

// ReadClassSchema decodes a schema record written by AppendTo. The result is
// historical.
func ReadClassSchema(b *rio.Buffer) (*ClassSchema, error) {
	var (
		cs      ClassSchema
		version int64
		count   uint64
	)
	b.ReadLenString(&cs.Name)
	b.ReadVarint(&version)
	b.ReadUvarint(&count)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSchema, err)
	}
	if version < 1 || version > MaxVersion {
		return nil, fmt.Errorf("%w: %s version %d", ErrMalformedSchema, cs.Name, version)
	}
	// every member needs at least a name prefix and a kind byte
	if count > uint64(b.Remaining()/2) {
		return nil, fmt.Errorf("%w: %s claims %d members", ErrMalformedSchema, cs.Name, count)
	}
	cs.Version = int32(version)
	cs.Members = make([]Member, count)
	for i := range cs.Members {
		b.ReadLenString(&cs.Members[i].Name)
		t, err := readType(b, 0)
		if err != nil {
			return nil, fmt.Errorf("%s member %d: %w", cs.Name, i, err)
		}
		cs.Members[i].Type = t
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return &cs, nil
}
