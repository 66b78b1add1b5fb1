package schema

import (
	"fmt"
	"strings"

	"github.com/oy3o/rio"
)

// Kind is the on-disk type tag of a member.
type Kind uint8

const (
	Invalid Kind = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	String
	Bytes
	Array   // Count elements of Elem
	Slice   // variable number of Elem
	Object  // owned nested record of Class
	Pointer // shared object of Class; any registered class when Class is empty
)

var kindNames = [...]string{
	Invalid: "invalid",
	Bool:    "bool",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Float32: "float32",
	Float64: "float64",
	String:  "string",
	Bytes:   "bytes",
	Array:   "array",
	Slice:   "slice",
	Object:  "object",
	Pointer: "pointer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range kindNames {
		if n == name && Kind(i) != Invalid {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("%w: kind %q", ErrMalformedSchema, text)
}

// IsInteger reports whether k is a signed or unsigned integer.
func (k Kind) IsInteger() bool { return k >= Int8 && k <= Uint64 }

// IsSigned reports whether k is a signed integer.
func (k Kind) IsSigned() bool { return k >= Int8 && k <= Int64 }

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool { return k == Float32 || k == Float64 }

// IsNumeric reports whether values of k can take part in widening and narrowing.
func (k Kind) IsNumeric() bool { return k.IsInteger() || k.IsFloat() }

// Bits is the width of a numeric kind, 0 otherwise.
func (k Kind) Bits() int {
	switch k {
	case Int8, Uint8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	}
	return 0
}

// Type is the full on-disk type of a member.
type Type struct {
	Kind  Kind   `yaml:"kind"`
	Elem  *Type  `yaml:"elem,omitempty"`
	Count int    `yaml:"count,omitempty"`
	Class string `yaml:"class,omitempty"`
}

func Prim(k Kind) Type { return Type{Kind: k} }
func ArrayOf(elem Type, n int) Type { return Type{Kind: Array, Elem: &elem, Count: n} }
func SliceOf(elem Type) Type { return Type{Kind: Slice, Elem: &elem} }
func ObjectOf(class string) Type { return Type{Kind: Object, Class: class} }
func PointerTo(class string) Type { return Type{Kind: Pointer, Class: class} }

// Equal reports whether t and o describe the same encoding.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Count != o.Count || t.Class != o.Class {
		return false
	}
	if t.Elem == nil || o.Elem == nil {
		return t.Elem == o.Elem
	}
	return t.Elem.Equal(*o.Elem)
}

func (t Type) String() string {
	switch t.Kind {
	case Array:
		return fmt.Sprintf("[%d]%s", t.Count, t.elem())
	case Slice:
		return "[]" + t.elem().String()
	case Object:
		return t.Class
	case Pointer:
		if t.Class == "" {
			return "*any"
		}
		return "*" + t.Class
	}
	return t.Kind.String()
}

func (t Type) elem() Type {
	if t.Elem == nil {
		return Type{}
	}
	return *t.Elem
}

// Validate checks the structural shape of t.
func (t Type) Validate() error {
	switch t.Kind {
	case Array, Slice:
		if t.Elem == nil {
			return fmt.Errorf("%w: %s without element type", ErrMalformedSchema, t.Kind)
		}
		if t.Count < 0 {
			return fmt.Errorf("%w: negative array count %d", ErrMalformedSchema, t.Count)
		}
		return t.Elem.Validate()
	case Object:
		if t.Class == "" {
			return fmt.Errorf("%w: object without class", ErrMalformedSchema)
		}
	case Invalid:
		return fmt.Errorf("%w: invalid kind", ErrMalformedSchema)
	default:
		if t.Kind > Pointer {
			return fmt.Errorf("%w: %s", ErrMalformedSchema, t.Kind)
		}
	}
	if t.Elem != nil && t.Kind != Array && t.Kind != Slice {
		return fmt.Errorf("%w: %s with element type", ErrMalformedSchema, t.Kind)
	}
	return nil
}

// MinSize is the fewest bytes one encoded value of t can occupy. It bounds
// slice lengths read from untrusted input.
func (t Type) MinSize() int {
	switch t.Kind {
	case Bool, String, Bytes, Slice, Pointer:
		return 1
	case Array:
		return t.Count * t.elem().MinSize()
	case Object:
		return 5 // version tag and record length
	}
	return t.Kind.Bits() / 8
}

const maxTypeDepth = 32

// appendType writes t to b: kind byte, then the shape of composite kinds.
func appendType(b *rio.Buffer, t Type) {
	b.WriteUint8(uint8(t.Kind))
	switch t.Kind {
	case Array:
		b.WriteUvarint(uint64(t.Count))
		appendType(b, t.elem())
	case Slice:
		appendType(b, t.elem())
	case Object, Pointer:
		b.WriteLenString(t.Class)
	}
}

func readType(b *rio.Buffer, depth int) (Type, error) {
	if depth > maxTypeDepth {
		return Type{}, fmt.Errorf("%w: type nesting exceeds %d", ErrMalformedSchema, maxTypeDepth)
	}
	var k uint8
	b.ReadUint8(&k)
	t := Type{Kind: Kind(k)}
	switch t.Kind {
	case Array:
		var n uint64
		b.ReadUvarint(&n)
		if n > 1<<31 {
			return Type{}, fmt.Errorf("%w: array count %d", ErrMalformedSchema, n)
		}
		t.Count = int(n)
		fallthrough
	case Slice:
		if b.Err() != nil {
			break
		}
		elem, err := readType(b, depth+1)
		if err != nil {
			return Type{}, err
		}
		t.Elem = &elem
	case Object, Pointer:
		b.ReadLenString(&t.Class)
	}
	if err := b.Err(); err != nil {
		return Type{}, fmt.Errorf("%w: %w", ErrMalformedSchema, err)
	}
	return t, t.Validate()
}
