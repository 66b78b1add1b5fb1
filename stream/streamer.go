// Package stream writes and reads object records.
//
// A record is a version tag (zig-zag varint), a uint32 byte length and the
// members in schema order. Pointer and interface members carry a one-byte
// marker before the record they point to:
//
//	0x00                        nil
//	0xFE uvarint(offset)        object already in this session
//	0xFF string(class) record   new object, class named here (interface members)
//	0xFD uvarint(offset) record new object of the class named by the 0xFF at offset
//
// Members typed with a concrete class skip the class marker and start the
// record right away; valid version tags never begin with a marker byte.
// Offsets are relative to the buffer position the session started at, so
// they stay valid when a reader skips the payload of a class it does not
// know. A backreference into such a payload is decoded on demand when its
// target starts with a class marker.
package stream

import (
	"bytes"
	"io"
	"log/slog"
	"reflect"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/evolve"
	"github.com/oy3o/rio/schema"
)

// Unknown holds a record of a class that has no live layout in this
// process. Payload is the raw member bytes.
type Unknown struct {
	Class   string
	Version int64
	Payload []byte
}

var (
	unknownType = reflect.TypeFor[Unknown]()
	anyType     = reflect.TypeFor[any]()
)

// Streamer creates encode and decode sessions over a shared registry and
// evolution engine. It is safe for concurrent use; sessions are not.
type Streamer struct {
	reg    *schema.Registry
	engine *evolve.Engine
	log    *slog.Logger
}

type Option func(*Streamer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Streamer) {
		if l != nil {
			s.log = l
		}
	}
}

func New(engine *evolve.Engine, opts ...Option) *Streamer {
	s := &Streamer{
		reg:    engine.Registry(),
		engine: engine,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Streamer) Registry() *schema.Registry { return s.reg }
func (s *Streamer) Engine() *evolve.Engine     { return s.engine }

// Marshal encodes v as a single top-level record.
func (s *Streamer) Marshal(v any) ([]byte, error) {
	buf := rio.GetBuffer()
	defer rio.PutBuffer(buf)
	if err := s.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	data, err := buf.Finalize()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// Unmarshal decodes one top-level record from data into dst.
func (s *Streamer) Unmarshal(data []byte, dst any) error {
	return s.NewDecoder(rio.NewReadBuffer(data), nil).Decode(dst)
}

// naturalType is the Go type a stored member decodes to when it is not
// decoded straight into a live field.
func (s *Streamer) naturalType(t schema.Type) reflect.Type {
	switch t.Kind {
	case schema.Bool:
		return reflect.TypeFor[bool]()
	case schema.Int8:
		return reflect.TypeFor[int8]()
	case schema.Int16:
		return reflect.TypeFor[int16]()
	case schema.Int32:
		return reflect.TypeFor[int32]()
	case schema.Int64:
		return reflect.TypeFor[int64]()
	case schema.Uint8:
		return reflect.TypeFor[uint8]()
	case schema.Uint16:
		return reflect.TypeFor[uint16]()
	case schema.Uint32:
		return reflect.TypeFor[uint32]()
	case schema.Uint64:
		return reflect.TypeFor[uint64]()
	case schema.Float32:
		return reflect.TypeFor[float32]()
	case schema.Float64:
		return reflect.TypeFor[float64]()
	case schema.String:
		return reflect.TypeFor[string]()
	case schema.Bytes:
		return reflect.TypeFor[[]byte]()
	case schema.Array:
		return reflect.ArrayOf(t.Count, s.naturalType(*t.Elem))
	case schema.Slice:
		return reflect.SliceOf(s.naturalType(*t.Elem))
	case schema.Object:
		return s.objectType(t.Class)
	case schema.Pointer:
		if t.Class == "" {
			return anyType
		}
		return reflect.PointerTo(s.objectType(t.Class))
	}
	return anyType
}

// objectType is the live struct type of class, or Unknown.
func (s *Streamer) objectType(class string) reflect.Type {
	if rt, ok := s.reg.GoType(class); ok {
		return rt
	}
	return unknownType
}
