package stream

import (
	"fmt"
	"reflect"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/schema"
)

type identity struct {
	t reflect.Type
	p uintptr
}

// Encoder is one write session. Objects reached through pointers are written
// once per session; later references become backreferences.
type Encoder struct {
	s       *Streamer
	buf     *rio.Buffer
	base    int
	seen    map[identity]int
	classes map[string]uint64 // offset of the marker that named each class
	written []*schema.ClassSchema
	noted   map[string]struct{}
}

// NewEncoder starts a session appending to buf.
func (s *Streamer) NewEncoder(buf *rio.Buffer) *Encoder {
	return &Encoder{
		s:       s,
		buf:     buf,
		base:    buf.Len(),
		seen:    make(map[identity]int),
		classes: make(map[string]uint64),
		noted:   make(map[string]struct{}),
	}
}

// Schemas returns the live schemas of every class written in this session,
// in order of first use.
func (e *Encoder) Schemas() []*schema.ClassSchema { return e.written }

// Encode writes v as a top-level entry: a class marker followed by its record.
// v is a pointer to a registered struct, a struct value, or nil.
func (e *Encoder) Encode(v any) error {
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.Struct {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p
	}
	return e.writePointer("", rv)
}

func (e *Encoder) note(cs *schema.ClassSchema) {
	if _, ok := e.noted[cs.Name]; ok {
		return
	}
	e.noted[cs.Name] = struct{}{}
	e.written = append(e.written, cs)
}

func (e *Encoder) writeRecord(cs *schema.ClassSchema, v reflect.Value) error {
	e.note(cs)
	e.buf.WriteVarint(int64(cs.Version))
	length := e.buf.Reserve(4)
	for _, m := range cs.Members {
		if err := e.writeValue(m.Type, v.FieldByIndex(m.Field)); err != nil {
			return fmt.Errorf("%s.%s: %w", cs.Name, m.Name, err)
		}
	}
	return length.PutLength()
}

func (e *Encoder) writePointer(class string, v reflect.Value) error {
	if v.IsValid() && v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		e.buf.WriteUint8(schema.MarkerNil)
		return nil
	}
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s is not a pointer to a struct", ErrUnregisteredType, v.Type())
	}
	id := identity{v.Type(), v.Pointer()}
	if off, ok := e.seen[id]; ok {
		e.buf.WriteUint8(schema.MarkerBackref)
		e.buf.WriteUvarint(uint64(off))
		return nil
	}

	rt := v.Type().Elem()
	if rt == unknownType {
		return ErrEncodeUnknown
	}
	name, ok := e.s.reg.ClassOf(rt)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, rt)
	}
	cs, err := e.s.reg.GetOrBuildCurrent(name)
	if err != nil {
		return err
	}
	e.seen[id] = e.buf.Len() - e.base

	switch off, named := e.classes[name]; {
	case class != "":
		if class != name {
			return fmt.Errorf("%w: %s member holds %s", ErrUnregisteredType, class, name)
		}
	case named:
		e.buf.WriteUint8(schema.MarkerClassIndex)
		e.buf.WriteUvarint(off)
	default:
		e.classes[name] = uint64(e.buf.Len() - e.base)
		e.buf.WriteUint8(schema.MarkerNewClass)
		e.buf.WriteLenString(name)
	}
	return e.writeRecord(cs, v.Elem())
}

func (e *Encoder) writeValue(t schema.Type, v reflect.Value) error {
	b := e.buf
	switch t.Kind {
	case schema.Bool:
		b.WriteBool(v.Bool())
	case schema.Int8:
		b.WriteInt8(int8(v.Int()))
	case schema.Int16:
		b.WriteInt16(int16(v.Int()))
	case schema.Int32:
		b.WriteInt32(int32(v.Int()))
	case schema.Int64:
		b.WriteInt64(v.Int())
	case schema.Uint8:
		b.WriteUint8(uint8(v.Uint()))
	case schema.Uint16:
		b.WriteUint16(uint16(v.Uint()))
	case schema.Uint32:
		b.WriteUint32(uint32(v.Uint()))
	case schema.Uint64:
		b.WriteUint64(v.Uint())
	case schema.Float32:
		b.WriteFloat32(float32(v.Float()))
	case schema.Float64:
		b.WriteFloat64(v.Float())
	case schema.String:
		b.WriteLenString(v.String())
	case schema.Bytes:
		if v.IsNil() {
			b.WriteLenBytes(nil)
		} else {
			b.WriteLenBytes(v.Bytes())
		}
	case schema.Array:
		for i := 0; i < t.Count; i++ {
			if err := e.writeValue(*t.Elem, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case schema.Slice:
		if v.IsNil() {
			b.WriteUvarint(0)
			return nil
		}
		b.WriteUvarint(uint64(v.Len()) + 1)
		for i := 0; i < v.Len(); i++ {
			if err := e.writeValue(*t.Elem, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case schema.Object:
		cs, err := e.s.reg.GetOrBuildCurrent(t.Class)
		if err != nil {
			return err
		}
		return e.writeRecord(cs, v)
	case schema.Pointer:
		return e.writePointer(t.Class, v)
	default:
		return fmt.Errorf("%w: %s", schema.ErrUnsupportedType, t)
	}
	return nil
}
