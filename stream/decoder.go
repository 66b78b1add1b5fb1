package stream

import (
	"fmt"
	"io"
	"maps"
	"reflect"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/evolve"
	"github.com/oy3o/rio/schema"
)

// Decoder is one read session. Every object decoded through a pointer is
// kept in an arena keyed by its marker offset so backreferences resolve to
// the same Go pointer.
type Decoder struct {
	s       *Streamer
	buf     *rio.Buffer
	base    int
	table   *schema.Table
	arena   map[int]reflect.Value
	classes map[int]string // class named by the 0xFF marker at each offset
	depth   int
}

// NewDecoder starts a session reading from the current position of buf.
// table supplies the schemas of historical versions the registry does not
// know yet; it may be nil. Records at the live version are read with the live
// layout, so a table from outside the process should first pass
// Registry.CheckTable.
func (s *Streamer) NewDecoder(buf *rio.Buffer, table *schema.Table) *Decoder {
	return &Decoder{
		s:     s,
		buf:   buf,
		base:  buf.Pos(),
		table: table,
		arena:   make(map[int]reflect.Value),
		classes: make(map[int]string),
	}
}

// More reports whether unread bytes remain.
func (d *Decoder) More() bool { return d.buf.Remaining() > 0 }

// DecodeAny reads one top-level entry. It returns a pointer to the live
// struct of the stored class, an *Unknown for classes without a live layout,
// or nil.
//
// A failure inside a record whose length was read is a *RecordError with
// Recovered set, and the decoder is positioned at the next entry.
func (d *Decoder) DecodeAny() (any, error) {
	start := d.buf.Pos()
	v, err := d.readPointer("")
	if err != nil {
		maps.DeleteFunc(d.arena, func(off int, _ reflect.Value) bool { return off >= start-d.base })
		return nil, err
	}
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

// Decode reads one top-level entry into dst, which must be a non-nil pointer
// to either the live struct or a pointer to it.
func (d *Decoder) Decode(dst any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("%w: %T", ErrNotPointer, dst)
	}
	got, err := d.DecodeAny()
	if err != nil {
		return err
	}
	dv = dv.Elem()
	if got == nil {
		dv.SetZero()
		return nil
	}
	gv := reflect.ValueOf(got)
	switch {
	case gv.Type().AssignableTo(dv.Type()):
		dv.Set(gv)
	case gv.Elem().Type().AssignableTo(dv.Type()):
		dv.Set(gv.Elem())
	default:
		return fmt.Errorf("%w: decoded %s into %s", evolve.ErrTypeMismatch, gv.Type(), dv.Type())
	}
	return nil
}

func (d *Decoder) underrun() error {
	if err := d.buf.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: at offset %d", rio.ErrBufferUnderrun, d.buf.Pos())
}

func (d *Decoder) readPointer(class string) (reflect.Value, error) {
	at := d.buf.Pos()
	marker, ok := d.buf.PeekByte()
	if !ok {
		return reflect.Value{}, d.underrun()
	}
	switch marker {
	case schema.MarkerNil:
		d.buf.Skip(1)
		return reflect.Value{}, nil
	case schema.MarkerBackref:
		d.buf.Skip(1)
		var off uint64
		d.buf.ReadUvarint(&off)
		if err := d.buf.Err(); err != nil {
			return reflect.Value{}, err
		}
		if v, ok := d.arena[int(off)]; ok {
			return v, nil
		}
		return d.objectAt(off, at)
	}

	name := class
	if class == "" {
		d.buf.Skip(1)
		switch marker {
		case schema.MarkerNewClass:
			d.buf.ReadLenString(&name)
			if err := d.buf.Err(); err != nil {
				return reflect.Value{}, err
			}
			d.classes[at-d.base] = name
		case schema.MarkerClassIndex:
			var off uint64
			d.buf.ReadUvarint(&off)
			if err := d.buf.Err(); err != nil {
				return reflect.Value{}, err
			}
			var err error
			if name, err = d.classAt(off, at); err != nil {
				return reflect.Value{}, err
			}
		default:
			return reflect.Value{}, fmt.Errorf("%w: 0x%02X at offset %d", ErrBadMarker, marker, at)
		}
	}

	ptr := reflect.New(d.s.objectType(name))
	d.arena[at-d.base] = ptr
	if err := d.readObject(name, ptr.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return ptr, nil
}

// classAt returns the class named by the 0xFF marker at session offset off.
// Markers inside the payload of an Unknown record were never read, so they
// are parsed on first reference.
func (d *Decoder) classAt(off uint64, at int) (string, error) {
	if name, ok := d.classes[int(off)]; ok {
		return name, nil
	}
	data := d.buf.Bytes()
	if off >= uint64(at-d.base) || data[d.base+int(off)] != schema.MarkerNewClass {
		return "", fmt.Errorf("%w: class reference %d at offset %d", ErrBadMarker, off, at)
	}
	var name string
	r := rio.NewReadBuffer(data[d.base+int(off)+1 : at])
	r.ReadLenString(&name)
	if err := r.Err(); err != nil {
		return "", fmt.Errorf("%w: class reference %d at offset %d: %w", ErrBadMarker, off, at, err)
	}
	d.classes[int(off)] = name
	return name, nil
}

// objectAt decodes the object whose marker sits at session offset off, which
// lies inside a record that was kept as an Unknown. Only objects introduced
// by a class marker can be found this way; a concrete-class member of an
// unknown record carries no class name, so references to it stay dangling.
func (d *Decoder) objectAt(off uint64, at int) (reflect.Value, error) {
	dangling := fmt.Errorf("%w: offset %d at %d", ErrDanglingReference, off, at)
	if off >= uint64(at-d.base) {
		return reflect.Value{}, dangling
	}
	switch d.buf.Bytes()[d.base+int(off)] {
	case schema.MarkerNewClass, schema.MarkerClassIndex:
	default:
		return reflect.Value{}, dangling
	}

	resume := d.buf.Pos()
	if _, err := d.buf.Seek(int64(d.base+int(off)), io.SeekStart); err != nil {
		return reflect.Value{}, err
	}
	d.depth++
	v, err := d.readPointer("")
	d.depth--
	if err != nil {
		end := d.buf.Pos() - d.base
		maps.DeleteFunc(d.arena, func(o int, _ reflect.Value) bool { return o >= int(off) && o <= end })
	}
	if _, serr := d.buf.Seek(int64(resume), io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	d.buf.ClearErr()
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %w", dangling, err)
	}
	return v, nil
}

// readObject reads one record of class into dst, the live struct or an
// Unknown.
func (d *Decoder) readObject(class string, dst reflect.Value) error {
	start := d.buf.Pos()
	var (
		version int64
		length  uint32
	)
	d.buf.ReadVarint(&version)
	d.buf.ReadUint32(&length)
	if err := d.buf.Err(); err != nil {
		return &RecordError{Class: class, Offset: start, Err: err}
	}
	if int64(length) > int64(d.buf.Remaining()) {
		return &RecordError{Class: class, Version: version, Offset: start,
			Err: fmt.Errorf("%w: record of %d bytes, %d remain", rio.ErrBufferUnderrun, length, d.buf.Remaining())}
	}
	end := d.buf.Pos() + int(length)

	top := d.depth == 0
	d.depth++
	err := d.readMembers(class, version, dst, end)
	d.depth--
	if err == nil && d.buf.Pos() != end {
		err = fmt.Errorf("%w: members end at %d, record at %d", ErrRecordLength, d.buf.Pos(), end)
	}
	if err != nil && top {
		if _, serr := d.buf.Seek(int64(end), io.SeekStart); serr != nil {
			return &RecordError{Class: class, Version: version, Offset: start, Err: err}
		}
		return &RecordError{Class: class, Version: version, Offset: start, Recovered: true, Err: err}
	}
	return err
}

func (d *Decoder) readMembers(class string, version int64, dst reflect.Value, end int) error {
	if dst.Type() == unknownType {
		d.s.log.Debug("kept record of unknown class", "class", class, "version", version)
		dst.Set(reflect.ValueOf(Unknown{Class: class, Version: version, Payload: d.buf.ReadBytes(end - d.buf.Pos())}))
		return d.buf.Err()
	}
	cur, err := d.s.reg.GetOrBuildCurrent(class)
	if err != nil {
		return err
	}
	if version == int64(cur.Version) {
		for _, m := range cur.Members {
			if err := d.readInto(m.Type, dst.FieldByIndex(m.Field)); err != nil {
				return fmt.Errorf("%s.%s: %w", class, m.Name, err)
			}
		}
		return nil
	}
	plan, err := d.s.engine.Plan(class, version, d.table)
	if err != nil {
		return err
	}
	return plan.Apply(dst, members{d})
}

// sliceLen reads a uvarint(len+1) prefix, bounding len by what the remaining
// bytes could hold.
func (d *Decoder) sliceLen(elem schema.Type) (n int, present bool, err error) {
	var prefix uint64
	d.buf.ReadUvarint(&prefix)
	if err := d.buf.Err(); err != nil {
		return 0, false, err
	}
	if prefix == 0 {
		return 0, false, nil
	}
	minSize := uint64(max(elem.MinSize(), 1))
	if prefix-1 > uint64(d.buf.Remaining())/minSize {
		return 0, false, fmt.Errorf("%w: %d elements of %s at offset %d", rio.ErrBufferUnderrun, prefix-1, elem, d.buf.Pos())
	}
	return int(prefix - 1), true, nil
}

// readInto decodes one value of stored type t into dst, whose Go type is the
// natural or live type of t.
func (d *Decoder) readInto(t schema.Type, dst reflect.Value) error {
	b := d.buf
	switch t.Kind {
	case schema.Bool:
		var v bool
		b.ReadBool(&v)
		dst.SetBool(v)
	case schema.Int8:
		var v int8
		b.ReadInt8(&v)
		dst.SetInt(int64(v))
	case schema.Int16:
		var v int16
		b.ReadInt16(&v)
		dst.SetInt(int64(v))
	case schema.Int32:
		var v int32
		b.ReadInt32(&v)
		dst.SetInt(int64(v))
	case schema.Int64:
		var v int64
		b.ReadInt64(&v)
		dst.SetInt(v)
	case schema.Uint8:
		var v uint8
		b.ReadUint8(&v)
		dst.SetUint(uint64(v))
	case schema.Uint16:
		var v uint16
		b.ReadUint16(&v)
		dst.SetUint(uint64(v))
	case schema.Uint32:
		var v uint32
		b.ReadUint32(&v)
		dst.SetUint(uint64(v))
	case schema.Uint64:
		var v uint64
		b.ReadUint64(&v)
		dst.SetUint(v)
	case schema.Float32:
		var v float32
		b.ReadFloat32(&v)
		dst.SetFloat(float64(v))
	case schema.Float64:
		var v float64
		b.ReadFloat64(&v)
		dst.SetFloat(v)
	case schema.String:
		var v string
		b.ReadLenString(&v)
		dst.SetString(v)
	case schema.Bytes:
		var v []byte
		b.ReadLenBytes(&v)
		dst.SetBytes(v)
	case schema.Array:
		for i := 0; i < t.Count; i++ {
			if err := d.readInto(*t.Elem, dst.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case schema.Slice:
		n, present, err := d.sliceLen(*t.Elem)
		if err != nil {
			return err
		}
		if !present {
			dst.SetZero()
			return nil
		}
		s := reflect.MakeSlice(dst.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := d.readInto(*t.Elem, s.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(s)
	case schema.Object:
		return d.readObject(t.Class, dst)
	case schema.Pointer:
		p, err := d.readPointer(t.Class)
		if err != nil {
			return err
		}
		if !p.IsValid() {
			dst.SetZero()
			return nil
		}
		if !p.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("%w: %s is not assignable to %s", evolve.ErrTypeMismatch, p.Type(), dst.Type())
		}
		dst.Set(p)
	default:
		return fmt.Errorf("%w: %s", schema.ErrUnsupportedType, t)
	}
	return b.Err()
}

// members feeds stored members to an evolution plan.
type members struct{ d *Decoder }

func (m members) DecodeInto(t schema.Type, dst reflect.Value) error {
	return m.d.readInto(t, dst)
}

func (m members) Decode(t schema.Type) (reflect.Value, error) {
	v := reflect.New(m.d.s.naturalType(t)).Elem()
	if err := m.d.readInto(t, v); err != nil {
		return reflect.Value{}, err
	}
	return v, nil
}
