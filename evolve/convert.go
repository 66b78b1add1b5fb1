package evolve

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"github.com/oy3o/rio/schema"
)

// Classify decides how a stored member of type src becomes a live member of
// type dst. ok is false when no conversion exists.
func Classify(src, dst schema.Type) (kind ActionKind, ok bool) {
	if src.Equal(dst) {
		return Copy, true
	}
	switch {
	case src.Kind.IsNumeric() && dst.Kind.IsNumeric():
		if widens(src.Kind, dst.Kind) {
			return Widen, true
		}
		return Narrow, true

	case src.Kind == schema.Array && dst.Kind == schema.Array:
		if dst.Count < src.Count {
			return 0, false
		}
		return classifyElem(src, dst, Widen)

	case src.Kind == schema.Array && dst.Kind == schema.Slice:
		return classifyElem(src, dst, Widen)

	case src.Kind == schema.Slice && dst.Kind == schema.Slice:
		return classifyElem(src, dst, Widen)

	case src.Kind == schema.Slice && dst.Kind == schema.Array:
		// the stored length is only known per record
		return classifyElem(src, dst, Narrow)

	case src.Kind == schema.Pointer && dst.Kind == schema.Pointer:
		switch {
		case dst.Class == "":
			return Widen, true
		case src.Class == "":
			return Narrow, true
		}
	}
	return 0, false
}

func classifyElem(src, dst schema.Type, shape ActionKind) (ActionKind, bool) {
	k, ok := Classify(*src.Elem, *dst.Elem)
	if !ok {
		return 0, false
	}
	if k == Narrow {
		return Narrow, true
	}
	return shape, true
}

// widens reports whether every value of src is exactly representable in dst.
func widens(src, dst schema.Kind) bool {
	switch {
	case src == schema.Float32 && dst == schema.Float64:
		return true
	case src.IsInteger() && dst.IsInteger():
		if src.IsSigned() && !dst.IsSigned() {
			return false
		}
		return dst.Bits() > src.Bits()
	case src.IsInteger() && dst == schema.Float64:
		return src.Bits() <= 32
	case src.IsInteger() && dst == schema.Float32:
		return src.Bits() <= 16
	}
	return false
}

// Convert stores src into dst, converting numbers, arrays and slices
// element by element. Narrowing is checked: a value that does not fit dst
// fails with ErrTypeMismatch. An invalid or nil src zeroes dst.
func Convert(dst, src reflect.Value) error {
	if src.IsValid() && src.Kind() == reflect.Interface {
		if src.IsNil() {
			src = reflect.Value{}
		} else {
			src = src.Elem()
		}
	}
	if !src.IsValid() {
		dst.SetZero()
		return nil
	}

	sk, dk := src.Kind(), dst.Kind()
	switch {
	case isNumber(sk) && isNumber(dk):
		return convertNumber(dst, src)
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
		return nil
	case sk == reflect.Bool && dk == reflect.Bool:
		dst.SetBool(src.Bool())
		return nil
	case sk == reflect.String && dk == reflect.String:
		dst.SetString(src.String())
		return nil
	case isBytes(src.Type()) && isBytes(dst.Type()):
		if src.IsNil() {
			dst.SetZero()
		} else {
			dst.SetBytes(bytes.Clone(src.Bytes()))
		}
		return nil
	case (sk == reflect.Array || sk == reflect.Slice) && dk == reflect.Array:
		n := src.Len()
		if n > dst.Len() {
			return fmt.Errorf("%w: %d elements do not fit %s", ErrTypeMismatch, n, dst.Type())
		}
		for i := 0; i < n; i++ {
			if err := Convert(dst.Index(i), src.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		for i := n; i < dst.Len(); i++ {
			dst.Index(i).SetZero()
		}
		return nil
	case (sk == reflect.Array || sk == reflect.Slice) && dk == reflect.Slice:
		if sk == reflect.Slice && src.IsNil() {
			dst.SetZero()
			return nil
		}
		n := src.Len()
		out := reflect.MakeSlice(dst.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := Convert(out.Index(i), src.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	}
	return fmt.Errorf("%w: %s is not assignable to %s", ErrTypeMismatch, src.Type(), dst.Type())
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func overflow(v any, t reflect.Type) error {
	return fmt.Errorf("%w: %v overflows %s", ErrTypeMismatch, v, t)
}

func convertNumber(dst, src reflect.Value) error {
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			v = src.Int()
		case reflect.Float32, reflect.Float64:
			f := src.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return overflow(f, dst.Type())
			}
			v = int64(f)
		default:
			u := src.Uint()
			if u > math.MaxInt64 {
				return overflow(u, dst.Type())
			}
			v = int64(u)
		}
		if dst.OverflowInt(v) {
			return overflow(v, dst.Type())
		}
		dst.SetInt(v)

	case reflect.Float32, reflect.Float64:
		var f float64
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(src.Int())
		case reflect.Float32, reflect.Float64:
			f = src.Float()
		default:
			f = float64(src.Uint())
		}
		if dst.OverflowFloat(f) {
			return overflow(f, dst.Type())
		}
		dst.SetFloat(f)

	default:
		var u uint64
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			v := src.Int()
			if v < 0 {
				return overflow(v, dst.Type())
			}
			u = uint64(v)
		case reflect.Float32, reflect.Float64:
			f := src.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return overflow(f, dst.Type())
			}
			u = uint64(f)
		default:
			u = src.Uint()
		}
		if dst.OverflowUint(u) {
			return overflow(u, dst.Type())
		}
		dst.SetUint(u)
	}
	return nil
}
