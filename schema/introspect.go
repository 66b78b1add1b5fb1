package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// TagName is the struct tag that renames or excludes a member:
//
//	type Track struct {
//		Energy float64 `rio:"e"`
//		cache  []int   // unexported, never serialized
//		Debug  string  `rio:"-"`
//	}
const TagName = "rio"

// classNamer maps a struct type to the class name it is registered under.
type classNamer func(reflect.Type) (string, bool)

// introspect builds the member list of struct type rt. Exported fields are
// members in declaration order.
func introspect(rt reflect.Type, nameOf classNamer) ([]Member, error) {
	var members []Member
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup(TagName); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		t, err := typeOf(f.Type, nameOf)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", rt.Name(), f.Name, err)
		}
		members = append(members, Member{Name: name, Type: t, Field: f.Index})
	}
	return members, nil
}

// typeOf maps a Go type to its on-disk Type. int and uint are stored as
// 64-bit values.
func typeOf(rt reflect.Type, nameOf classNamer) (Type, error) {
	if rt.Kind() == reflect.Slice && rt.Elem().Kind() == reflect.Uint8 {
		return Prim(Bytes), nil
	}
	switch rt.Kind() {
	case reflect.Bool:
		return Prim(Bool), nil
	case reflect.Int8:
		return Prim(Int8), nil
	case reflect.Int16:
		return Prim(Int16), nil
	case reflect.Int32:
		return Prim(Int32), nil
	case reflect.Int64, reflect.Int:
		return Prim(Int64), nil
	case reflect.Uint8:
		return Prim(Uint8), nil
	case reflect.Uint16:
		return Prim(Uint16), nil
	case reflect.Uint32:
		return Prim(Uint32), nil
	case reflect.Uint64, reflect.Uint:
		return Prim(Uint64), nil
	case reflect.Float32:
		return Prim(Float32), nil
	case reflect.Float64:
		return Prim(Float64), nil
	case reflect.String:
		return Prim(String), nil
	case reflect.Array:
		elem, err := typeOf(rt.Elem(), nameOf)
		if err != nil {
			return Type{}, err
		}
		return ArrayOf(elem, rt.Len()), nil
	case reflect.Slice:
		elem, err := typeOf(rt.Elem(), nameOf)
		if err != nil {
			return Type{}, err
		}
		return SliceOf(elem), nil
	case reflect.Struct:
		class, ok := nameOf(rt)
		if !ok {
			return Type{}, &UnknownClassError{Class: rt.String()}
		}
		return ObjectOf(class), nil
	case reflect.Pointer:
		if rt.Elem().Kind() != reflect.Struct {
			break
		}
		class, ok := nameOf(rt.Elem())
		if !ok {
			return Type{}, &UnknownClassError{Class: rt.Elem().String()}
		}
		return PointerTo(class), nil
	case reflect.Interface:
		return PointerTo(""), nil
	}
	return Type{}, fmt.Errorf("%w: %s", ErrUnsupportedType, rt)
}

// structType unwraps a sample value or pointer to its struct type.
func structType(sample any) (reflect.Type, error) {
	rt, ok := sample.(reflect.Type)
	if !ok {
		rt = reflect.TypeOf(sample)
	}
	if rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == nil || rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v is not a struct", ErrUnsupportedType, rt)
	}
	return rt, nil
}
