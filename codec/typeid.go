package codec

import (
	"hash/fnv"
	"reflect"
	"strconv"
)

// Typed is implemented by payload types that carry an explicit wire type id.
// Explicit ids are stable across builds; hashed ids only depend on the
// package path and type name.
type Typed interface {
	PacketType() int32
}

var typedType = reflect.TypeOf((*Typed)(nil)).Elem()

// TypeID returns the wire type identifier of t. Pointer types share the id of
// their element type. The result is zero only for a nil type.
func TypeID(t reflect.Type) int32 {
	if t == nil {
		return 0
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Implements(typedType) {
		if id := reflect.Zero(t).Interface().(Typed).PacketType(); id != 0 {
			return id
		}
	} else if reflect.PointerTo(t).Implements(typedType) {
		if id := reflect.New(t).Interface().(Typed).PacketType(); id != 0 {
			return id
		}
	}
	return hashTypeName(TypeName(t))
}

// TypeIDOf is TypeID for the dynamic type of v.
func TypeIDOf(v any) int32 {
	return TypeID(reflect.TypeOf(v))
}

// TypeName renders t fully qualified by import path, e.g.
// "hyper-rpc/example.Point", "*hyper-rpc/example.Point", "[]string".
func TypeName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	switch t.Kind() {
	case reflect.Ptr:
		return "*" + TypeName(t.Elem())
	case reflect.Slice:
		return "[]" + TypeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + TypeName(t.Elem())
	case reflect.Map:
		return "map[" + TypeName(t.Key()) + "]" + TypeName(t.Elem())
	}
	return t.String()
}

func hashTypeName(name string) int32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	id := int32(h.Sum32())
	if id == 0 {
		id = 1
	}
	return id
}
